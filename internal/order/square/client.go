// Package square places and pays orders through the Square REST API and
// reads the restaurant menu from the Square catalog.
package square

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	"github.com/square/square-go-sdk/option"

	"github.com/MrWong99/callrelay/internal/menu"
	"github.com/MrWong99/callrelay/internal/order"
	"github.com/MrWong99/callrelay/internal/resilience"
)

const (
	// SandboxURL is the Square sandbox API root.
	SandboxURL = "https://connect.squareupsandbox.com"
	// ProductionURL is the Square production API root.
	ProductionURL = "https://connect.squareup.com"
)

// ErrNoLocation is returned when the account has no location to place
// orders at.
var ErrNoLocation = errors.New("square: account has no locations")

// Config configures a Client.
type Config struct {
	AccessToken string
	BaseURL     string
	// LocationID pins the location. When empty the first location of the
	// account is looked up once and cached.
	LocationID string
	Currency   string
	HTTPClient *http.Client
	// Breaker guards every API call. A default breaker is created when nil.
	Breaker *resilience.CircuitBreaker
}

// Client talks to Square. It implements [order.Backend] and [menu.Source].
//
// A Client is safe for concurrent use.
type Client struct {
	api      *sqclient.Client
	currency string
	breaker  *resilience.CircuitBreaker

	mu         sync.Mutex
	locationID string
	resolver   *menu.Resolver
}

var (
	_ order.Backend = (*Client)(nil)
	_ menu.Source   = (*Client)(nil)
)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("square: access token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxURL
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "square"})
	}
	api := sqclient.NewClient(
		option.WithToken(cfg.AccessToken),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(cfg.HTTPClient),
		// The breaker owns failure accounting; the SDK must not retry on its own.
		option.WithMaxAttempts(1),
	)
	return &Client{
		api:        api,
		currency:   cfg.Currency,
		breaker:    cfg.Breaker,
		locationID: cfg.LocationID,
	}, nil
}

func toCents(v float64) int64 { return int64(math.Round(v * 100)) }

func fromCents(c int64) float64 { return float64(c) / 100 }

func (c *Client) money(amount float64) *sq.Money {
	cur := sq.Currency(c.currency)
	return &sq.Money{Amount: sq.Int64(toCents(amount)), Currency: &cur}
}

func price(m *sq.Money) float64 {
	if m == nil || m.Amount == nil {
		return 0
	}
	return fromCents(*m.Amount)
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Location returns the location orders are placed at.
func (c *Client) Location(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.locationID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	var resp *sq.ListLocationsResponse
	err := c.breaker.Execute(func() error {
		var err error
		resp, err = c.api.Locations.List(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("square: list locations: %w", err)
	}
	for _, loc := range resp.Locations {
		if loc != nil && str(loc.ID) != "" {
			id = *loc.ID
			break
		}
	}
	if id == "" {
		return "", ErrNoLocation
	}

	c.mu.Lock()
	c.locationID = id
	c.mu.Unlock()
	return id, nil
}

// Menu implements [menu.Source]. It lists every ITEM of the catalog and
// caches a resolver used to map ordered names to catalog variations.
func (c *Client) Menu(ctx context.Context) (menu.Menu, error) {
	var m menu.Menu
	err := c.breaker.Execute(func() error {
		m = menu.Menu{}
		page, err := c.api.Catalog.List(ctx, &sq.ListCatalogRequest{Types: sq.String("ITEM")})
		if err != nil {
			return err
		}
		iter := page.Iterator()
		for iter.Next(ctx) {
			if item, ok := catalogItem(iter.Current()); ok {
				m.Items = append(m.Items, item)
			}
		}
		return iter.Err()
	})
	if err != nil {
		return menu.Menu{}, fmt.Errorf("square: list catalog: %w", err)
	}

	c.mu.Lock()
	c.resolver = menu.NewResolver(m)
	c.mu.Unlock()
	slog.Debug("square catalog loaded", "items", len(m.Items))
	return m, nil
}

// catalogItem converts an ITEM catalog object. Other object types report
// false.
func catalogItem(obj *sq.CatalogObject) (menu.Item, bool) {
	if obj == nil || obj.Item == nil || obj.Item.ItemData == nil {
		return menu.Item{}, false
	}
	data := obj.Item.ItemData
	item := menu.Item{ID: obj.Item.ID, Name: str(data.Name), Description: str(data.Description)}
	for _, v := range data.Variations {
		if v == nil || v.ItemVariation == nil || v.ItemVariation.ItemVariationData == nil {
			continue
		}
		vd := v.ItemVariation.ItemVariationData
		item.Variations = append(item.Variations, menu.Variation{
			ID:    v.ItemVariation.ID,
			Name:  str(vd.Name),
			Price: price(vd.PriceMoney),
		})
	}
	return item, true
}

// lineItems maps ordered items to catalog variations. Items that do not
// resolve are sent as ad hoc line items so the kitchen still sees them.
func (c *Client) lineItems(items []order.Item) []*sq.OrderLineItem {
	c.mu.Lock()
	r := c.resolver
	c.mu.Unlock()

	out := make([]*sq.OrderLineItem, 0, len(items))
	for _, it := range items {
		qty := strconv.Itoa(it.Quantity)
		if r != nil {
			if _, v, ok := r.Resolve(it.Name, it.Variation); ok && v.ID != "" {
				out = append(out, &sq.OrderLineItem{CatalogObjectID: sq.String(v.ID), Quantity: qty})
				continue
			}
		}
		name := it.Name
		if it.Variation != "" {
			name += " (" + it.Variation + ")"
		}
		out = append(out, &sq.OrderLineItem{
			Name:           sq.String(name),
			Quantity:       qty,
			BasePriceMoney: c.money(0),
		})
	}
	return out
}

// CreateOrder implements [order.Backend].
func (c *Client) CreateOrder(ctx context.Context, items []order.Item) (order.Placed, error) {
	loc, err := c.Location(ctx)
	if err != nil {
		return order.Placed{}, err
	}
	req := &sq.CreateOrderRequest{
		IdempotencyKey: sq.String(uuid.NewString()),
		Order: &sq.Order{
			LocationID: loc,
			LineItems:  c.lineItems(items),
		},
	}
	var resp *sq.CreateOrderResponse
	err = c.breaker.Execute(func() error {
		var err error
		resp, err = c.api.Orders.Create(ctx, req)
		return err
	})
	if err != nil {
		return order.Placed{}, fmt.Errorf("square: create order: %w", err)
	}
	if resp.Order == nil {
		return order.Placed{}, errors.New("square: create order: response has no order")
	}
	return order.Placed{OrderID: str(resp.Order.ID), Total: price(resp.Order.TotalMoney)}, nil
}

// ProcessPayment implements [order.Backend]. method is a Square payment
// source id, typically a card nonce.
func (c *Client) ProcessPayment(ctx context.Context, orderID string, amount float64, method string) (order.Payment, error) {
	loc, err := c.Location(ctx)
	if err != nil {
		return order.Payment{}, err
	}
	req := &sq.CreatePaymentRequest{
		IdempotencyKey: uuid.NewString(),
		SourceID:       method,
		AmountMoney:    c.money(amount),
		OrderID:        sq.String(orderID),
		LocationID:     sq.String(loc),
	}
	var resp *sq.CreatePaymentResponse
	err = c.breaker.Execute(func() error {
		var err error
		resp, err = c.api.Payments.Create(ctx, req)
		return err
	})
	if err != nil {
		return order.Payment{}, fmt.Errorf("square: create payment: %w", err)
	}
	if resp.Payment == nil {
		return order.Payment{}, errors.New("square: create payment: response has no payment")
	}
	return order.Payment{ID: str(resp.Payment.ID), Status: str(resp.Payment.Status)}, nil
}
