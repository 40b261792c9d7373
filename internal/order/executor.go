package order

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/internal/menu"
)

// Default settlement parameters.
const (
	DefaultTaxRate       = 0.18
	DefaultPaymentMethod = "cnon:card-nonce-ok"
)

// ErrorText is spoken when an order cannot be processed at all.
const ErrorText = "Sorry, there was an error processing your order."

// PaymentStatus is the settlement outcome of an order.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
	PaymentError   PaymentStatus = "ERROR"
)

// Placed is what the order backend reports for a created order.
type Placed struct {
	OrderID string
	Total   float64
}

// Payment is what the order backend reports for a payment attempt.
type Payment struct {
	ID     string
	Status string
}

// Backend creates and pays orders with the restaurant's point of sale.
type Backend interface {
	CreateOrder(ctx context.Context, items []Item) (Placed, error)
	ProcessPayment(ctx context.Context, orderID string, amount float64, method string) (Payment, error)
}

// Result is the outcome of one order_summary call.
type Result struct {
	OrderID          string
	PaymentStatus    PaymentStatus
	PaymentID        string
	ConfirmationText string
	Done             bool
	Total            float64
	Tax              float64
	TotalWithTax     float64
	Digest           string

	// Duplicate is set when the call already settled a finished order; the
	// backend was not contacted again.
	Duplicate bool

	// Err is the backend or validation failure behind PaymentError, if any.
	Err error
}

// Config tunes an Executor.
type Config struct {
	TaxRate       float64
	PaymentMethod string
}

// Executor settles order_summary calls against a Backend. It remembers which
// calls already settled a finished order so a repeated DONE is answered
// without charging twice.
type Executor struct {
	backend Backend
	taxRate float64
	method  string
	now     func() time.Time

	mu      sync.Mutex
	settled map[string]Result
}

// NewExecutor creates an Executor. A nil backend is allowed; orders are then
// confirmed without being placed.
func NewExecutor(backend Backend, cfg Config) *Executor {
	if cfg.TaxRate < 0 {
		cfg.TaxRate = 0
	}
	if cfg.PaymentMethod == "" {
		cfg.PaymentMethod = DefaultPaymentMethod
	}
	return &Executor{
		backend: backend,
		taxRate: cfg.TaxRate,
		method:  cfg.PaymentMethod,
		now:     time.Now,
		settled: make(map[string]Result),
	}
}

// Execute settles req for callID. It never returns raw backend failures to
// the caller: they are logged, reported in Result.Err and reflected in the
// payment status, while the confirmation text stays speakable.
func (e *Executor) Execute(ctx context.Context, callID string, req Request, digest string) Result {
	log := slog.With("call_id", callID, "digest", digest)

	if len(req.Items) == 0 || req.TotalPrice == nil {
		return Result{
			PaymentStatus:    PaymentError,
			ConfirmationText: ErrorText,
			Digest:           digest,
			Err:              fmt.Errorf("%w: missing items or total price", ErrInvalidRequest),
		}
	}

	if req.Done() {
		e.mu.Lock()
		prev, ok := e.settled[callID]
		e.mu.Unlock()
		if ok {
			log.Info("order already settled for call, skipping backend", "order_id", prev.OrderID)
			prev.Duplicate = true
			prev.Digest = digest
			prev.Err = nil
			return prev
		}
	}

	total := *req.TotalPrice
	tax := round2(total * e.taxRate)
	res := Result{
		PaymentStatus:    PaymentPending,
		ConfirmationText: Confirmation(req),
		Done:             req.Done(),
		Total:            total,
		Tax:              tax,
		TotalWithTax:     round2(total + tax),
		Digest:           digest,
	}

	if e.backend != nil {
		e.settle(ctx, log, req, &res)
	}
	if res.OrderID == "" {
		res.OrderID = fmt.Sprintf("ORDER-%d", e.now().Unix())
	}

	if res.Done {
		e.mu.Lock()
		e.settled[callID] = res
		e.mu.Unlock()
	}
	return res
}

func (e *Executor) settle(ctx context.Context, log *slog.Logger, req Request, res *Result) {
	placed, err := e.backend.CreateOrder(ctx, req.Items)
	if err != nil {
		log.Error("create order failed", "err", err)
		res.PaymentStatus = PaymentError
		res.Err = err
		return
	}
	res.OrderID = placed.OrderID
	log.Info("order created", "order_id", placed.OrderID, "total", placed.Total)
	if !req.Done() {
		return
	}

	amount := placed.Total
	if amount <= 0 {
		amount = res.Total
	}
	pay, err := e.backend.ProcessPayment(ctx, placed.OrderID, amount, e.method)
	if err != nil {
		log.Error("payment failed", "order_id", placed.OrderID, "err", err)
		res.PaymentStatus = PaymentError
		res.Err = err
		return
	}
	res.PaymentID = pay.ID
	if pay.Status == "COMPLETED" {
		res.PaymentStatus = PaymentPaid
	} else {
		log.Warn("payment not completed", "order_id", placed.OrderID, "status", pay.Status)
		res.PaymentStatus = PaymentFailed
	}
}

// Forget drops the settlement record of a finished call.
func (e *Executor) Forget(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.settled, callID)
}

// Confirmation renders the sentence read back to the caller.
func Confirmation(req Request) string {
	total := 0.0
	if req.TotalPrice != nil {
		total = *req.TotalPrice
	}
	text := fmt.Sprintf("Your order of %s for a total of $%.2f has been received", describeItems(req.Items), total)
	if req.Done() {
		return text + " and will be ready for pickup shortly. Thank you for ordering with us."
	}
	return text + "."
}

func describeItems(items []Item) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = fmt.Sprintf("%dx %s (%s)", it.Quantity, it.Name, variationOrDefault(it.Variation))
	}
	return strings.Join(parts, ", ")
}

func variationOrDefault(v string) string {
	if v == "" {
		return menu.DefaultVariation
	}
	return v
}

// SummaryText renders the SMS sent after a finished order.
func SummaryText(restaurant string, req Request, res Result) string {
	var b strings.Builder
	b.WriteString("Your Order:\n\n")
	for _, it := range req.Items {
		fmt.Fprintf(&b, "- %dx %s (%s)\n", it.Quantity, it.Name, variationOrDefault(it.Variation))
	}
	fmt.Fprintf(&b, "\nTotal: $%.2f\n", res.Total)
	fmt.Fprintf(&b, "Tax: $%.2f\n", res.Tax)
	fmt.Fprintf(&b, "Total with tax: $%.2f\n", res.TotalWithTax)
	fmt.Fprintf(&b, "Order ID: %s\n", res.OrderID)
	fmt.Fprintf(&b, "\nThank you for ordering from %s!", restaurant)
	return b.String()
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
