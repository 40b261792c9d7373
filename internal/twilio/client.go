// Package twilio is the relay's Twilio REST surface: it ends call legs,
// sends SMS and renders the TwiML that connects an incoming call to the
// media-stream endpoint.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	twiliogo "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// Config configures a Client.
type Config struct {
	AccountSID string
	AuthToken  string
	// From is the sender number for SMS.
	From string
	// BaseURL replaces the scheme and host of api.twilio.com, for example
	// to reach a local Twilio mock.
	BaseURL    string
	HTTPClient *http.Client
}

// Client wraps the twilio-go REST client.
type Client struct {
	from string
	rest *twiliogo.RestClient
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio: account sid is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio: auth token is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("twilio: invalid base url %q", cfg.BaseURL)
		}
		hc := *cfg.HTTPClient
		hc.Transport = rehost{base: u, next: hc.Transport}
		cfg.HTTPClient = &hc
	}
	base := &twclient.Client{
		Credentials: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  cfg.HTTPClient,
	}
	base.SetAccountSid(cfg.AccountSID)
	return &Client{
		from: cfg.From,
		rest: twiliogo.NewRestClientWithParams(twiliogo.ClientParams{Client: base}),
	}, nil
}

// EndCall hangs up the call leg by setting its status to completed.
func (c *Client) EndCall(ctx context.Context, callSID string) error {
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	err := do(ctx, func() error {
		_, err := c.rest.Api.UpdateCall(callSID, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("twilio: end call %s: %w", callSID, err)
	}
	return nil
}

// SendSMS sends body to the number to and returns the message SID.
func (c *Client) SendSMS(ctx context.Context, to, body string) (string, error) {
	if c.from == "" {
		return "", errors.New("twilio: no sender number configured")
	}
	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	var sid string
	err := do(ctx, func() error {
		msg, err := c.rest.Api.CreateMessage(params)
		if err != nil {
			return err
		}
		if msg.Sid != nil {
			sid = *msg.Sid
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("twilio: send sms: %w", err)
	}
	return sid, nil
}

// SendConfirmation sends text by SMS. It satisfies the call notifier.
func (c *Client) SendConfirmation(ctx context.Context, to, text string) error {
	_, err := c.SendSMS(ctx, to, text)
	return err
}

// do runs a blocking SDK call and returns early when ctx ends. The request
// itself is bounded by the HTTP client timeout.
func do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rehost sends every request to base instead of the host the SDK chose.
type rehost struct {
	base *url.URL
	next http.RoundTripper
}

func (t rehost) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = t.base.Scheme
	r.URL.Host = t.base.Host
	r.Host = t.base.Host
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(r)
}
