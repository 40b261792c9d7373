package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/pkg/provider/s2s"
)

// Connect retry defaults.
const (
	DefaultConnectAttempts = 3
	DefaultConnectBackoff  = time.Second
	DefaultConnectTimeout  = 10 * time.Second
)

// Passthrough relays calls to a voice agent over one persistent session per
// call.
type Passthrough struct {
	provider s2s.Provider
	retry    resilience.RetryConfig
}

// PassthroughOption configures a Passthrough.
type PassthroughOption func(*Passthrough)

// WithRetry overrides the connect retry policy.
func WithRetry(cfg resilience.RetryConfig) PassthroughOption {
	return func(p *Passthrough) { p.retry = cfg }
}

// WithOnAttempt registers a hook called before each connect attempt.
func WithOnAttempt(fn func(attempt int)) PassthroughOption {
	return func(p *Passthrough) { p.retry.OnAttempt = fn }
}

// NewPassthrough creates a Passthrough connector over provider.
func NewPassthrough(provider s2s.Provider, opts ...PassthroughOption) *Passthrough {
	p := &Passthrough{
		provider: provider,
		retry: resilience.RetryConfig{
			Name:           "voice agent connect",
			Attempts:       DefaultConnectAttempts,
			Backoff:        DefaultConnectBackoff,
			Factor:         2,
			AttemptTimeout: DefaultConnectTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Attempts returns the configured number of connect attempts.
func (p *Passthrough) Attempts() int { return p.retry.Attempts }

// Connect implements [Connector]. It retries with exponential backoff and
// gives up after the configured attempts.
func (p *Passthrough) Connect(ctx context.Context, callID string, cfg SessionConfig) (Adapter, error) {
	var sess s2s.SessionHandle
	err := resilience.Retry(ctx, p.retry, func(ctx context.Context, _ int) error {
		s, err := p.provider.Connect(ctx, s2s.SessionConfig{
			Instructions: cfg.Instructions,
			Tools:        cfg.Tools,
		})
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backend: connect call %s: %w", callID, err)
	}
	return &passthroughAdapter{sess: sess}, nil
}

type passthroughAdapter struct {
	sess s2s.SessionHandle
}

func (a *passthroughAdapter) SendAudio(ctx context.Context, mulaw []byte) error {
	return a.sess.SendAudio(ctx, mulaw)
}

func (a *passthroughAdapter) InjectSpokenMessage(ctx context.Context, text string) error {
	return a.sess.InjectAgentMessage(ctx, text)
}

func (a *passthroughAdapter) RespondFunctionCall(ctx context.Context, id, output string) error {
	return a.sess.RespondFunctionCall(ctx, id, output)
}

func (a *passthroughAdapter) Events() <-chan Event { return a.sess.Events() }

func (a *passthroughAdapter) Close() error { return a.sess.Close() }
