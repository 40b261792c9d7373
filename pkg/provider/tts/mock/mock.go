// Package mock provides a test double for the tts.Provider interface.
//
//	p := &mock.Provider{Audio: bytes.Repeat([]byte{0xFF}, 800)}
//	mulaw, _ := p.Synthesize(ctx, "Hello")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callrelay/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned (as a copy) by every successful Synthesize call.
	Audio []byte

	// SynthesizeErr, when non-nil, is returned by Synthesize.
	SynthesizeErr error

	// Texts records the text passed to each Synthesize call.
	Texts []string
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(_ context.Context, text string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	out := make([]byte, len(p.Audio))
	copy(out, p.Audio)
	return out, nil
}

// Calls returns a copy of the texts passed to Synthesize.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Texts))
	copy(out, p.Texts)
	return out
}
