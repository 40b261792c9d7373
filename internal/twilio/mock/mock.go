// Package mock provides a test double for the Twilio REST client: it ends
// calls and sends text messages into memory.
package mock

import (
	"context"
	"sync"
)

// Message records one SendConfirmation call.
type Message struct {
	To   string
	Body string
}

// Client records call hangups and text messages.
type Client struct {
	mu sync.Mutex

	// EndCallErr, if non-nil, is returned by EndCall.
	EndCallErr error
	// SendErr, if non-nil, is returned by SendConfirmation.
	SendErr error

	ended    []string
	messages []Message
}

// EndCall records callSID.
func (c *Client) EndCall(_ context.Context, callSID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = append(c.ended, callSID)
	return c.EndCallErr
}

// SendConfirmation records the message.
func (c *Client) SendConfirmation(_ context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{To: to, Body: text})
	return c.SendErr
}

// Ended returns the call ids passed to EndCall.
func (c *Client) Ended() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ended...)
}

// Messages returns the recorded text messages.
func (c *Client) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}
