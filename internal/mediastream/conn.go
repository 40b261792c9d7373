package mediastream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// ErrClosed is returned by Read once the peer has hung up or Close was called.
var ErrClosed = errors.New("mediastream: stream closed")

// Stream is the per-call media-stream handle used by a call session.
type Stream interface {
	// Read blocks for the next inbound event. Parse errors are returned with
	// the stream still usable; ErrClosed ends the stream.
	Read(ctx context.Context) (Message, error)
	SendMedia(ctx context.Context, streamID string, mulaw []byte) error
	SendMark(ctx context.Context, streamID, name string) error
	SendClear(ctx context.Context, streamID string) error
	SendStop(ctx context.Context, streamID string) error
	Close() error
}

// Conn is a Stream over a server-side websocket. Writes are serialised so
// media and marks reach the peer in the order they were issued.
type Conn struct {
	ws *websocket.Conn

	wmu       sync.Mutex
	closeOnce sync.Once
}

var _ Stream = (*Conn)(nil)

// Accept upgrades an HTTP request from the telephony provider.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return nil, fmt.Errorf("mediastream: accept: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// Read implements Stream.
func (c *Conn) Read(ctx context.Context) (Message, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if typ != websocket.MessageText {
		return Message{}, fmt.Errorf("%w: binary frame", ErrMalformedMessage)
	}
	return Parse(data)
}

func (c *Conn) write(ctx context.Context, data []byte, err error) error {
	if err != nil {
		return fmt.Errorf("mediastream: encode: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("mediastream: write: %w", err)
	}
	return nil
}

// SendMedia implements Stream.
func (c *Conn) SendMedia(ctx context.Context, streamID string, mulaw []byte) error {
	data, err := encodeMedia(streamID, mulaw)
	return c.write(ctx, data, err)
}

// SendMark implements Stream.
func (c *Conn) SendMark(ctx context.Context, streamID, name string) error {
	data, err := encodeMark(streamID, name)
	return c.write(ctx, data, err)
}

// SendClear implements Stream.
func (c *Conn) SendClear(ctx context.Context, streamID string) error {
	data, err := encodeControl("clear", streamID)
	return c.write(ctx, data, err)
}

// SendStop implements Stream.
func (c *Conn) SendStop(ctx context.Context, streamID string) error {
	data, err := encodeControl("stop", streamID)
	return c.write(ctx, data, err)
}

// Close closes the websocket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.ws.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}
