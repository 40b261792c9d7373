package mediastream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestConn_ReadAndWrite(t *testing.T) {
	t.Parallel()

	result := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Accept(w, r)
		if err != nil {
			result <- err
			return
		}
		defer c.Close()
		ctx := r.Context()

		msg, err := c.Read(ctx)
		if err != nil || msg.Type != EventStart {
			result <- errors.New("expected start event")
			return
		}
		if _, err := c.Read(ctx); !errors.Is(err, ErrUnknownEvent) {
			result <- errors.New("expected unknown event error")
			return
		}
		if err := c.SendMedia(ctx, msg.StreamID, []byte{0xFF}); err != nil {
			result <- err
			return
		}
		if err := c.SendMark(ctx, msg.StreamID, "final_message_played"); err != nil {
			result <- err
			return
		}
		_, err = c.Read(ctx)
		if !errors.Is(err, ErrClosed) {
			result <- errors.New("expected ErrClosed after peer hangup")
			return
		}
		result <- nil
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = ws.Write(ctx, websocket.MessageText, []byte(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`))
	_ = ws.Write(ctx, websocket.MessageText, []byte(`{"event":"video"}`))

	_, media, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read media: %v", err)
	}
	if !strings.Contains(string(media), `"event":"media"`) {
		t.Errorf("first outbound = %s", media)
	}
	_, mark, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read mark: %v", err)
	}
	if !strings.Contains(string(mark), `"final_message_played"`) {
		t.Errorf("second outbound = %s", mark)
	}
	ws.Close(websocket.StatusNormalClosure, "")

	select {
	case err := <-result:
		if err != nil {
			t.Fatal(err)
		}
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}
