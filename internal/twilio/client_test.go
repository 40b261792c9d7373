package twilio

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	twclient "github.com/twilio/twilio-go/client"
)

type recorded struct {
	path string
	form url.Values
	user string
	pass string
}

type recorder struct {
	mu   sync.Mutex
	reqs []recorded
}

func (r *recorder) first() recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[0]
}

func newServer(t *testing.T, status int, body string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		u, p, _ := r.BasicAuth()
		rec.mu.Lock()
		rec.reqs = append(rec.reqs, recorded{path: r.URL.Path, form: r.PostForm, user: u, pass: p})
		rec.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{AuthToken: "x"}); err == nil {
		t.Error("expected error without account sid")
	}
	if _, err := New(Config{AccountSID: "AC1"}); err == nil {
		t.Error("expected error without auth token")
	}
}

func TestEndCall(t *testing.T) {
	t.Parallel()
	srv, reqs := newServer(t, http.StatusOK, `{"sid":"CA1","status":"completed"}`)
	c, err := New(Config{AccountSID: "AC1", AuthToken: "secret", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.EndCall(t.Context(), "CA1"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	got := reqs.first()
	if got.path != "/2010-04-01/Accounts/AC1/Calls/CA1.json" {
		t.Errorf("path = %q", got.path)
	}
	if got.form.Get("Status") != "completed" {
		t.Errorf("Status = %q", got.form.Get("Status"))
	}
	if got.user != "AC1" || got.pass != "secret" {
		t.Errorf("basic auth = %q/%q", got.user, got.pass)
	}
}

func TestSendSMS(t *testing.T) {
	t.Parallel()
	srv, reqs := newServer(t, http.StatusCreated, `{"sid":"SM1"}`)
	c, _ := New(Config{AccountSID: "AC1", AuthToken: "secret", From: "+15550001111", BaseURL: srv.URL})

	sid, err := c.SendSMS(t.Context(), "+15552223333", "Your Order:")
	if err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if sid != "SM1" {
		t.Errorf("sid = %q", sid)
	}
	f := reqs.first().form
	if f.Get("To") != "+15552223333" || f.Get("From") != "+15550001111" || f.Get("Body") != "Your Order:" {
		t.Errorf("form = %v", f)
	}
}

func TestSendSMS_NoSender(t *testing.T) {
	t.Parallel()
	c, _ := New(Config{AccountSID: "AC1", AuthToken: "secret"})
	if err := c.SendConfirmation(t.Context(), "+1", "x"); err == nil {
		t.Fatal("expected error without sender number")
	}
}

func TestAPIError(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, http.StatusNotFound, `{"code":20404,"message":"not found","status":404}`)
	c, _ := New(Config{AccountSID: "AC1", AuthToken: "secret", BaseURL: srv.URL})

	err := c.EndCall(t.Context(), "CA404")
	var apiErr *twclient.TwilioRestError
	if !errors.As(err, &apiErr) || apiErr.Code != 20404 {
		t.Fatalf("err = %v, want TwilioRestError 20404", err)
	}
}

func TestNew_InvalidBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{AccountSID: "AC1", AuthToken: "secret", BaseURL: "not a url"}); err == nil {
		t.Fatal("expected error for a base url without host")
	}
}

func TestSendSMS_CanceledContext(t *testing.T) {
	t.Parallel()
	srv, reqs := newServer(t, http.StatusCreated, `{"sid":"SM1"}`)
	c, _ := New(Config{AccountSID: "AC1", AuthToken: "secret", From: "+1", BaseURL: srv.URL})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := c.SendSMS(ctx, "+2", "hi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	reqs.mu.Lock()
	defer reqs.mu.Unlock()
	if len(reqs.reqs) != 0 {
		t.Errorf("requests = %d, want 0", len(reqs.reqs))
	}
}

func TestStreamTwiML(t *testing.T) {
	t.Parallel()
	out, err := Stream{
		URL:    "wss://relay.example.com/media-stream",
		Params: map[string]string{"caller": "+15552223333", "language": "en"},
		Say:    "Please wait while we connect your call to the KK Restaurant assistant",
		Voice:  "Polly.Joanna",
	}.TwiML()
	if err != nil {
		t.Fatalf("TwiML: %v", err)
	}
	doc := string(out)
	for _, want := range []string{
		`<Response>`,
		`<Say voice="Polly.Joanna">Please wait while we connect your call to the KK Restaurant assistant</Say>`,
		`<Pause length="1"`,
		`<Connect><Stream url="wss://relay.example.com/media-stream">`,
		`name="caller"`,
		`value="+15552223333"`,
		`name="language"`,
		`value="en"`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("TwiML missing %q:\n%s", want, doc)
		}
	}
	if strings.Index(doc, `name="caller"`) > strings.Index(doc, `name="language"`) {
		t.Errorf("parameters not sorted by name:\n%s", doc)
	}
	if strings.Index(doc, "<Say") > strings.Index(doc, "<Connect>") {
		t.Errorf("Say must precede Connect:\n%s", doc)
	}
}

func TestStreamTwiML_NoSay(t *testing.T) {
	t.Parallel()
	out, err := Stream{URL: "wss://h/media-stream"}.TwiML()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "<Say") || strings.Contains(string(out), "<Pause") {
		t.Errorf("unexpected Say/Pause:\n%s", out)
	}
}
