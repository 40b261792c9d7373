package archive

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestNewS3_Validation(t *testing.T) {
	t.Parallel()
	if _, err := NewS3(S3Config{Region: "us-east-1"}); err == nil {
		t.Error("expected error without bucket")
	}
	if _, err := NewS3(S3Config{Bucket: "b"}); err == nil {
		t.Error("expected error without region")
	}
}

func TestS3_Key(t *testing.T) {
	t.Parallel()
	a, err := NewS3(S3Config{Bucket: "b", Region: "us-east-1", Prefix: "/recordings/"})
	if err != nil {
		t.Fatal(err)
	}
	if got := a.Key("CA1"); got != "recordings/CA1.wav" {
		t.Errorf("Key = %q", got)
	}
}

func TestS3_Upload(t *testing.T) {
	t.Parallel()
	var (
		mu          sync.Mutex
		method      string
		path        string
		contentType string
		bodyLen     int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, contentType, bodyLen = r.Method, r.URL.Path, r.Header.Get("Content-Type"), len(body)
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	a, err := NewS3(S3Config{
		Bucket:          "audio",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
	})
	if err != nil {
		t.Fatal(err)
	}

	url, err := a.Upload(t.Context(), "CA1", make([]byte, 800))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != "s3://audio/calls/CA1.wav" {
		t.Errorf("url = %q", url)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || path != "/audio/calls/CA1.wav" {
		t.Errorf("request = %s %s", method, path)
	}
	if contentType != "audio/wav" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if bodyLen < 800 {
		t.Errorf("body length = %d, want at least the audio size", bodyLen)
	}
}

func TestS3_UploadEmptyIsNoop(t *testing.T) {
	t.Parallel()
	a, _ := NewS3(S3Config{Bucket: "b", Region: "us-east-1", Endpoint: "http://127.0.0.1:1"})
	url, err := a.Upload(t.Context(), "CA1", nil)
	if err != nil || url != "" {
		t.Errorf("Upload(nil) = %q, %v", url, err)
	}
}
