// Package mock provides a test double for archive.Archiver.
package mock

import (
	"context"
	"sync"
)

// Upload records one Upload call.
type Upload struct {
	CallID string
	Audio  []byte
}

// Archiver is a mock archive.Archiver.
type Archiver struct {
	mu sync.Mutex

	// URL is returned on success. Default "mem://{callID}".
	URL string
	// Err, if non-nil, is returned by Upload.
	Err error

	uploads []Upload
}

// Upload implements archive.Archiver.
func (a *Archiver) Upload(_ context.Context, callID string, mulaw []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploads = append(a.uploads, Upload{CallID: callID, Audio: append([]byte(nil), mulaw...)})
	if a.Err != nil {
		return "", a.Err
	}
	if a.URL != "" {
		return a.URL, nil
	}
	return "mem://" + callID, nil
}

// Uploads returns a copy of the recorded uploads.
func (a *Archiver) Uploads() []Upload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Upload(nil), a.uploads...)
}
