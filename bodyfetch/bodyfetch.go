// Package bodyfetch retrieves a message's body from the remote body store
// over HTTP and streams it directly into the SMTP session writer, with no
// disk buffering (spec.md §4.8, §5 Back-pressure).
package bodyfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Fetcher wraps an http.Client pointed at the body-store API (spec.md §6:
// "HTTP GET http://<api.host>:<api.port>/fetch/<id>?body=yes").
type Fetcher struct {
	client  *http.Client
	baseURL string
}

// New builds a Fetcher against hostname:port. timeout bounds the full
// request, not just dial/handshake, since a stalled body-store response
// would otherwise hold the worker's one in-flight delivery forever
// (spec.md §5: a worker never races with itself, so there is nothing else
// for it to do while stuck).
func New(hostname string, port int, timeout time.Duration) *Fetcher {
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		baseURL: fmt.Sprintf("http://%s:%d", hostname, port),
	}
}

// Stream issues the fetch and returns the open response body for the
// caller to copy into the SMTP DATA writer, plus the advertised
// Content-Length (used as Delivery.BodySize when the queue authority
// didn't already supply one). The caller must Close the returned
// io.ReadCloser on every exit path.
func (f *Fetcher) Stream(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	reqURL := fmt.Sprintf("%s/fetch/%s?body=yes", f.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("bodyfetch: build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("bodyfetch: fetch %s: %w", id, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("bodyfetch: fetch %s: unexpected status %s", id, resp.Status)
	}

	return resp.Body, resp.ContentLength, nil
}
