// Package requester performs plain HTTP fetches for resources the browser
// does not load on its own, such as web app manifests and favicon probes.
package requester

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/iansealy/sonarwhal/internal/contenttype"
	"github.com/iansealy/sonarwhal/internal/events"
	"github.com/iansealy/sonarwhal/internal/redirects"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 32 << 20
)

// Requester fetches resources over HTTP, following redirects and recording
// the hop chain. Default headers mirror what the browser sent so that probe
// requests look like the page's own traffic.
type Requester struct {
	mu      sync.RWMutex
	headers map[string]string
	timeout time.Duration
}

func New() *Requester {
	return &Requester{timeout: defaultTimeout}
}

// SetDefaultHeaders replaces the headers applied to every subsequent fetch.
func (r *Requester) SetDefaultHeaders(headers map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers = make(map[string]string, len(headers))
	for k, v := range headers {
		r.headers[k] = v
	}
}

func (r *Requester) defaultHeaders() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

// Get fetches resourceURL and returns the complete exchange: request headers
// as sent, the final response after redirects, the hop chain, and the body
// with its resolved media type and charset.
func (r *Requester) Get(ctx context.Context, resourceURL string) (events.NetworkData, error) {
	var hops []string
	client := &http.Client{
		Timeout: r.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= redirects.MaxRedirects {
				return fmt.Errorf("more than %d redirects", redirects.MaxRedirects)
			}
			hops = make([]string, len(via))
			for i, prev := range via {
				hops[i] = prev.URL.String()
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return events.NetworkData{}, fmt.Errorf("build request for %s: %w", resourceURL, err)
	}
	sentHeaders := r.defaultHeaders()
	for k, v := range sentHeaders {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return events.NetworkData{}, fmt.Errorf("fetch %s: %w", resourceURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return events.NetworkData{}, fmt.Errorf("read body of %s: %w", resourceURL, err)
	}

	finalURL := resp.Request.URL.String()
	resolved := contenttype.Resolve(nil, finalURL, resp.Header, raw)

	return events.NetworkData{
		Request: events.Request{URL: resourceURL, Headers: sentHeaders},
		Response: events.Response{
			URL:        finalURL,
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
			Hops:       hops,
			Body: events.ResponseBody{
				Content:    contenttype.DecodeText(raw, resolved.Charset),
				RawContent: raw,
				RawResponse: func(context.Context) ([]byte, error) {
					return raw, nil
				},
			},
			MediaType: resolved.MediaType,
			Charset:   resolved.Charset,
		},
	}, nil
}
