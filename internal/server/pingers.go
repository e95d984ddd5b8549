package server

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// PingerFunc adapts a function to the Pinger interface.
type PingerFunc struct {
	// Label is returned by Name.
	Label string
	// Fn performs the probe.
	Fn func(ctx context.Context) error
}

// Name returns the dependency label.
func (p PingerFunc) Name() string { return p.Label }

// Ping calls Fn.
func (p PingerFunc) Ping(ctx context.Context) error { return p.Fn(ctx) }

// HTTPPinger probes a dependency by issuing a GET and treating any status
// below 500 as reachable. It is used for chat backends that expose a cheap
// endpoint (e.g. Ollama's /api/tags) so readiness never spends tokens.
type HTTPPinger struct {
	// name identifies the dependency in readiness responses.
	name string
	// url is the probe target.
	url string
	// client performs the request.
	client *http.Client
}

// NewHTTPPinger constructs an HTTPPinger for url.
func NewHTTPPinger(name, url string) *HTTPPinger {
	return &HTTPPinger{name: name, url: url, client: &http.Client{Timeout: probeTimeout + time.Second}}
}

// Name returns the dependency label used in readiness responses.
func (p *HTTPPinger) Name() string { return p.name }

// Ping issues the GET request.
func (p *HTTPPinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
