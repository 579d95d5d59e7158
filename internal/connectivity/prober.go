package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober performs a single reachability check and reports its round-trip
// latency. Any error means the endpoint was unreachable for that probe.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// HTTPProber issues a HEAD request against a cheap endpoint.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber returns a prober for url.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Client: &http.Client{}}
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe: %w", err)
	}
	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	latency := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return latency, fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return latency, nil
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) (time.Duration, error)

func (f ProberFunc) Probe(ctx context.Context) (time.Duration, error) {
	return f(ctx)
}
