// Package collector turns configured sources into candidate records. One
// collector exists per collection method; collectors never deduplicate or
// persist.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/fetcher"
	"github.com/JakeFAU/newsdesk/internal/ingest"
)

var (
	// ErrUnsupportedMethod is returned for a source whose method has no collector.
	ErrUnsupportedMethod = errors.New("unsupported collection method")
	// ErrUnsupportedAPI is returned for an api source with an unknown api kind.
	ErrUnsupportedAPI = errors.New("unsupported api kind")
)

const defaultMaxItems = 30

// Renderer returns browser-rendered markup for a URL.
type Renderer interface {
	Render(ctx context.Context, url string) (fetcher.Page, error)
}

// Waiter throttles requests per host.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Config wires the collaborators shared by all collectors.
type Config struct {
	Fetcher  fetcher.Fetcher
	Renderer Renderer
	Limiter  Waiter
	Clock    ingest.Clock
	// NVDAPIKey is sent as the apiKey header to the NVD CVE API when set.
	NVDAPIKey string
	Logger    *zap.Logger
}

// Registry dispatches a source to the collector for its method.
type Registry struct {
	collectors map[ingest.Method]ingest.Collector
}

// NewRegistry builds the feed, api and rendered collectors.
func NewRegistry(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = ingest.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Logger = cfg.Logger.Named("collector")
	h := &httpClient{fetcher: cfg.Fetcher, limiter: cfg.Limiter}
	return &Registry{
		collectors: map[ingest.Method]ingest.Collector{
			ingest.MethodFeed:     &FeedCollector{http: h, clock: cfg.Clock},
			ingest.MethodAPI:      NewAPICollector(h, cfg.Clock, cfg.NVDAPIKey, cfg.Logger),
			ingest.MethodRendered: &RenderedCollector{renderer: cfg.Renderer, limiter: cfg.Limiter, clock: cfg.Clock},
		},
	}
}

// Register replaces the collector for a method.
func (r *Registry) Register(method ingest.Method, c ingest.Collector) {
	r.collectors[method] = c
}

// Collect runs the collector registered for source.Method.
func (r *Registry) Collect(ctx context.Context, source ingest.Source) ([]ingest.Record, error) {
	c, ok := r.collectors[source.Method]
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, source.Method)
	}
	return c.Collect(ctx, source)
}

// httpClient issues throttled GETs through the shared fetcher.
type httpClient struct {
	fetcher fetcher.Fetcher
	limiter Waiter
}

func (h *httpClient) get(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	if h.fetcher == nil {
		return nil, fetcher.ErrNotConfigured
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx, url); err != nil {
			return nil, err
		}
	}
	page, err := h.fetcher.Fetch(ctx, fetcher.Request{URL: url, Headers: headers})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	return page.Body, nil
}

func (h *httpClient) getJSON(ctx context.Context, url string, headers http.Header, out any) error {
	merged := http.Header{"Accept": {"application/json"}}
	for k, v := range headers {
		merged[k] = v
	}
	body, err := h.get(ctx, url, merged)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func maxItems(source ingest.Source) int {
	if source.MaxItems > 0 {
		return source.MaxItems
	}
	return defaultMaxItems
}

// newRecord fills the fields every collector sets the same way.
func newRecord(source ingest.Source, url, title string) ingest.Record {
	return ingest.Record{
		URL:        url,
		SourceID:   source.ID,
		Title:      title,
		CategoryID: source.Type,
	}
}
