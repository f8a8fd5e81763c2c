package collector

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

// API kinds understood by APICollector.
const (
	APIHackerNews = "hackernews"
	APINVD        = "nvd"
)

type apiCollectFunc func(ctx context.Context, source ingest.Source) ([]ingest.Record, error)

// APICollector dispatches api sources to a JSON client by APIKind.
type APICollector struct {
	kinds map[string]apiCollectFunc
}

// NewAPICollector registers the Hacker News and NVD clients.
func NewAPICollector(h *httpClient, clock ingest.Clock, nvdAPIKey string, logger *zap.Logger) *APICollector {
	hn := &hackerNewsClient{http: h, clock: clock, logger: logger}
	nvd := &nvdClient{http: h, clock: clock, apiKey: nvdAPIKey, logger: logger}
	return &APICollector{kinds: map[string]apiCollectFunc{
		APIHackerNews: hn.collect,
		APINVD:        nvd.collect,
	}}
}

// Collect runs the client for source.APIKind.
func (c *APICollector) Collect(ctx context.Context, source ingest.Source) ([]ingest.Record, error) {
	fn, ok := c.kinds[strings.ToLower(source.APIKind)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAPI, source.APIKind)
	}
	return fn(ctx, source)
}
