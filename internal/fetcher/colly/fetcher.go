// Package collyfetcher implements fetcher.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"

	"github.com/JakeFAU/newsdesk/internal/fetcher"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	// UserAgent pins the User-Agent header; empty rotates realistic browser agents.
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Fetcher implements fetcher.Fetcher using the Colly collector.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Direct requests share one pooled transport.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	return &Fetcher{
		cfg:       cfg,
		transport: &transientRetryTransport{base: newHTTPTransport()},
	}
}

// Fetch executes a single HTTP GET using Colly, following redirects.
func (f *Fetcher) Fetch(ctx context.Context, request fetcher.Request) (fetcher.Page, error) {
	var (
		result   fetcher.Page
		fetchErr error
	)
	collector, err := f.buildCollector(request)
	if err != nil {
		return fetcher.Page{}, err
	}
	f.configureCollectorHooks(collector, request, time.Now(), &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return fetcher.Page{}, err
	}
	return result, nil
}

// buildCollector creates a fresh collector per request. Clones share the
// backend transport, so proxied requests must not start from a clone.
func (f *Fetcher) buildCollector(request fetcher.Request) (*colly.Collector, error) {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(f.cfg.MaxBodySize),
	)
	if request.Proxy == "" {
		collector.WithTransport(f.transport)
	} else if err := collector.SetProxy(request.Proxy); err != nil {
		return nil, fmt.Errorf("set proxy %q: %w", request.Proxy, err)
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	} else {
		extensions.RandomUserAgent(collector)
	}
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request fetcher.Request,
	start time.Time,
	result *fetcher.Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		setBrowserHeaders(r.Headers)
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponseHeaders(func(r *colly.Response) {
		if needsUTF8(r.Headers.Get("Content-Type")) {
			r.Request.ResponseCharacterEncoding = "utf-8"
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = fetcher.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// needsUTF8 reports whether the declared charset is missing or one that sites
// commonly mislabel UTF-8 content with.
func needsUTF8(contentType string) bool {
	lower := strings.ToLower(contentType)
	idx := strings.Index(lower, "charset=")
	if idx < 0 {
		return true
	}
	cs := strings.Trim(strings.TrimSpace(strings.SplitN(lower[idx+len("charset="):], ";", 2)[0]), `"'`)
	switch cs {
	case "", "iso-8859-1", "latin1", "windows-1252", "us-ascii", "ascii":
		return true
	default:
		return false
	}
}

var browserHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.9",
	"Cache-Control":             "no-cache",
	"Upgrade-Insecure-Requests": "1",
}

func setBrowserHeaders(h *http.Header) {
	if h == nil {
		return
	}
	for key, value := range browserHeaders {
		h.Set(key, value)
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
