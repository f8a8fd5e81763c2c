// Package fetcher defines the request and response types shared by the
// plain-HTTP and headless fetchers.
package fetcher

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrNotConfigured is returned by fetchers that are disabled in this build.
var ErrNotConfigured = errors.New("fetcher not configured")

// Request captures everything needed to fetch a URL.
type Request struct {
	URL     string
	Headers http.Header
	// Proxy is an http proxy URL; empty means a direct connection.
	Proxy string
}

// Page is the result of a fetch.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (Page, error)
}
