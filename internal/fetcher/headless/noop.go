package headless

import (
	"context"

	"github.com/JakeFAU/newsdesk/internal/fetcher"
)

// Noop stands in for the renderer when headless rendering is disabled.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with fetcher.ErrNotConfigured.
func (Noop) Fetch(_ context.Context, _ fetcher.Request) (fetcher.Page, error) {
	return fetcher.Page{}, fetcher.ErrNotConfigured
}
