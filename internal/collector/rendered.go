package collector

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/newsdesk/internal/fetcher"
	"github.com/JakeFAU/newsdesk/internal/ingest"
)

// DefaultLinkSelector finds headline links on pages without a configured selector.
const DefaultLinkSelector = "article a[href], h2 a[href], h3 a[href]"

// RenderedCollector renders a listing page in a headless browser and pulls
// headline links out of it.
type RenderedCollector struct {
	renderer Renderer
	limiter  Waiter
	clock    ingest.Clock
}

// Collect renders source.URL and returns one record per matched link.
func (c *RenderedCollector) Collect(ctx context.Context, source ingest.Source) ([]ingest.Record, error) {
	if c.renderer == nil {
		return nil, fmt.Errorf("render %s: %w", source.URL, fetcher.ErrNotConfigured)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, source.URL); err != nil {
			return nil, err
		}
	}
	page, err := c.renderer.Render(ctx, source.URL)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", source.URL, err)
	}
	baseURL := page.URL
	if baseURL == "" {
		baseURL = source.URL
	}
	links, err := ExtractLinks(page.Body, baseURL, source.Selector, maxItems(source))
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	records := make([]ingest.Record, 0, len(links))
	for _, l := range links {
		rec := newRecord(source, l.URL, l.Title)
		rec.PublishedAt = now
		records = append(records, rec)
	}
	return records, nil
}

// Link is a headline extracted from a listing page.
type Link struct {
	Title string
	URL   string
}

// ExtractLinks applies selector (or DefaultLinkSelector) to markup. A
// configured selector that matches no usable link falls back to
// DefaultLinkSelector, since listing markup drifts. Matched elements that are
// not anchors contribute their first descendant link. Relative links resolve
// against baseURL; non-http links and repeats are dropped.
func ExtractLinks(markup []byte, baseURL, selector string, limit int) ([]Link, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse rendered page: %w", err)
	}
	selector = strings.TrimSpace(selector)
	if selector != "" && selector != DefaultLinkSelector {
		if links := findLinks(doc, base, selector, limit); len(links) > 0 {
			return links, nil
		}
	}
	return findLinks(doc, base, DefaultLinkSelector, limit), nil
}

func findLinks(doc *goquery.Document, base *url.URL, selector string, limit int) []Link {
	var (
		links []Link
		seen  = make(map[string]struct{})
	)
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		anchor := s
		if goquery.NodeName(s) != "a" {
			anchor = s.Find("a[href]").First()
		}
		href, ok := anchor.Attr("href")
		if !ok {
			return true
		}
		resolved, ok := resolveLink(base, href)
		if !ok {
			return true
		}
		if _, dup := seen[resolved]; dup {
			return true
		}
		title := strings.Join(strings.Fields(anchor.Text()), " ")
		if title == "" {
			title = strings.TrimSpace(anchor.AttrOr("title", ""))
		}
		if title == "" {
			return true
		}
		seen[resolved] = struct{}{}
		links = append(links, Link{Title: title, URL: resolved})
		return limit <= 0 || len(links) < limit
	})
	return links
}

func resolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}
