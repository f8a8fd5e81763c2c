package collector

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

var feedHeaders = http.Header{
	"Accept": {"application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8"},
}

// FeedCollector parses RSS, Atom and JSON feeds.
type FeedCollector struct {
	http  *httpClient
	clock ingest.Clock
}

// Collect fetches and parses the feed at source.URL.
func (c *FeedCollector) Collect(ctx context.Context, source ingest.Source) ([]ingest.Record, error) {
	body, err := c.http.get(ctx, source.URL, feedHeaders)
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", source.URL, err)
	}

	limit := maxItems(source)
	records := make([]ingest.Record, 0, min(limit, len(feed.Items)))
	for _, item := range feed.Items {
		if len(records) >= limit {
			break
		}
		if item == nil || strings.TrimSpace(item.Link) == "" {
			continue
		}
		records = append(records, c.toRecord(source, item))
	}
	return records, nil
}

func (c *FeedCollector) toRecord(source ingest.Source, item *gofeed.Item) ingest.Record {
	rec := newRecord(source, strings.TrimSpace(item.Link), strings.TrimSpace(item.Title))
	rec.Body = item.Description
	if rec.Body == "" {
		rec.Body = item.Content
	}
	switch {
	case item.PublishedParsed != nil:
		rec.PublishedAt = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		rec.PublishedAt = item.UpdatedParsed.UTC()
	default:
		rec.PublishedAt = c.clock.Now()
	}
	if item.Image != nil {
		rec.ImageURL = item.Image.URL
	} else {
		for _, enc := range item.Enclosures {
			if enc != nil && strings.HasPrefix(enc.Type, "image/") {
				rec.ImageURL = enc.URL
				break
			}
		}
	}
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		rec.Author = item.Authors[0].Name
	}
	for _, cat := range item.Categories {
		if cat = strings.TrimSpace(cat); cat != "" {
			rec.Tags = append(rec.Tags, cat)
		}
	}
	return rec
}
