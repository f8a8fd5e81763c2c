package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

const (
	defaultHackerNewsBaseURL = "https://hacker-news.firebaseio.com/v0"
	hackerNewsItemURL        = "https://news.ycombinator.com/item?id=%d"
)

type hackerNewsClient struct {
	http   *httpClient
	clock  ingest.Clock
	logger *zap.Logger
}

type hackerNewsItem struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"`
	By      string `json:"by"`
	Time    int64  `json:"time"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Text    string `json:"text"`
	Score   int    `json:"score"`
	Deleted bool   `json:"deleted"`
	Dead    bool   `json:"dead"`
}

// collect reads the top stories list and fetches each item. Items that fail
// to load are skipped.
func (c *hackerNewsClient) collect(ctx context.Context, source ingest.Source) ([]ingest.Record, error) {
	base := strings.TrimSuffix(source.URL, "/")
	if base == "" {
		base = defaultHackerNewsBaseURL
	}
	var ids []int64
	if err := c.http.getJSON(ctx, base+"/topstories.json", nil, &ids); err != nil {
		return nil, fmt.Errorf("hackernews top stories: %w", err)
	}
	limit := maxItems(source)
	if len(ids) > limit {
		ids = ids[:limit]
	}

	records := make([]ingest.Record, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			return records, fmt.Errorf("hackernews items: %w", ctx.Err())
		}
		var item hackerNewsItem
		if err := c.http.getJSON(ctx, fmt.Sprintf("%s/item/%d.json", base, id), nil, &item); err != nil {
			c.logger.Debug("skipping hackernews item", zap.Int64("item_id", id), zap.Error(err))
			continue
		}
		if item.Deleted || item.Dead || strings.TrimSpace(item.Title) == "" {
			continue
		}
		records = append(records, c.toRecord(source, item))
	}
	return records, nil
}

func (c *hackerNewsClient) toRecord(source ingest.Source, item hackerNewsItem) ingest.Record {
	link := strings.TrimSpace(item.URL)
	if link == "" {
		link = fmt.Sprintf(hackerNewsItemURL, item.ID)
	}
	rec := newRecord(source, link, strings.TrimSpace(item.Title))
	rec.Body = item.Text
	rec.Author = item.By
	if item.Time > 0 {
		rec.PublishedAt = time.Unix(item.Time, 0).UTC()
	} else {
		rec.PublishedAt = c.clock.Now()
	}
	if item.Type != "" && item.Type != "story" {
		rec.Tags = []string{item.Type}
	}
	return rec
}
