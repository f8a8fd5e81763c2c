package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/newsdesk/internal/extract"
	"github.com/JakeFAU/newsdesk/internal/fetcher"
)

const (
	defaultHNItemBaseURL = "https://hacker-news.firebaseio.com/v0/item"
	defaultMaxComments   = 5
)

var jsonHeaders = http.Header{"Accept": {"application/json"}}

// discussion resolves discussion-thread URLs through their JSON endpoints
// instead of scraping the HTML.
type discussion struct {
	client      fetcher.Fetcher
	hnBaseURL   string
	maxComments int
}

type hnItem struct {
	ID      int64   `json:"id"`
	Type    string  `json:"type"`
	Title   string  `json:"title"`
	Text    string  `json:"text"`
	Deleted bool    `json:"deleted"`
	Dead    bool    `json:"dead"`
	Kids    []int64 `json:"kids"`
}

type redditListing struct {
	Data struct {
		Children []struct {
			Kind string `json:"kind"`
			Data struct {
				Title    string `json:"title"`
				Selftext string `json:"selftext"`
				Body     string `json:"body"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// hnItemID returns the item id for news.ycombinator.com/item?id=N links.
func hnItemID(u *url.URL) (int64, bool) {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host != "news.ycombinator.com" || u.Path != "/item" {
		return 0, false
	}
	id, err := strconv.ParseInt(u.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// redditJSONURL returns the .json endpoint for reddit comment threads.
func redditJSONURL(u *url.URL) (string, bool) {
	host := strings.ToLower(u.Hostname())
	if host != "reddit.com" && !strings.HasSuffix(host, ".reddit.com") {
		return "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "r" || parts[2] != "comments" {
		return "", false
	}
	out := *u
	out.Host = "www.reddit.com"
	out.RawQuery = ""
	out.Fragment = ""
	out.Path = "/" + strings.TrimSuffix(strings.Join(parts, "/"), ".json") + ".json"
	return out.String(), true
}

// lookup returns thread text for supported discussion URLs. The bool is false
// for unsupported URLs and for threads that yield no text.
func (d *discussion) lookup(ctx context.Context, rawURL string) (string, bool) {
	if d == nil || d.client == nil {
		return "", false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	if id, ok := hnItemID(u); ok {
		text, err := d.hackerNews(ctx, id)
		return text, err == nil && text != ""
	}
	if endpoint, ok := redditJSONURL(u); ok {
		text, err := d.reddit(ctx, endpoint)
		return text, err == nil && text != ""
	}
	return "", false
}

func (d *discussion) getJSON(ctx context.Context, endpoint string, out any) error {
	page, err := d.client.Fetch(ctx, fetcher.Request{URL: endpoint, Headers: jsonHeaders})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(page.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func (d *discussion) hnItem(ctx context.Context, id int64) (hnItem, error) {
	var item hnItem
	err := d.getJSON(ctx, fmt.Sprintf("%s/%d.json", strings.TrimSuffix(d.hnBaseURL, "/"), id), &item)
	return item, err
}

func (d *discussion) hackerNews(ctx context.Context, id int64) (string, error) {
	story, err := d.hnItem(ctx, id)
	if err != nil {
		return "", err
	}
	parts := []string{strings.TrimSpace(story.Title), fragmentText(story.Text)}
	taken := 0
	for _, kid := range story.Kids {
		if taken >= d.maxComments {
			break
		}
		comment, err := d.hnItem(ctx, kid)
		if err != nil || comment.Deleted || comment.Dead {
			continue
		}
		if text := fragmentText(comment.Text); text != "" {
			parts = append(parts, text)
			taken++
		}
	}
	return joinNonEmpty(parts), nil
}

func (d *discussion) reddit(ctx context.Context, endpoint string) (string, error) {
	var listings []redditListing
	if err := d.getJSON(ctx, endpoint, &listings); err != nil {
		return "", err
	}
	if len(listings) == 0 || len(listings[0].Data.Children) == 0 {
		return "", fmt.Errorf("reddit thread %s: no post", endpoint)
	}
	post := listings[0].Data.Children[0].Data
	parts := []string{strings.TrimSpace(post.Title), extract.Clean(post.Selftext)}
	if len(listings) > 1 {
		taken := 0
		for _, child := range listings[1].Data.Children {
			if taken >= d.maxComments {
				break
			}
			if child.Kind != "t1" {
				continue
			}
			if body := extract.Clean(child.Data.Body); body != "" && body != "[deleted]" && body != "[removed]" {
				parts = append(parts, body)
				taken++
			}
		}
	}
	return joinNonEmpty(parts), nil
}

// fragmentText converts an HTML fragment such as an HN comment to text.
func fragmentText(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	return extract.Text([]byte("<html><body>" + fragment + "</body></html>"))
}

func joinNonEmpty(parts []string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
