package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsdesk/internal/config"
	"github.com/JakeFAU/newsdesk/internal/ingest"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Wire</title>
<item><title>Regulators publish AI rules</title><link>%[1]s/a</link><description>Draft rules for model audits.</description></item>
<item><title>Chipmaker opens fab</title><link>%[1]s/b</link><description>New capacity comes online.</description></item>
</channel></rss>`

func newFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = fmt.Fprintf(w, feedXML, srv.URL)
	})
	mux.HandleFunc("/article", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		body := strings.Repeat("Regulators released a long draft describing audit duties for model providers. ", 10)
		_, _ = fmt.Fprintf(w, "<html><body><nav>Home</nav><article><p>%s</p></article></body></html>", body)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, feedURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Scheduler.Enabled = false
	cfg.Cascade.FullText = false
	cfg.Logging.Level = "error"
	cfg.Sources = []config.SourceConfig{{Source: ingest.Source{
		ID:     "wire",
		Name:   "Wire",
		URL:    feedURL,
		Method: ingest.MethodFeed,
	}}}
	return cfg
}

func TestBuildInMemoryAndRunOnce(t *testing.T) {
	fixtures := newFixtureServer(t)
	ctx := context.Background()

	app, err := Build(ctx, testConfig(t, fixtures.URL+"/feed.xml"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	require.Nil(t, app.database)
	require.Nil(t, app.scheduler)

	count, err := app.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	report, err := app.health.Report(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Healthy)

	// the source is not due again until its interval passes
	count, err = app.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestExtractUsesDirectStage(t *testing.T) {
	fixtures := newFixtureServer(t)
	ctx := context.Background()

	app, err := Build(ctx, testConfig(t, fixtures.URL+"/feed.xml"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	text, ok := app.Extract(ctx, fixtures.URL+"/article")
	require.True(t, ok)
	require.Contains(t, text, "audit duties")
	require.NotContains(t, text, "Home")
}

func TestBuildRejectsMissingLocalDir(t *testing.T) {
	cfg := testConfig(t, "https://example.com/feed.xml")
	cfg.Storage.Backend = config.StorageLocal
	cfg.Storage.LocalDir = ""

	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "local blob store init failed")
}
