// Package cascade extracts readable text from a URL by trying progressively
// heavier strategies: a direct request, the same request through a relay, and
// finally a headless browser render.
package cascade

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/extract"
	"github.com/JakeFAU/newsdesk/internal/fetcher"
	"github.com/JakeFAU/newsdesk/internal/metrics"
	"github.com/JakeFAU/newsdesk/internal/proxypool"
)

// Stage names used in logs and metrics.
const (
	StageDiscussion = "discussion"
	StageDirect     = "direct"
	StageProxied    = "proxied"
	StageHeadless   = "headless"
)

const (
	outcomeSkipped = "skipped"
	outcomeError   = "error"
)

// ProxySource hands out relay endpoints and accepts failure reports.
type ProxySource interface {
	Next() (proxypool.Endpoint, bool)
	MarkBad(proxypool.Endpoint)
}

// Waiter throttles requests per host.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// StageFunc is one extraction strategy. It reports false when it produced
// no acceptable text.
type StageFunc func(ctx context.Context, url string) (string, bool)

// Stage couples a strategy with its own time budget.
type Stage struct {
	Name    string
	Timeout time.Duration
	Run     StageFunc
}

// Config controls stage budgets and the discussion shortcut.
type Config struct {
	DirectTimeout   time.Duration
	ProxiedTimeout  time.Duration
	HeadlessTimeout time.Duration
	// HNItemBaseURL is the Hacker News item API root.
	HNItemBaseURL string
	// MaxComments caps top-level comments appended to discussion threads.
	MaxComments int
	Logger      *zap.Logger
}

// Extractor runs the stage chain. It never returns an error: failure is
// reported as ("", false).
type Extractor struct {
	cfg        Config
	direct     fetcher.Fetcher
	renderer   fetcher.Fetcher
	proxies    ProxySource
	limiter    Waiter
	discussion *discussion
	logger     *zap.Logger
	stages     []Stage
}

// New wires an Extractor. renderer, proxies and limiter may be nil, in which
// case the corresponding stage is skipped or unthrottled.
func New(cfg Config, direct, renderer fetcher.Fetcher, proxies ProxySource, limiter Waiter) *Extractor {
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = 15 * time.Second
	}
	if cfg.ProxiedTimeout <= 0 {
		cfg.ProxiedTimeout = 20 * time.Second
	}
	if cfg.HeadlessTimeout <= 0 {
		cfg.HeadlessTimeout = 45 * time.Second
	}
	if cfg.HNItemBaseURL == "" {
		cfg.HNItemBaseURL = defaultHNItemBaseURL
	}
	if cfg.MaxComments <= 0 {
		cfg.MaxComments = defaultMaxComments
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Extractor{
		cfg:      cfg,
		direct:   direct,
		renderer: renderer,
		proxies:  proxies,
		limiter:  limiter,
		logger:   logger.Named("cascade"),
	}
	if direct != nil {
		e.discussion = &discussion{client: direct, hnBaseURL: cfg.HNItemBaseURL, maxComments: cfg.MaxComments}
	}
	e.stages = []Stage{
		{Name: StageDirect, Timeout: cfg.DirectTimeout, Run: e.directStage},
		{Name: StageProxied, Timeout: cfg.ProxiedTimeout, Run: e.proxiedStage},
		{Name: StageHeadless, Timeout: cfg.HeadlessTimeout, Run: e.headlessStage},
	}
	return e
}

// Extract returns readable text for url, trying the discussion shortcut and
// then each stage in order until one succeeds.
func (e *Extractor) Extract(ctx context.Context, url string) (string, bool) {
	start := time.Now()
	lookupCtx, cancel := context.WithTimeout(ctx, e.cfg.DirectTimeout)
	text, ok := e.discussion.lookup(lookupCtx, url)
	cancel()
	if ok {
		e.observe(StageDiscussion, extract.ReasonOK, start)
		return text, true
	}
	for _, stage := range e.stages {
		if ctx.Err() != nil {
			return "", false
		}
		stageCtx, cancel := context.WithTimeout(ctx, stage.Timeout)
		text, ok := stage.Run(stageCtx, url)
		cancel()
		if ok {
			e.logger.Debug("extraction succeeded",
				zap.String("url", url),
				zap.String("stage", stage.Name),
				zap.Int("chars", len(text)),
			)
			return text, true
		}
	}
	e.logger.Info("all extraction stages failed", zap.String("url", url))
	return "", false
}

// Render fetches url through the headless stage's renderer and returns the
// rendered markup, using a relay when one is available.
func (e *Extractor) Render(ctx context.Context, url string) (fetcher.Page, error) {
	if e.renderer == nil {
		return fetcher.Page{}, fetcher.ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HeadlessTimeout)
	defer cancel()
	ep, hasProxy := e.nextProxy()
	page, err := e.renderer.Fetch(ctx, fetcher.Request{URL: url, Proxy: proxyURL(ep, hasProxy)})
	if hasProxy && (err != nil || extract.IsBlockedHTML(page.Body)) {
		e.proxies.MarkBad(ep)
	}
	return page, err
}

func (e *Extractor) directStage(ctx context.Context, url string) (string, bool) {
	if e.direct == nil {
		e.observe(StageDirect, outcomeSkipped, time.Now())
		return "", false
	}
	start := time.Now()
	if err := e.wait(ctx, url); err != nil {
		e.observe(StageDirect, outcomeError, start)
		return "", false
	}
	page, err := e.direct.Fetch(ctx, fetcher.Request{URL: url})
	text, reason := e.evaluate(StageDirect, url, page, err, start)
	if reason != extract.ReasonOK {
		return "", false
	}
	return text, true
}

func (e *Extractor) proxiedStage(ctx context.Context, url string) (string, bool) {
	start := time.Now()
	ep, ok := e.nextProxy()
	if e.direct == nil || !ok {
		e.observe(StageProxied, outcomeSkipped, start)
		return "", false
	}
	if err := e.wait(ctx, url); err != nil {
		e.observe(StageProxied, outcomeError, start)
		return "", false
	}
	page, err := e.direct.Fetch(ctx, fetcher.Request{URL: url, Proxy: ep.URL()})
	text, reason := e.evaluate(StageProxied, url, page, err, start)
	if reason != extract.ReasonOK {
		e.proxies.MarkBad(ep)
		return "", false
	}
	return text, true
}

func (e *Extractor) headlessStage(ctx context.Context, url string) (string, bool) {
	start := time.Now()
	if e.renderer == nil {
		e.observe(StageHeadless, outcomeSkipped, start)
		return "", false
	}
	if err := e.wait(ctx, url); err != nil {
		e.observe(StageHeadless, outcomeError, start)
		return "", false
	}
	ep, hasProxy := e.nextProxy()
	page, err := e.renderer.Fetch(ctx, fetcher.Request{URL: url, Proxy: proxyURL(ep, hasProxy)})
	text, reason := e.evaluate(StageHeadless, url, page, err, start)
	if hasProxy && (reason == outcomeError || reason == extract.ReasonBlocked) {
		e.proxies.MarkBad(ep)
	}
	if reason != extract.ReasonOK {
		return "", false
	}
	return text, true
}

// evaluate extracts text from a fetched page, records the stage outcome and
// returns it. Only extract.ReasonOK means the text is usable.
func (e *Extractor) evaluate(stage, url string, page fetcher.Page, err error, start time.Time) (string, string) {
	if err == nil && page.StatusCode >= http.StatusBadRequest {
		err = fmt.Errorf("unexpected status %d", page.StatusCode)
	}
	if err != nil {
		e.observe(stage, outcomeError, start)
		e.logger.Debug("extraction stage failed",
			zap.String("url", url),
			zap.String("stage", stage),
			zap.Error(err),
		)
		return "", outcomeError
	}
	text := extract.Text(page.Body)
	reason := extract.Diagnose(page.Body, text)
	e.observe(stage, reason, start)
	if reason != extract.ReasonOK {
		e.logger.Debug("extraction stage rejected content",
			zap.String("url", url),
			zap.String("stage", stage),
			zap.String("reason", reason),
			zap.Int("chars", len(text)),
		)
	}
	return text, reason
}

func (e *Extractor) observe(stage, outcome string, start time.Time) {
	metrics.ObserveCascadeStage(stage, outcome, time.Since(start))
}

func (e *Extractor) nextProxy() (proxypool.Endpoint, bool) {
	if e.proxies == nil {
		return proxypool.Endpoint{}, false
	}
	return e.proxies.Next()
}

func (e *Extractor) wait(ctx context.Context, url string) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx, url)
}

func proxyURL(ep proxypool.Endpoint, ok bool) string {
	if !ok {
		return ""
	}
	return ep.URL()
}
