// Package proxypool maintains a rotating set of relay endpoints with a
// block-list of endpoints that recently failed.
package proxypool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/metrics"
)

// ErrEmptyList is returned by Refresh when the published list parsed to zero endpoints.
var ErrEmptyList = errors.New("proxy list contained no usable endpoints")

const (
	defaultRefreshInterval = 10 * time.Minute
	defaultInitialDelay    = time.Second
	defaultFetchTimeout    = 30 * time.Second
	maxListBytes           = 4 << 20
	maxLineBytes           = 4 << 10
)

// Endpoint is a single relay host.
type Endpoint struct {
	Host string
	Port int
}

// Key returns the host:port identity used by the block-list.
func (e Endpoint) Key() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL renders the endpoint as an http proxy URL.
func (e Endpoint) URL() string {
	return "http://" + e.Key()
}

// Config controls the refresh behavior of a Pool.
type Config struct {
	ListURL         string
	RefreshInterval time.Duration
	InitialDelay    time.Duration
	FetchTimeout    time.Duration
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

// Pool hands out endpoints uniformly at random from active minus blocked.
// All state is guarded by mu; refresh swaps the active slice and resets the
// block-list in one critical section.
type Pool struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu      sync.RWMutex
	active  []Endpoint
	blocked map[string]struct{}
}

// New constructs an empty Pool.
func New(cfg Config) *Pool {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		blocked: make(map[string]struct{}),
	}
}

// Next returns a random usable endpoint, or false when none is available.
func (p *Pool) Next() (Endpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	usable := make([]Endpoint, 0, len(p.active))
	for _, ep := range p.active {
		if _, bad := p.blocked[ep.Key()]; !bad {
			usable = append(usable, ep)
		}
	}
	if len(usable) == 0 {
		return Endpoint{}, false
	}
	return usable[rand.IntN(len(usable))], true
}

// MarkBad blocks an endpoint until the next refresh.
func (p *Pool) MarkBad(ep Endpoint) {
	p.mu.Lock()
	p.blocked[ep.Key()] = struct{}{}
	p.mu.Unlock()
	metrics.ObserveProxyMarkedBad()
	p.logger.Debug("proxy marked bad", zap.String("proxy", ep.Key()))
}

// HasAny reports whether at least one unblocked endpoint exists.
func (p *Pool) HasAny() bool {
	_, ok := p.Next()
	return ok
}

// ActiveCount returns the number of endpoints from the last refresh.
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}

// Replace swaps the active set and clears the block-list.
func (p *Pool) Replace(endpoints []Endpoint) {
	next := append([]Endpoint(nil), endpoints...)
	p.mu.Lock()
	p.active = next
	p.blocked = make(map[string]struct{})
	p.mu.Unlock()
	metrics.SetProxyPoolSize(len(next))
}

// Refresh downloads the published list and replaces the pool. On error the
// previous pool is left in place.
func (p *Pool) Refresh(ctx context.Context) error {
	if p.cfg.ListURL == "" {
		return fmt.Errorf("proxy list url is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.ListURL, nil)
	if err != nil {
		return fmt.Errorf("build proxy list request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch proxy list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch proxy list: unexpected status %d", resp.StatusCode)
	}

	endpoints, skipped, err := ParseList(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		return ErrEmptyList
	}
	p.Replace(endpoints)
	p.logger.Info("proxy pool refreshed",
		zap.Int("active", len(endpoints)),
		zap.Int("skipped_lines", skipped),
	)
	return nil
}

// Run refreshes shortly after start and then on every interval until ctx ends.
func (p *Pool) Run(ctx context.Context) {
	timer := time.NewTimer(p.cfg.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("proxy pool refresh failed; keeping previous pool",
					zap.Int("active", p.ActiveCount()),
					zap.Error(err),
				)
			}
			timer.Reset(p.cfg.RefreshInterval)
		}
	}
}

// ParseList reads one [scheme://]host:port per line. Malformed lines, and
// lines longer than maxLineBytes, are skipped and counted; duplicates are
// dropped. Only a failing reader is an error.
func ParseList(r io.Reader) ([]Endpoint, int, error) {
	var (
		out     []Endpoint
		skipped int
		seen    = make(map[string]struct{})
	)
	reader := bufio.NewReaderSize(r, maxLineBytes)
	for {
		raw, isPrefix, err := reader.ReadLine()
		if isPrefix {
			for isPrefix && err == nil {
				_, isPrefix, err = reader.ReadLine()
			}
			skipped++
		} else if err == nil {
			line := strings.TrimSpace(string(raw))
			if line != "" && !strings.HasPrefix(line, "#") {
				if ep, ok := parseLine(line); !ok {
					skipped++
				} else if _, dup := seen[ep.Key()]; !dup {
					seen[ep.Key()] = struct{}{}
					out = append(out, ep)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return out, skipped, nil
		}
		if err != nil {
			return out, skipped, fmt.Errorf("read proxy list: %w", err)
		}
	}
}

func parseLine(line string) (Endpoint, bool) {
	if idx := strings.Index(line, "://"); idx >= 0 {
		line = line[idx+3:]
	}
	line = strings.TrimSuffix(line, "/")
	host, portText, err := net.SplitHostPort(line)
	if err != nil || host == "" {
		return Endpoint{}, false
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, false
	}
	return Endpoint{Host: host, Port: port}, true
}
