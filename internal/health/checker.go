// Package health tracks whether each proxy target is accepting connections.
package health

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rathix/devproxy/internal/proxy"
)

// Status of a backend.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusUp      Status = "up"
	StatusDown    Status = "down"
)

// Dialer abstracts net.Dialer for testability.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TableSource returns the active rule table.
type TableSource interface {
	Table() *proxy.Table
}

// Backend is the last observed state of one rule's target.
type Backend struct {
	Prefix      string     `json:"prefix"`
	Target      string     `json:"target"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	LastChecked *time.Time `json:"lastChecked,omitempty"`
}

// Checker periodically dials every proxy target. A refused connection means
// the backend is not running; HTTP-level health is the backend's business.
type Checker struct {
	source   TableSource
	dialer   Dialer
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	backends map[string]Backend
}

// NewChecker creates a checker. If logger is nil, a no-op logger is used.
func NewChecker(source TableSource, dialer Dialer, interval time.Duration, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Checker{
		source:   source,
		dialer:   dialer,
		interval: interval,
		timeout:  2 * time.Second,
		logger:   logger,
		backends: make(map[string]Backend),
	}
}

// Run checks immediately, then at every interval, until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.CheckAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes every rule in the current table concurrently. Results for
// prefixes no longer in the table are dropped.
func (c *Checker) CheckAll(ctx context.Context) {
	rules := c.source.Table().Rules()

	results := make([]Backend, len(rules))
	var wg sync.WaitGroup
	for i, rule := range rules {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.probe(ctx, rule)
		}()
	}
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]Backend, len(results))
	for _, res := range results {
		prev, seen := c.backends[res.Prefix]
		if !seen || prev.Status != res.Status || prev.Target != res.Target {
			c.logTransition(prev, res)
		}
		next[res.Prefix] = res
	}
	c.backends = next
}

func (c *Checker) logTransition(prev, cur Backend) {
	from := prev.Status
	if from == "" {
		from = StatusUnknown
	}
	args := []any{
		"prefix", cur.Prefix,
		"target", cur.Target,
		"from", string(from),
		"to", string(cur.Status),
	}
	if cur.Status == StatusDown {
		c.logger.Warn("backend unreachable", append(args, "error", cur.Error)...)
		return
	}
	c.logger.Info("backend reachable", args...)
}

func (c *Checker) probe(ctx context.Context, rule *proxy.Rule) Backend {
	now := time.Now()
	b := Backend{
		Prefix:      rule.Prefix,
		Target:      rule.Target.String(),
		LastChecked: &now,
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", hostPort(rule.Target))
	if err != nil {
		b.Status = StatusDown
		b.Error = err.Error()
		return b
	}
	conn.Close()
	b.Status = StatusUp
	return b
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// Snapshot returns the last results sorted by prefix.
func (c *Checker) Snapshot() []Backend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Backend, 0, len(c.backends))
	for _, b := range c.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}
