package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/rathix/devproxy/internal/metrics"
)

type ruleKey struct{}

// Handler forwards requests matching a rule and hands everything else to
// the fallback handler.
type Handler struct {
	table    atomic.Pointer[Table]
	fallback http.Handler
	logger   *slog.Logger
	metrics  *metrics.Metrics
	rp       *httputil.ReverseProxy
}

// Option configures a Handler.
type Option func(*Handler)

// WithTransport sets the transport used to reach backends.
func WithTransport(rt http.RoundTripper) Option {
	return func(h *Handler) {
		h.rp.Transport = rt
	}
}

// WithMetrics records per-rule request counts and latencies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// NewHandler creates a forwarding handler over table. A nil fallback
// answers unmatched requests with 404.
func NewHandler(table *Table, fallback http.Handler, logger *slog.Logger, opts ...Option) *Handler {
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	h := &Handler{
		fallback: fallback,
		logger:   logger,
	}
	h.rp = &httputil.ReverseProxy{
		Rewrite:       h.rewrite,
		ErrorHandler:  h.upstreamError,
		FlushInterval: -1,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.Swap(table)
	return h
}

// Swap atomically replaces the rule table. In-flight requests finish
// against the table they matched.
func (h *Handler) Swap(table *Table) {
	if table == nil {
		table = &Table{}
	}
	h.table.Store(table)
	h.metrics.SetRules(table.Len())
}

// Table returns the active rule table.
func (h *Handler) Table() *Table {
	return h.table.Load()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.table.Load().Match(r.URL.Path)
	if !ok {
		h.fallback.ServeHTTP(w, r)
		return
	}

	if isWebSocketUpgrade(r) && !rule.WS {
		h.logger.Warn("websocket upgrade refused, rule has ws disabled", "prefix", rule.Prefix, "path", r.URL.Path)
		http.Error(w, "websocket proxying is disabled for "+rule.Prefix, http.StatusBadRequest)
		return
	}

	start := time.Now()
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	ctx := context.WithValue(r.Context(), ruleKey{}, rule)
	h.rp.ServeHTTP(ww, r.WithContext(ctx))

	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	h.metrics.ObserveRequest(rule.Prefix, status, time.Since(start))
	h.logger.Debug("proxied request",
		"prefix", rule.Prefix,
		"method", r.Method,
		"path", r.URL.Path,
		"target", rule.Target.String(),
		"status", status,
	)
}

func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	rule := pr.In.Context().Value(ruleKey{}).(*Rule)

	// Out.URL starts as a copy of In.URL, so without rewrites both the
	// decoded and the escaped path (e.g. an encoded %2F) pass through as is.
	if len(rule.Rewrites) > 0 {
		escaped := rule.ForwardPath(pr.In.URL.EscapedPath())
		decoded, err := url.PathUnescape(escaped)
		if err != nil {
			decoded = escaped
		}
		pr.Out.URL.Path = decoded
		pr.Out.URL.RawPath = escaped
	}
	pr.SetURL(rule.Target)
	pr.SetXForwarded()

	// SetURL clears Host so the target's host is sent; keep the
	// client-facing host unless the rule asks to change origin.
	if !rule.ChangeOrigin {
		pr.Out.Host = pr.In.Host
	}
}

func (h *Handler) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	rule, _ := r.Context().Value(ruleKey{}).(*Rule)
	prefix, target := "", ""
	if rule != nil {
		prefix, target = rule.Prefix, rule.Target.String()
	}
	if r.Context().Err() != nil {
		// Client went away; nothing useful to write.
		h.logger.Debug("proxy request cancelled", "prefix", prefix, "path", r.URL.Path)
		return
	}
	h.metrics.ObserveUpstreamError(prefix)
	h.logger.Warn("proxy error: could not reach backend",
		"prefix", prefix,
		"path", r.URL.Path,
		"target", target,
		"error", err,
	)
	http.Error(w, "proxy error: could not proxy request "+r.URL.Path+" to "+target, http.StatusBadGateway)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
