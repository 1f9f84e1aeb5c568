package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rathix/devproxy/internal/config"
	"github.com/rathix/devproxy/internal/health"
	"github.com/rathix/devproxy/internal/metrics"
	"github.com/rathix/devproxy/internal/proxy"
)

func startLocalHTTPServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping network-bound test: cannot bind loopback socket: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func newDevServer(t *testing.T, backendURL string, m *metrics.Metrics) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	table, err := proxy.NewTable(map[string]config.ProxyRule{
		"/api": {Target: backendURL, ChangeOrigin: true},
	})
	require.NoError(t, err)

	static := NewStaticHandler(fstest.MapFS{
		"index.html":      {Data: []byte("index")},
		"static/logo.png": {Data: []byte("logo")},
	})
	return New(Options{
		Addr:           "127.0.0.1:0",
		Proxy:          proxy.NewHandler(table, static, logger, proxy.WithMetrics(m)),
		MetricsPath:    config.DefaultMetricsPath,
		MetricsHandler: m.Handler(),
		Logger:         logger,
	})
}

func get(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServerRoutesAPIToBackend(t *testing.T) {
	backend := startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Method + " " + r.URL.Path))
	}))
	s := newDevServer(t, backend.URL, metrics.New())

	rec := get(t, s.Handler(), http.MethodGet, "/api/users")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GET /api/users", rec.Body.String())

	rec = get(t, s.Handler(), http.MethodPost, "/api/users")
	assert.Equal(t, "POST /api/users", rec.Body.String())
}

func TestServerServesStaticForUnmatched(t *testing.T) {
	s := newDevServer(t, "http://127.0.0.1:1", metrics.New())

	rec := get(t, s.Handler(), http.MethodGet, "/static/logo.png")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "logo", rec.Body.String())

	rec = get(t, s.Handler(), http.MethodGet, "/items/3")
	assert.Equal(t, "index", rec.Body.String())
}

func TestServerHealth(t *testing.T) {
	s := newDevServer(t, "http://127.0.0.1:1", metrics.New())

	rec := get(t, s.Handler(), http.MethodGet, HealthPath)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServerMetricsEndpoint(t *testing.T) {
	s := newDevServer(t, "http://127.0.0.1:1", metrics.New())

	rec := get(t, s.Handler(), http.MethodGet, config.DefaultMetricsPath)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "devproxy_rules 1")
}

func TestServerRunShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping network-bound test: %v", err)
	}
	s := newDevServer(t, "http://127.0.0.1:1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + HealthPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

type fixedBackends []health.Backend

func (f fixedBackends) Snapshot() []health.Backend { return f }

func TestServerHealthIncludesBackends(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Options{
		Proxy:    http.NotFoundHandler(),
		Backends: fixedBackends{{Prefix: "/api", Target: "http://127.0.0.1:8000", Status: health.StatusDown, Error: "connection refused"}},
		Logger:   logger,
	})

	rec := get(t, s.Handler(), http.MethodGet, HealthPath)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","backends":[{"prefix":"/api","target":"http://127.0.0.1:8000","status":"down","error":"connection refused"}]}`, rec.Body.String())
}

func TestServerHealthHead(t *testing.T) {
	s := newDevServer(t, "http://127.0.0.1:1", metrics.New())

	rec := get(t, s.Handler(), http.MethodHead, HealthPath)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestServerForwardsWebSocketUpgrade(t *testing.T) {
	// Backend completes the upgrade, then echoes raw bytes on the hijacked
	// connection.
	backend := startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "websocket" {
			http.Error(w, "expected upgrade", http.StatusBadRequest)
			return
		}
		conn, brw, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("backend hijack: %v", err)
			return
		}
		defer conn.Close()
		brw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
		brw.Flush()
		io.Copy(conn, brw)
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	table, err := proxy.NewTable(map[string]config.ProxyRule{
		"/ws": {Target: backend.URL, ChangeOrigin: true, WS: true},
	})
	require.NoError(t, err)
	s := New(Options{
		Proxy:  proxy.NewHandler(table, http.NotFoundHandler(), logger),
		Logger: logger,
	})
	devServer := startLocalHTTPServer(t, s.Handler())

	conn, err := net.Dial("tcp", strings.TrimPrefix(devServer.URL, "http://"))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "GET /ws/live HTTP/1.1\r\nHost: localhost\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	_, err = io.WriteString(conn, "ping\n")
	require.NoError(t, err)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)
}
