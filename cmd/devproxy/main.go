package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	appconfig "github.com/rathix/devproxy/internal/config"
	"github.com/rathix/devproxy/internal/health"
	"github.com/rathix/devproxy/internal/metrics"
	"github.com/rathix/devproxy/internal/proxy"
	"github.com/rathix/devproxy/internal/server"
)

const defaultAddr = ":8080"

// Version is injected at build time using ldflags.
var Version = "(unknown)"

// config holds the command-line configuration.
type config struct {
	ListenAddr  string
	ConfigFile  string
	StaticDir   string
	LogFormat   string
	LogLevel    string
	WatchConfig bool
	// BackendCheckInterval of zero disables target reachability probes.
	BackendCheckInterval time.Duration
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("devproxy version %s\n", Version)
			return
		}
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses flags and environment variables with precedence: Flag > Env > Default.
func loadConfig(args []string) (config, error) {
	flags := flag.NewFlagSet("devproxy", flag.ContinueOnError)

	cfg := config{}
	flags.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", defaultAddr), "listen address")
	flags.StringVar(&cfg.ConfigFile, "config", getEnv("CONFIG_FILE", ""), "path to YAML dev server config (built-in /api rule when empty)")
	flags.StringVar(&cfg.StaticDir, "static-dir", getEnv("STATIC_DIR", ""), "directory of built front-end assets (overrides devServer.staticDir)")
	flags.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format (json or text)")
	flags.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.WatchConfig, "watch", getEnvBool("WATCH_CONFIG", false), "reload the proxy table when the config file changes")
	flags.Bool("version", false, "print version and exit")

	checkIntervalStr := getEnv("BACKEND_CHECK_INTERVAL", "10s")
	flags.StringVar(&checkIntervalStr, "backend-check-interval", checkIntervalStr, "how often to probe proxy targets (0 disables)")

	if err := flags.Parse(args); err != nil {
		return config{}, err
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return config{}, fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", cfg.LogFormat)
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return config{}, err
	}
	interval, err := time.ParseDuration(checkIntervalStr)
	if err != nil {
		return config{}, fmt.Errorf("invalid backend check interval %q: %w", checkIntervalStr, err)
	}
	if interval != 0 && interval < time.Second {
		return config{}, fmt.Errorf("backend check interval must be 0 or at least 1s, got %q", checkIntervalStr)
	}
	cfg.BackendCheckInterval = interval

	if cfg.WatchConfig && cfg.ConfigFile == "" {
		return config{}, fmt.Errorf("-watch requires -config")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unsupported log level %q: %w", s, err)
	}
	return level, nil
}

func setupLogger(format, level string) *slog.Logger {
	return setupLoggerWithWriter(format, level, os.Stdout)
}

func setupLoggerWithWriter(format, level string, writer io.Writer) *slog.Logger {
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}
	return slog.New(handler)
}

// loadRuleConfig returns the built-in table when no file is given. A file
// that cannot be parsed is fatal at startup; validation warnings are not.
func loadRuleConfig(path string, logger *slog.Logger) (*appconfig.Config, error) {
	if path == "" {
		return appconfig.Default(), nil
	}
	appCfg, errs := appconfig.Load(path)
	for _, e := range errs {
		if appCfg == nil {
			return nil, fmt.Errorf("failed to load config: %w", e)
		}
		logger.Warn("Config validation warning", "error", e)
	}
	return appCfg, nil
}

func logRules(logger *slog.Logger, table *proxy.Table) {
	for _, rule := range table.Rules() {
		logger.Info("Proxy rule",
			"prefix", rule.Prefix,
			"target", rule.Target.String(),
			"changeOrigin", rule.ChangeOrigin,
			"pathRewrite", len(rule.Rewrites) > 0,
			"ws", rule.WS,
		)
	}
}

// run starts the server and handles graceful shutdown.
func run(ctx context.Context, cfg config) error {
	logger := setupLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("Starting devproxy", "version", Version)

	appCfg, err := loadRuleConfig(cfg.ConfigFile, logger)
	if err != nil {
		return err
	}

	table, err := proxy.NewTable(appCfg.DevServer.Proxy)
	if err != nil {
		return fmt.Errorf("failed to build proxy table: %w", err)
	}
	logRules(logger, table)

	staticDir := appCfg.DevServer.StaticDir
	if cfg.StaticDir != "" {
		staticDir = cfg.StaticDir
	}
	if _, err := os.Stat(staticDir); err != nil {
		slog.Warn("Static directory not found, only proxied routes will respond", "dir", staticDir, "error", err)
	}
	var staticFS fs.FS = os.DirFS(staticDir)
	static := server.NewPublicPathHandler(appCfg.DevServer.PublicPath, server.NewStaticHandler(staticFS))

	var m *metrics.Metrics
	if appCfg.DevServer.Metrics.Enabled {
		m = metrics.New()
		slog.Info("Metrics enabled", "path", appCfg.DevServer.Metrics.Path)
	}

	proxyHandler := proxy.NewHandler(table, static, logger, proxy.WithMetrics(m))

	if cfg.WatchConfig {
		watcher := appconfig.NewWatcher(cfg.ConfigFile, func(newCfg *appconfig.Config, errs []error) {
			reloadTable(proxyHandler, m, logger, newCfg, errs)
		}, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("config watcher stopped with error", "error", err)
			}
		}()
		slog.Info("Watching config for proxy rule changes", "path", cfg.ConfigFile)
	}

	opts := server.Options{
		Addr:           cfg.ListenAddr,
		Proxy:          proxyHandler,
		MetricsPath:    appCfg.DevServer.Metrics.Path,
		MetricsHandler: metricsHandler(m),
		Logger:         logger,
	}
	if cfg.BackendCheckInterval > 0 {
		checker := health.NewChecker(proxyHandler, nil, cfg.BackendCheckInterval, logger)
		go checker.Run(ctx)
		opts.Backends = checker
	}

	srv := server.New(opts)
	return srv.Run(ctx)
}

// reloadTable swaps in the table from a reloaded config. The last good
// table stays active when the new file does not parse or compile.
func reloadTable(h *proxy.Handler, m *metrics.Metrics, logger *slog.Logger, newCfg *appconfig.Config, errs []error) {
	for _, e := range errs {
		if newCfg == nil {
			logger.Error("Config reload failed, keeping current rules", "error", e)
		} else {
			logger.Warn("Config reload validation warning", "error", e)
		}
	}
	if newCfg == nil {
		m.ObserveReload(metrics.ReloadRejected)
		return
	}
	table, err := proxy.NewTable(newCfg.DevServer.Proxy)
	if err != nil {
		logger.Error("Config reload rejected", "error", err)
		m.ObserveReload(metrics.ReloadRejected)
		return
	}
	h.Swap(table)
	m.ObserveReload(metrics.ReloadApplied)
	logger.Info("Config reloaded", "rules", table.Len())
	logRules(logger, table)
}

func metricsHandler(m *metrics.Metrics) http.Handler {
	if m == nil {
		return nil
	}
	return m.Handler()
}
