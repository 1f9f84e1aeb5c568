package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a YAML configuration file at path.
// If path does not exist or is empty, it returns Default() with no errors.
// If the YAML is malformed (including a prefix declared twice), it returns
// nil config with a parse error.
// For validation errors, it returns a valid config with invalid rules stripped
// plus errors describing what was removed.
func Load(path string) (*Config, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, []error{fmt.Errorf("failed to read config file: %w", err)}
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, []error{fmt.Errorf("failed to parse config YAML: %w", err)}
	}

	applyDefaults(&cfg)

	var validationErrors []error

	// Iterate in sorted order so error output is stable between loads.
	prefixes := make([]string, 0, len(cfg.DevServer.Proxy))
	for prefix := range cfg.DevServer.Proxy {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	validRules := make(map[string]ProxyRule, len(prefixes))
	for _, prefix := range prefixes {
		rule := cfg.DevServer.Proxy[prefix]
		if errs := validateRule(prefix, rule); len(errs) > 0 {
			validationErrors = append(validationErrors, errs...)
			continue
		}
		validRules[prefix] = rule
	}
	cfg.DevServer.Proxy = validRules

	if !strings.HasPrefix(cfg.DevServer.Metrics.Path, "/") {
		validationErrors = append(validationErrors, fmt.Errorf("devServer.metrics.path: must start with '/', got %q", cfg.DevServer.Metrics.Path))
		cfg.DevServer.Metrics.Path = DefaultMetricsPath
	}

	return &cfg, validationErrors
}

func applyDefaults(cfg *Config) {
	if cfg.DevServer.Proxy == nil {
		cfg.DevServer.Proxy = map[string]ProxyRule{}
	}
	if cfg.DevServer.PublicPath == "" {
		cfg.DevServer.PublicPath = "/"
	}
	if cfg.DevServer.StaticDir == "" {
		cfg.DevServer.StaticDir = DefaultStaticDir
	}
	if cfg.DevServer.Metrics.Path == "" {
		cfg.DevServer.Metrics.Path = DefaultMetricsPath
	}
}

func validateRule(prefix string, rule ProxyRule) []error {
	var errs []error
	if strings.TrimSpace(prefix) == "" {
		errs = append(errs, errors.New("devServer.proxy: empty path prefix"))
	} else if !strings.HasPrefix(prefix, "/") {
		errs = append(errs, fmt.Errorf("devServer.proxy[%q]: path prefix must start with '/'", prefix))
	}

	target := strings.TrimSpace(rule.Target)
	if target == "" {
		errs = append(errs, fmt.Errorf("devServer.proxy[%q].target: required field missing", prefix))
	} else if err := validateTarget(target); err != nil {
		errs = append(errs, fmt.Errorf("devServer.proxy[%q].target: %w", prefix, err))
	}

	patterns := make([]string, 0, len(rule.PathRewrite))
	for pattern := range rule.PathRewrite {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)
	for _, pattern := range patterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("devServer.proxy[%q].pathRewrite[%q]: invalid pattern: %w", prefix, pattern, err))
		}
	}
	return errs
}

func validateTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %q must use http or https scheme", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q must include a host", raw)
	}
	return nil
}
