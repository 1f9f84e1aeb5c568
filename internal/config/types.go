package config

// Config is the top-level configuration parsed from the YAML config file.
type Config struct {
	DevServer DevServerConfig `yaml:"devServer" json:"devServer"`
}

// DevServerConfig mirrors the devServer block of a front-end build config.
type DevServerConfig struct {
	// Proxy maps a request path prefix to its forwarding rule.
	Proxy      map[string]ProxyRule `yaml:"proxy"      json:"proxy"`
	PublicPath string               `yaml:"publicPath" json:"publicPath"`
	StaticDir  string               `yaml:"staticDir"  json:"staticDir"`
	Metrics    MetricsConfig        `yaml:"metrics"    json:"metrics"`
}

// ProxyRule declares where requests under a prefix are forwarded.
type ProxyRule struct {
	Target       string `yaml:"target"       json:"target"`
	ChangeOrigin bool   `yaml:"changeOrigin" json:"changeOrigin"`
	// PathRewrite maps a regular expression to its replacement. Nil means
	// the path is forwarded untouched.
	PathRewrite map[string]string `yaml:"pathRewrite,omitempty" json:"pathRewrite,omitempty"`
	WS          bool              `yaml:"ws"                    json:"ws"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path"    json:"path"`
}

const (
	DefaultPrefix      = "/api"
	DefaultTarget      = "http://127.0.0.1:8000"
	DefaultStaticDir   = "dist"
	DefaultMetricsPath = "/__devserver/metrics"
)

// Default returns the built-in rule table: /api is forwarded to the local
// backend with the Host header rewritten. pathRewrite stays disabled; a
// backend whose routes lack the /api prefix would need {"^/api": ""}.
func Default() *Config {
	return &Config{
		DevServer: DevServerConfig{
			Proxy: map[string]ProxyRule{
				DefaultPrefix: {
					Target:       DefaultTarget,
					ChangeOrigin: true,
				},
			},
			PublicPath: "/",
			StaticDir:  DefaultStaticDir,
			Metrics: MetricsConfig{
				Path: DefaultMetricsPath,
			},
		},
	}
}
