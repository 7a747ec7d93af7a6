package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/loadguard/internal/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "LOADGUARD"
	DefaultConfigName = "loadguard"
	DefaultLogLevel   = "info"

	hiddenValue = "***HIDDEN***"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Holding    HoldingConfig    `mapstructure:"holding"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`

	// ConfigFile is the file the configuration was read from, if any.
	ConfigFile string `mapstructure:"-"`
	// PrintConfig asks the caller to dump the effective configuration and exit.
	PrintConfig bool `mapstructure:"-"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	PIDFile           string        `mapstructure:"pid_file"`
}

type ProxyConfig struct {
	Target  string        `mapstructure:"target"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MonitoringConfig struct {
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	Thresholds      Thresholds    `mapstructure:"thresholds"`
	CooldownPeriod  time.Duration `mapstructure:"cooldown_period"`
	SmoothingFactor float64       `mapstructure:"smoothing_factor"`
	SampleTimeout   time.Duration `mapstructure:"sample_timeout"`
	FailMode        string        `mapstructure:"fail_mode"`
	HistorySize     int           `mapstructure:"history_size"`
}

type Thresholds struct {
	CPU            float64 `mapstructure:"cpu"`
	Memory         float64 `mapstructure:"memory"`
	Load           float64 `mapstructure:"load"`
	MaxConnections int64   `mapstructure:"max_connections"`
}

type BackendConfig struct {
	// HealthURL defaults to the proxy target.
	HealthURL     string        `mapstructure:"health_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

type SecurityConfig struct {
	Whitelist      []string `mapstructure:"whitelist"`
	BypassTokens   []string `mapstructure:"bypass_tokens"`
	AdminToken     string   `mapstructure:"admin_token"`
	AdminRateLimit float64  `mapstructure:"admin_rate_limit"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HoldingConfig struct {
	Path  string `mapstructure:"path"`
	File  string `mapstructure:"file"`
	Cache bool   `mapstructure:"cache"`
}

type TelemetryConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

var defaults = map[string]interface{}{
	"server.port":                           3000,
	"server.read_header_timeout":            10 * time.Second,
	"server.shutdown_timeout":               5 * time.Second,
	"server.pid_file":                       "",
	"proxy.target":                          "http://localhost:8080",
	"proxy.timeout":                         30 * time.Second,
	"monitoring.check_interval":             5 * time.Second,
	"monitoring.sample_timeout":             3 * time.Second,
	"monitoring.thresholds.cpu":             85.0,
	"monitoring.thresholds.memory":          90.0,
	"monitoring.thresholds.load":            5.0,
	"monitoring.thresholds.max_connections": 0,
	"monitoring.cooldown_period":            120 * time.Second,
	"monitoring.smoothing_factor":           0.3,
	"monitoring.fail_mode":                  "open",
	"monitoring.history_size":               60,
	"backend.health_url":                    "",
	"backend.probe_interval":                10 * time.Second,
	"backend.probe_timeout":                 3 * time.Second,
	"security.whitelist":                    []string{"127.0.0.1", "::1"},
	"security.bypass_tokens":                []string{},
	"security.admin_token":                  "",
	"security.admin_rate_limit":             1.0,
	"logging.level":                         DefaultLogLevel,
	"logging.format":                        "console",
	"holding.path":                          "/holding",
	"holding.file":                          "",
	"holding.cache":                         true,
	"telemetry.enabled":                     false,
	"telemetry.db_path":                     "/var/lib/loadguard/telemetry.db",
	"telemetry.batch_size":                  12,
	"telemetry.batch_timeout":               time.Minute,
}

// legacyEnv maps keys to the unprefixed variable names accepted for compatibility
// with existing deployments.
var legacyEnv = map[string]string{
	"server.port":            "PORT",
	"proxy.target":           "BACKEND_URL",
	"security.admin_token":   "ADMIN_TOKEN",
	"security.bypass_tokens": "BYPASS_TOKENS",
	"security.whitelist":     "WHITELIST_IPS",
	"monitoring.fail_mode":   "FAIL_MODE",
	"logging.level":          "LOG_LEVEL",
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"port":      "server.port",
	"backend":   "proxy.target",
	"fail-mode": "monitoring.fail_mode",
	"log-level": "logging.level",
	"pid-file":  "server.pid_file",
	"telemetry": "telemetry.enabled",
}

// Loader reads configuration from flags, environment and an optional TOML file.
type Loader struct {
	v    *viper.Viper
	opts options
}

// NewLoader creates a Loader with a private viper instance.
func NewLoader(opts ...Option) (*Loader, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
		}
	}

	return &Loader{v: viper.New(), opts: o}, nil
}

// Load is a convenience wrapper around NewLoader and Loader.Load.
func Load(args []string, opts ...Option) (*Config, error) {
	l, err := NewLoader(opts...)
	if err != nil {
		return nil, err
	}

	return l.Load(args)
}

// Load parses args, reads the configuration file and environment, and validates the result.
func (l *Loader) Load(args []string) (*Config, error) {
	errFactory := errors.New()

	fs := pflag.NewFlagSet("loadguard", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "Path to configuration file")
	printConfig := fs.Bool("print-config", false, "Print the effective configuration and exit")
	fs.Int("port", 0, "Listen port")
	fs.String("backend", "", "Backend URL to protect")
	fs.String("fail-mode", "", "Behaviour on metric collection failure (open|closed)")
	fs.String("log-level", "", "Log level (debug|info|warning|error)")
	fs.String("pid-file", "", "Write the process ID to this file")
	fs.Bool("telemetry", false, "Record metrics and overload events to SQLite")

	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := l.v
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(l.opts.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := l.opts.envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	path := *configPath
	if path == "" {
		path = l.opts.configPath
	}
	if path == "" {
		path = os.Getenv(l.opts.envPrefix + "_CONFIG")
	}

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/loadguard")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	cfg.PrintConfig = *printConfig

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, errors.New().Wrap(errors.ErrReadConfig, err)
	}

	cfg.Security.Whitelist = splitList(cfg.Security.Whitelist)
	cfg.Security.BypassTokens = splitList(cfg.Security.BypassTokens)
	if cfg.Backend.HealthURL == "" {
		cfg.Backend.HealthURL = cfg.Proxy.Target
	}
	cfg.ConfigFile = l.v.ConfigFileUsed()

	return cfg, nil
}

// Watch invokes callback with a freshly decoded configuration whenever the configuration
// file changes. Invalid revisions are passed to onError and otherwise ignored.
func (l *Loader) Watch(callback func(*Config), onError func(error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}

	l.v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := l.decode()
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		callback(cfg)
	})
	l.v.WatchConfig()
}

// splitList trims entries, splits comma separated values and drops empty ones.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}

	return out
}
