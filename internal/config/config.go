package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lei/cms-gateway/internal/models"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the gateway configuration
type Config struct {
	Server       ServerConfig   `mapstructure:"server" yaml:"server"`
	Metrics      MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	CORS         CORSConfig     `mapstructure:"cors" yaml:"cors"`
	Auth         AuthConfig     `mapstructure:"auth" yaml:"auth"`
	GRPC         GRPCConfig     `mapstructure:"grpc" yaml:"grpc"`
	Backends     BackendsConfig `mapstructure:"backends" yaml:"backends"`
	BackendsFile string         `mapstructure:"backends_file" yaml:"backends_file,omitempty"`
	Tracing      TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
	Logging      LoggingConfig  `mapstructure:"logging" yaml:"logging"`

	// extra holds backends loaded from BackendsFile
	extra []models.Backend
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig contains the prometheus scrape server settings
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// CORSConfig contains cross-origin settings
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// AuthConfig contains JWT passthrough settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`
}

// GRPCConfig contains backend dial settings
type GRPCConfig struct {
	TLS             bool          `mapstructure:"tls" yaml:"tls"`
	RegisterTimeout time.Duration `mapstructure:"register_timeout" yaml:"register_timeout"`
}

// BackendsConfig holds the dial targets of the built-in backends.
// An empty address disables that backend.
type BackendsConfig struct {
	Auth    string `mapstructure:"auth" yaml:"auth"`
	Content string `mapstructure:"content" yaml:"content"`
	Media   string `mapstructure:"media" yaml:"media"`
	Contact string `mapstructure:"contact" yaml:"contact"`
}

// TracingConfig contains OpenTelemetry settings
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // json or text
}

// envBindings maps config keys to the environment variables that set them
var envBindings = map[string]string{
	"server.addr":              "HTTP_ADDR",
	"server.read_timeout":      "READ_TIMEOUT",
	"server.write_timeout":     "WRITE_TIMEOUT",
	"server.shutdown_timeout":  "SHUTDOWN_TIMEOUT",
	"metrics.addr":             "METRICS_ADDR",
	"cors.allowed_origins":     "CORS_ALLOWED_ORIGINS",
	"auth.jwt_secret":          "JWT_SECRET",
	"grpc.tls":                 "GRPC_TLS",
	"grpc.register_timeout":    "REGISTER_TIMEOUT",
	"backends.auth":            "AUTH_GRPC_ADDR",
	"backends.content":         "CONTENT_GRPC_ADDR",
	"backends.media":           "MEDIA_GRPC_ADDR",
	"backends.contact":         "CONTACT_GRPC_ADDR",
	"backends_file":            "BACKENDS_FILE",
	"tracing.endpoint":         "TRACING_ENDPOINT",
	"tracing.service_name":     "TRACING_SERVICE_NAME",
	"logging.level":            "LOG_LEVEL",
	"logging.format":           "LOG_FORMAT",
}

var defaults = map[string]any{
	"server.addr":             ":8080",
	"server.read_timeout":     30 * time.Second,
	"server.write_timeout":    30 * time.Second,
	"server.shutdown_timeout": 10 * time.Second,
	"metrics.addr":            ":9090",
	"cors.allowed_origins":    []string{"*"},
	"grpc.tls":                false,
	"grpc.register_timeout":   5 * time.Second,
	"backends.auth":           "localhost:50051",
	"backends.content":        "localhost:50052",
	"backends.media":          "localhost:50053",
	"backends.contact":        "localhost:50054",
	"tracing.service_name":    "cms-gateway",
	"logging.level":           "info",
	"logging.format":          "json",
}

// Load builds the configuration from defaults, an optional YAML file and the environment.
// Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// An exported-but-empty backend address disables that backend
	v.AllowEmptyEnv(true)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if cfg.BackendsFile != "" {
		extra, err := LoadBackends(cfg.BackendsFile)
		if err != nil {
			return nil, fmt.Errorf("load backends: %w", err)
		}
		cfg.extra = extra
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults restores defaults for settings that were exported as empty strings
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.GRPC.RegisterTimeout == 0 {
		c.GRPC.RegisterTimeout = 5 * time.Second
	}
	if len(c.CORS.AllowedOrigins) == 0 || (len(c.CORS.AllowedOrigins) == 1 && c.CORS.AllowedOrigins[0] == "") {
		c.CORS.AllowedOrigins = []string{"*"}
	}
	for i, origin := range c.CORS.AllowedOrigins {
		c.CORS.AllowedOrigins[i] = strings.TrimSpace(origin)
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "cms-gateway"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration for values the gateway cannot start with
func (c *Config) Validate() error {
	var errs []error

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q (want json or text)", c.Logging.Format))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if c.GRPC.RegisterTimeout < 0 {
		errs = append(errs, errors.New("register timeout must not be negative"))
	}

	seen := make(map[string]bool)
	for _, b := range c.BackendList() {
		if b.Name == "" {
			errs = append(errs, errors.New("backend with empty name"))
			continue
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Errorf("duplicate backend %q", b.Name))
		}
		seen[b.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// BackendList returns the built-in backends followed by those from BackendsFile.
// A file entry with a built-in name replaces that backend.
func (c *Config) BackendList() []models.Backend {
	builtin := []models.Backend{
		{Name: "auth", Addr: c.Backends.Auth},
		{Name: "content", Addr: c.Backends.Content},
		{Name: "media", Addr: c.Backends.Media},
		{Name: "contact", Addr: c.Backends.Contact},
	}

	overrides := make(map[string]models.Backend, len(c.extra))
	for _, b := range c.extra {
		overrides[b.Name] = b
	}

	list := make([]models.Backend, 0, len(builtin)+len(c.extra))
	for _, b := range builtin {
		if o, ok := overrides[b.Name]; ok {
			b = o
			delete(overrides, b.Name)
		}
		list = append(list, b)
	}
	for _, b := range c.extra {
		if _, ok := overrides[b.Name]; ok {
			list = append(list, b)
		}
	}
	return list
}

// Redacted returns a copy safe to print
func (c Config) Redacted() Config {
	if c.Auth.JWTSecret != "" {
		c.Auth.JWTSecret = "********"
	}
	return c
}

// Dump writes the redacted configuration as YAML, followed by the resolved
// backend list including entries from BackendsFile
func (c Config) Dump(w io.Writer) error {
	out := struct {
		Config           `yaml:",inline"`
		ResolvedBackends []models.Backend `yaml:"resolved_backends"`
	}{
		Config:           c.Redacted(),
		ResolvedBackends: c.BackendList(),
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
