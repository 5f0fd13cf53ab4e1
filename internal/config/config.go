// Package config holds the server's runtime configuration.
//
// Values come from SERVEML_* environment variables, parsed with
// caarlos0/env, and may then be overridden by command-line flags. Validate
// must pass before a Config is used.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"serveml/internal/logging"
	"serveml/internal/scheduler"
	"serveml/internal/script"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is the server configuration.
type Config struct {
	// Home is the data directory. Empty means the platform default.
	Home string `env:"SERVEML_HOME"`
	// Addr is the HTTP listen address.
	Addr string `env:"SERVEML_ADDR" envDefault:":5000"`
	// Store selects the persistence backend; see ParseStore.
	Store string `env:"SERVEML_STORE" envDefault:"file"`
	// LogLevel is a level spec such as "info,registry=debug".
	LogLevel  string `env:"SERVEML_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SERVEML_LOG_FORMAT" envDefault:"text"`
	// AuditCron schedules the store consistency audit. Empty disables it.
	AuditCron string `env:"SERVEML_AUDIT_CRON" envDefault:"*/5 * * * *"`
	// Watch enables event-driven audits for the file store.
	Watch bool `env:"SERVEML_WATCH" envDefault:"true"`
	// Runtimes lists the script runtimes products may use.
	Runtimes []string `env:"SERVEML_RUNTIMES" envSeparator:"," envDefault:"lua,hcl,jsonpath"`
	// MaxBodySize bounds request bodies after decompression, e.g. "4MB".
	MaxBodySize     string        `env:"SERVEML_MAX_BODY_SIZE" envDefault:"4MB"`
	ShutdownTimeout time.Duration `env:"SERVEML_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// FromEnv returns a Config populated from the environment and defaults.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks every field that can be checked without side effects.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if _, _, err := logging.ParseLevelSpec(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		errs = append(errs, fmt.Errorf("log format %q: must be %s or %s", c.LogFormat, LogFormatText, LogFormatJSON))
	}
	if c.AuditCron != "" {
		if err := scheduler.ValidateCron(c.AuditCron); err != nil {
			errs = append(errs, fmt.Errorf("audit cron: %w", err))
		}
	}
	if len(c.Runtimes) == 0 {
		errs = append(errs, errors.New("at least one runtime must be enabled"))
	}
	for _, r := range c.Runtimes {
		if !slices.Contains(script.Runtimes(), strings.ToLower(strings.TrimSpace(r))) {
			errs = append(errs, fmt.Errorf("unknown runtime %q", r))
		}
	}
	if n, err := ParseBytes(c.MaxBodySize); err != nil {
		errs = append(errs, fmt.Errorf("max body size: %w", err))
	} else if n == 0 {
		errs = append(errs, errors.New("max body size must be positive"))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown timeout must not be negative"))
	}
	if _, err := ParseStore(c.Store, "/"); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseBytes parses a byte size string with optional suffix (B, KB, MB, GB).
func ParseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty value")
	}

	s = strings.ToUpper(s)

	var multiplier uint64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		numStr = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		numStr = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		numStr = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		numStr = strings.TrimSuffix(s, "B")
	default:
		numStr = s
	}

	n, err := strconv.ParseUint(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}

// StoreConfig describes a storage backend to instantiate.
type StoreConfig struct {
	// Type identifies the implementation: file, memory, sqlite, s3, gcs or
	// azblob.
	Type string
	// Params are passed to the backend's factory, which validates them.
	Params map[string]string
}

// ParseStore interprets a store spec. home supplies default locations for
// the local backends.
//
//	file                         <home>/products
//	file:/var/lib/serveml        explicit directory
//	memory                       in-process, lost on exit
//	sqlite                       <home>/products.db
//	sqlite:/path/products.db     explicit database file
//	s3://bucket/prefix?region=eu-west-1&endpoint=http://minio:9000&pathStyle=true
//	gs://bucket/prefix?endpoint=http://localhost:4443/storage/v1/
//	azblob://container/prefix    connection string from AZURE_STORAGE_CONNECTION_STRING
func ParseStore(spec, home string) (StoreConfig, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = "file"
	}

	if scheme, rest, ok := strings.Cut(spec, "://"); ok {
		u, err := url.Parse(spec)
		if err != nil {
			return StoreConfig{}, fmt.Errorf("store %q: %w", spec, err)
		}
		if u.Host == "" {
			return StoreConfig{}, fmt.Errorf("store %q: missing bucket in %q", spec, rest)
		}
		params := make(map[string]string)
		for k, v := range u.Query() {
			if len(v) > 0 {
				params[k] = v[len(v)-1]
			}
		}
		params["prefix"] = strings.Trim(u.Path, "/")
		switch scheme {
		case "s3":
			params["bucket"] = u.Host
			return StoreConfig{Type: "s3", Params: params}, nil
		case "gs", "gcs":
			params["bucket"] = u.Host
			return StoreConfig{Type: "gcs", Params: params}, nil
		case "azblob":
			params["container"] = u.Host
			return StoreConfig{Type: "azblob", Params: params}, nil
		}
		return StoreConfig{}, fmt.Errorf("store %q: unknown scheme %q", spec, scheme)
	}

	kind, arg, _ := strings.Cut(spec, ":")
	switch kind {
	case "file":
		dir := arg
		if dir == "" {
			dir = filepath.Join(home, "products")
		}
		return StoreConfig{Type: "file", Params: map[string]string{"dir": dir}}, nil
	case "memory":
		return StoreConfig{Type: "memory", Params: map[string]string{}}, nil
	case "sqlite":
		path := arg
		if path == "" {
			path = filepath.Join(home, "products.db")
		}
		return StoreConfig{Type: "sqlite", Params: map[string]string{"path": path}}, nil
	}
	return StoreConfig{}, fmt.Errorf("unknown store %q", spec)
}
