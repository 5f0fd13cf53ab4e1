package config

import (
	"maps"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Addr:            ":5000",
		Store:           "file",
		LogLevel:        "info",
		LogFormat:       LogFormatText,
		AuditCron:       "*/5 * * * *",
		Runtimes:        []string{"lua"},
		MaxBodySize:     "4MB",
		ShutdownTimeout: 10 * time.Second,
	}
}

func TestParseBytesValid(t *testing.T) {
	tests := []struct {
		input    string
		expected uint64
	}{
		{"100", 100},
		{"100B", 100},
		{"100b", 100},
		{"1KB", 1024},
		{"1kb", 1024},
		{"64MB", 64 * 1024 * 1024},
		{"64mb", 64 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
		{" 100 MB ", 100 * 1024 * 1024},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseBytes(tc.input)
			if err != nil {
				t.Fatalf("ParseBytes(%q) error: %v", tc.input, err)
			}
			if got != tc.expected {
				t.Errorf("ParseBytes(%q) = %d, want %d", tc.input, got, tc.expected)
			}
		})
	}
}

func TestParseBytesInvalid(t *testing.T) {
	for _, input := range []string{"", "abc", "-100", "100TB"} {
		t.Run(input, func(t *testing.T) {
			if _, err := ParseBytes(input); err == nil {
				t.Errorf("ParseBytes(%q) expected error, got nil", input)
			}
		})
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Addr != ":5000" || cfg.Store != "file" || cfg.MaxBodySize != "4MB" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Runtimes) != 3 {
		t.Errorf("Runtimes = %v", cfg.Runtimes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SERVEML_ADDR", "127.0.0.1:9000")
	t.Setenv("SERVEML_RUNTIMES", "lua,jsonpath")
	t.Setenv("SERVEML_WATCH", "false")
	t.Setenv("SERVEML_SHUTDOWN_TIMEOUT", "3s")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if len(cfg.Runtimes) != 2 || cfg.Runtimes[1] != "jsonpath" {
		t.Errorf("Runtimes = %v", cfg.Runtimes)
	}
	if cfg.Watch {
		t.Error("Watch should be false")
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
}

func TestFromEnvBadValue(t *testing.T) {
	t.Setenv("SERVEML_SHUTDOWN_TIMEOUT", "soon")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad cron", func(c *Config) { c.AuditCron = "often" }},
		{"no runtimes", func(c *Config) { c.Runtimes = nil }},
		{"unknown runtime", func(c *Config) { c.Runtimes = []string{"python"} }},
		{"bad body size", func(c *Config) { c.MaxBodySize = "lots" }},
		{"zero body size", func(c *Config) { c.MaxBodySize = "0" }},
		{"negative timeout", func(c *Config) { c.ShutdownTimeout = -time.Second }},
		{"bad store", func(c *Config) { c.Store = "ftp://host/x" }},
	}
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}

	cfg := validConfig()
	cfg.AuditCron = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty cron should disable audits, got %v", err)
	}
}

func TestParseStore(t *testing.T) {
	tests := []struct {
		spec   string
		typ    string
		params map[string]string
	}{
		{"", "file", map[string]string{"dir": "/h/products"}},
		{"file", "file", map[string]string{"dir": "/h/products"}},
		{"file:/data/models", "file", map[string]string{"dir": "/data/models"}},
		{"memory", "memory", map[string]string{}},
		{"sqlite", "sqlite", map[string]string{"path": "/h/products.db"}},
		{"sqlite:/tmp/p.db", "sqlite", map[string]string{"path": "/tmp/p.db"}},
		{"s3://models", "s3", map[string]string{"bucket": "models", "prefix": ""}},
		{"s3://models/serveml/prod?region=eu-west-1&pathStyle=true", "s3",
			map[string]string{"bucket": "models", "prefix": "serveml/prod", "region": "eu-west-1", "pathStyle": "true"}},
		{"gs://models/serveml", "gcs", map[string]string{"bucket": "models", "prefix": "serveml"}},
		{"azblob://products/serveml", "azblob", map[string]string{"container": "products", "prefix": "serveml"}},
	}
	for _, tc := range tests {
		t.Run(tc.spec, func(t *testing.T) {
			sc, err := ParseStore(tc.spec, "/h")
			if err != nil {
				t.Fatalf("ParseStore: %v", err)
			}
			if sc.Type != tc.typ {
				t.Errorf("Type = %q, want %q", sc.Type, tc.typ)
			}
			if !maps.Equal(sc.Params, tc.params) {
				t.Errorf("Params = %v, want %v", sc.Params, tc.params)
			}
		})
	}

	for _, bad := range []string{"redis", "s3://", "ftp://host/path"} {
		if _, err := ParseStore(bad, "/h"); err == nil {
			t.Errorf("ParseStore(%q): expected error", bad)
		}
	}
}
