package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"serveml/internal/config"
	"serveml/internal/home"
	"serveml/internal/script"
	"serveml/internal/server"
	"serveml/internal/store/file"
	"serveml/internal/store/memory"
	"serveml/internal/store/sqlite"
)

func TestApplyFlags(t *testing.T) {
	cmd := newServerCmd()
	if err := cmd.ParseFlags([]string{
		"--addr", "127.0.0.1:7000",
		"--store", "memory",
		"--watch=false",
		"--runtimes", "lua",
		"--shutdown-timeout", "2s",
	}); err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{
		Addr:      ":5000",
		Store:     "file",
		LogFormat: "json",
		Watch:     true,
		Runtimes:  []string{"lua", "hcl"},
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		t.Fatalf("applyFlags: %v", err)
	}
	if cfg.Addr != "127.0.0.1:7000" || cfg.Store != "memory" || cfg.Watch {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if len(cfg.Runtimes) != 1 || cfg.Runtimes[0] != "lua" {
		t.Errorf("Runtimes = %v", cfg.Runtimes)
	}
	if cfg.ShutdownTimeout != 2*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("unset flag overrode env value: LogFormat = %q", cfg.LogFormat)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.Config{LogLevel: "warn,registry=debug", LogFormat: config.LogFormatJSON}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.With("component", "server").Info("hidden")
	logger.With("component", "registry").Debug("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record from server passed a warn default: %s", out)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("not a single JSON record: %q", out)
	}
	if rec["msg"] != "shown" {
		t.Errorf("record = %v", rec)
	}

	if _, err := newLogger(config.Config{LogLevel: "chatty"}, io.Discard); err == nil {
		t.Error("expected error for bad level")
	}
}

func TestOpenStore(t *testing.T) {
	hd := home.New(t.TempDir())
	tests := []struct {
		spec  string
		check func(any) bool
	}{
		{"file", func(s any) bool { _, ok := s.(*file.Store); return ok }},
		{"memory", func(s any) bool { _, ok := s.(*memory.Store); return ok }},
		{"sqlite", func(s any) bool { _, ok := s.(*sqlite.Store); return ok }},
	}
	for _, tc := range tests {
		t.Run(tc.spec, func(t *testing.T) {
			s, sc, err := openStore(config.Config{Store: tc.spec}, hd, slog.New(slog.DiscardHandler))
			if err != nil {
				t.Fatalf("openStore: %v", err)
			}
			if c, ok := s.(io.Closer); ok {
				t.Cleanup(func() { _ = c.Close() })
			}
			if sc.Type != tc.spec || !tc.check(s) {
				t.Errorf("got %T for %s", s, tc.spec)
			}
		})
	}

	if _, err := os.Stat(hd.ProductsDir()); err != nil {
		t.Errorf("file store did not create %s: %v", hd.ProductsDir(), err)
	}
	if _, _, err := openStore(config.Config{Store: "tape"}, hd, nil); err == nil {
		t.Error("expected error for unknown store")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitReady(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/readyz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server at %s never became ready", addr)
}

// startService runs the service in the background and returns a stop
// function that waits for run to return.
func startService(t *testing.T, cfg config.Config) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, slog.New(slog.DiscardHandler)) }()
	waitReady(t, cfg.Addr)
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Fatal("run did not return after cancel")
		}
	}
}

func TestRunSurvivesRestart(t *testing.T) {
	homeDir := t.TempDir()
	cfg := config.Config{
		Home:            homeDir,
		Store:           "file",
		LogLevel:        "info",
		LogFormat:       config.LogFormatText,
		AuditCron:       "*/5 * * * *",
		Watch:           true,
		Runtimes:        script.Runtimes(),
		MaxBodySize:     "1MB",
		ShutdownTimeout: 5 * time.Second,
	}
	model, err := script.Encode(script.Spec{Runtime: script.RuntimeLua, Source: "function infer(args) return args.x * args.x end"})
	if err != nil {
		t.Fatal(err)
	}
	validator, err := script.Encode(script.Spec{Runtime: script.RuntimeJSONPath, Source: "$.x"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	cfg.Addr = freeAddr(t)
	stop := startService(t, cfg)
	c := server.NewClient(cfg.Addr, nil)
	for want := int64(1); want <= 3; want++ {
		key, err := c.AddProduct(ctx, model, validator)
		if err != nil || key != want {
			t.Fatalf("AddProduct = %d, %v; want %d", key, err, want)
		}
	}
	if err := c.RemoveProduct(ctx, 3); err != nil {
		t.Fatal(err)
	}
	stop()

	names, err := filepath.Glob(filepath.Join(homeDir, "products", "product_*.blob"))
	if err != nil || len(names) != 2 {
		t.Fatalf("blobs on disk = %v, %v", names, err)
	}

	cfg.Addr = freeAddr(t)
	stop = startService(t, cfg)
	defer stop()
	c = server.NewClient(cfg.Addr, nil)

	keys, err := c.ListProducts(ctx)
	if err != nil || len(keys) != 2 || keys[0] != 1 || keys[1] != 2 {
		t.Fatalf("ListProducts after restart = %v, %v", keys, err)
	}
	out, err := c.Infer(ctx, 2, map[string]any{"x": 7})
	if err != nil || string(out) != "49" {
		t.Fatalf("Infer after restart = %s, %v", out, err)
	}
	// Key 3 was removed before the restart; the highest surviving key
	// decides the next one.
	key, err := c.AddProduct(ctx, model, validator)
	if err != nil || key != 3 {
		t.Fatalf("AddProduct after restart = %d, %v; want 3", key, err)
	}
	_, err = c.Infer(ctx, 1, nil)
	var apiErr *server.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("Infer without x: %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Errorf("version output %q", out.String())
	}
}
