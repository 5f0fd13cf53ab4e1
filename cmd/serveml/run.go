package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"serveml/internal/audit"
	"serveml/internal/config"
	"serveml/internal/home"
	"serveml/internal/metrics"
	"serveml/internal/registry"
	"serveml/internal/scheduler"
	"serveml/internal/script"
	"serveml/internal/server"
	"serveml/internal/store"
	"serveml/internal/store/azblob"
	"serveml/internal/store/file"
	"serveml/internal/store/gcs"
	"serveml/internal/store/memory"
	"serveml/internal/store/s3"
	"serveml/internal/store/sqlite"
)

const defaultShutdownTimeout = 10 * time.Second

// storeFactories maps a store type to its constructor.
func storeFactories() map[string]store.Factory {
	return map[string]store.Factory{
		"file":   file.NewFactory(),
		"memory": memory.NewFactory(),
		"sqlite": sqlite.NewFactory(),
		"s3":     s3.NewFactory(),
		"gcs":    gcs.NewFactory(),
		"azblob": azblob.NewFactory(),
	}
}

// openStore resolves the store spec against home and constructs it.
func openStore(cfg config.Config, hd home.Dir, logger *slog.Logger) (store.Store, config.StoreConfig, error) {
	sc, err := config.ParseStore(cfg.Store, hd.Root())
	if err != nil {
		return nil, sc, err
	}
	factory, ok := storeFactories()[sc.Type]
	if !ok {
		return nil, sc, fmt.Errorf("unknown store type %q", sc.Type)
	}
	s, err := factory(sc.Params, logger)
	if err != nil {
		return nil, sc, fmt.Errorf("open %s store: %w", sc.Type, err)
	}
	return s, sc, nil
}

// run wires the service together and blocks until ctx is canceled or the
// listener fails.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	hd, err := home.Resolve(cfg.Home)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if err := hd.EnsureExists(); err != nil {
		return err
	}
	nodeID, err := hd.NodeID()
	if err != nil {
		return err
	}
	logger = logger.With("node", nodeID)
	logger.Info("home directory", "path", hd.Root())

	st, sc, err := openStore(cfg, hd, logger)
	if err != nil {
		return err
	}
	if c, ok := st.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}
	logger.Info("store opened", "type", sc.Type)

	compiler, err := script.NewCompiler(cfg.Runtimes...)
	if err != nil {
		return err
	}
	m := metrics.New()

	reg, err := registry.New(registry.Config{
		Store:    st,
		Compiler: compiler,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	maxBody, err := config.ParseBytes(cfg.MaxBodySize)
	if err != nil {
		return fmt.Errorf("max body size: %w", err)
	}
	srv, err := server.New(server.Config{
		Registry:     reg,
		Metrics:      m,
		MaxBodyBytes: int64(maxBody),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{MaxConcurrent: 1, Logger: logger})
	if err != nil {
		return err
	}
	auditCfg := audit.Config{
		Verifier:  reg,
		Scheduler: sched,
		Cron:      cfg.AuditCron,
		Timeout:   time.Minute,
		Logger:    logger,
	}
	if fs, ok := st.(*file.Store); ok && cfg.Watch {
		auditCfg.WatchDir = fs.Dir()
	}
	auditor, err := audit.New(auditCfg)
	if err != nil {
		return err
	}
	// Listen before recovery so probes answer (not ready) while a large
	// store loads.
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	var serverWg sync.WaitGroup
	serveErr := make(chan error, 1)
	serverWg.Go(func() {
		if err := srv.Serve(ln); err != nil {
			serveErr <- err
		}
	})

	report, err := reg.Load(ctx)
	if err != nil {
		_ = srv.Stop(context.Background())
		serverWg.Wait()
		return fmt.Errorf("recover products: %w", err)
	}
	logger.Info("registry ready",
		"products", report.Loaded,
		"skipped", len(report.Skipped),
		"next_key", report.NextKey,
		"runtimes", compiler.Enabled())

	if err := auditor.Start(ctx); err != nil {
		logger.Warn("store audits disabled", "error", err)
	}
	sched.Start()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.Error("server error", "error", err)
	}

	timeout := cfg.ShutdownTimeout
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("stopping server")
	if stopErr := srv.Stop(stopCtx); stopErr != nil {
		logger.Warn("server stop error", "error", stopErr)
	}
	serverWg.Wait()

	auditor.Stop()
	if stopErr := sched.Stop(); stopErr != nil {
		logger.Warn("scheduler stop error", "error", stopErr)
	}
	logger.Info("shutdown complete")
	return err
}
