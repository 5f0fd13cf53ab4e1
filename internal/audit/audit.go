// Package audit periodically checks that the registry and its store agree.
//
// An Auditor runs Registry.Verify on a cron schedule and, when given a
// directory, shortly after product files in it change. Triggers that
// arrive while an audit is running share that audit's result. Drift is
// logged (by the registry) and kept for inspection; nothing is repaired.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"serveml/internal/callgroup"
	"serveml/internal/logging"
	"serveml/internal/notify"
	"serveml/internal/registry"
	"serveml/internal/scheduler"
	"serveml/internal/store"
)

const (
	jobName = "store-audit"

	// DefaultDebounce is the quiet period after the last file event before
	// an audit runs.
	DefaultDebounce = 500 * time.Millisecond
)

// Verifier is the registry operation an audit runs.
type Verifier interface {
	Verify(ctx context.Context) (registry.Drift, error)
}

// Config configures an Auditor.
type Config struct {
	Verifier Verifier
	// Scheduler and Cron enable periodic audits. Both must be set.
	Scheduler *scheduler.Scheduler
	Cron      string
	// WatchDir enables event-driven audits of a file store directory.
	WatchDir string
	Debounce time.Duration
	// Timeout bounds a single audit. Zero means no limit.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Result is the outcome of the most recent audit.
type Result struct {
	Drift registry.Drift
	Err   error
	At    time.Time
}

// Auditor runs store audits.
//
// Logging: scoped with component="audit".
type Auditor struct {
	cfg    Config
	logger *slog.Logger
	group  callgroup.Group[string]

	mu   sync.Mutex
	last *Result
	done notify.Signal

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Auditor, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("audit: verifier is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Auditor{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "audit"),
	}, nil
}

// Start registers the cron job and starts the directory watcher. It does
// not start the scheduler itself. A watcher that cannot be created is
// logged and skipped; periodic audits still run.
func (a *Auditor) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if a.cfg.Scheduler != nil && a.cfg.Cron != "" {
		if err := a.cfg.Scheduler.AddJob(jobName, a.cfg.Cron, func() {
			_, _ = a.Run(ctx)
		}); err != nil {
			a.cancel()
			return err
		}
	}

	if a.cfg.WatchDir != "" {
		if err := a.watch(ctx); err != nil {
			a.logger.Warn("file watcher unavailable, relying on scheduled audits", "dir", a.cfg.WatchDir, "error", err)
		}
	}
	return nil
}

// Stop removes the cron job and stops the watcher. It waits for the
// watcher goroutine but not for an audit already in progress.
func (a *Auditor) Stop() {
	if a.cfg.Scheduler != nil {
		a.cfg.Scheduler.RemoveJob(jobName)
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Run performs an audit, or joins one already running.
func (a *Auditor) Run(ctx context.Context) (Result, error) {
	shared, err := a.group.Do(ctx, jobName, func() error {
		actx := context.WithoutCancel(ctx)
		if a.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(actx, a.cfg.Timeout)
			defer cancel()
		}
		drift, err := a.cfg.Verifier.Verify(actx)
		res := &Result{Drift: drift, Err: err, At: time.Now()}
		a.mu.Lock()
		a.last = res
		a.mu.Unlock()
		a.done.Notify()
		if err != nil {
			a.logger.Warn("audit failed", "error", err)
		} else {
			a.logger.Debug("audit complete", "clean", drift.Clean())
		}
		return err
	})
	if ctx.Err() != nil {
		return Result{}, err
	}
	if shared {
		a.logger.Debug("joined running audit")
	}
	res, _ := a.Last()
	return res, err
}

// Completed returns a channel closed when the next audit finishes.
func (a *Auditor) Completed() <-chan struct{} {
	return a.done.C()
}

// Last returns the most recent audit result.
func (a *Auditor) Last() (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Result{}, false
	}
	return *a.last, true
}

func (a *Auditor) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(a.cfg.WatchDir); err != nil {
		w.Close()
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer w.Close()

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				a.logger.Warn("file watcher error", "error", err)
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !relevant(ev) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(a.cfg.Debounce)
				} else {
					timer.Reset(a.cfg.Debounce)
				}
				timerC = timer.C
			case <-timerC:
				timerC = nil
				_, _ = a.Run(ctx)
			}
		}
	}()
	return nil
}

// relevant reports whether ev touches a product file. Temp files written
// during a Put are ignored; the hard link that publishes them is not.
func relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
		return false
	}
	ok, _ := doublestar.Match(store.IdentifierGlob, filepath.Base(ev.Name))
	return ok
}
