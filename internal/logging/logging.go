// Package logging provides utilities for structured logging across the system.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component owns its own scoped logger
//   - Logger scoping happens once at construction time
//   - slog.With() is used to attach default attributes
//   - If no logger is provided, a discard logger is used
//
// Global configuration (output format, level, destination) belongs only in main().
// Components must never call slog.SetDefault or access global loggers.
//
// Logging is intentionally sparse:
//   - No logging inside script evaluation or per-argument conversion
//   - Lifecycle boundaries and registry mutations are the intended log points
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ComponentKey is the attribute key components use to identify themselves.
const ComponentKey = "component"

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
// Use this as a default when no logger is provided.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise returns a discard logger.
// This is the standard pattern for optional logger parameters:
//
//	func NewComponent(logger *slog.Logger) *Component {
//	    logger = logging.Default(logger)
//	    return &Component{logger: logger.With("component", "name")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// levelTable holds per-component level overrides. It is shared by every
// handler derived from the same ComponentFilterHandler.
type levelTable struct {
	mu        sync.RWMutex
	defLevel  slog.Level
	overrides map[string]slog.Level
}

func (t *levelTable) level(component string) slog.Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if component != "" {
		if l, ok := t.overrides[component]; ok {
			return l
		}
	}
	return t.defLevel
}

// floor returns the most verbose level any component may currently log at.
func (t *levelTable) floor() slog.Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	min := t.defLevel
	for _, l := range t.overrides {
		if l < min {
			min = l
		}
	}
	return min
}

// ComponentFilterHandler filters records by a per-component minimum level.
// The component is taken from a "component" attribute, either attached with
// Logger.With or passed on the record itself. Records without a component
// use the default level. Levels can be changed at runtime.
type ComponentFilterHandler struct {
	next      slog.Handler
	table     *levelTable
	component string
}

// NewComponentFilterHandler wraps next with component-level filtering.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next: next,
		table: &levelTable{
			defLevel:  defaultLevel,
			overrides: make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the minimum level for a component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.table.mu.Lock()
	h.table.overrides[component] = level
	h.table.mu.Unlock()
}

// ClearLevel removes a component override. No-op if none is set.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.table.mu.Lock()
	delete(h.table.overrides, component)
	h.table.mu.Unlock()
}

// Level returns the effective minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.table.level(component)
}

// DefaultLevel returns the level applied to records without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.table.mu.RLock()
	defer h.table.mu.RUnlock()
	return h.table.defLevel
}

func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	// The component may only be known once the record is built, so the
	// check here is against the most verbose configured level.
	threshold := h.table.floor()
	if h.component != "" {
		threshold = h.table.level(h.component)
	}
	if level < threshold {
		return false
	}
	return h.next == nil || h.next.Enabled(ctx, level)
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.table.level(component) {
		return nil
	}
	if h.next == nil {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	for _, a := range attrs {
		if a.Key == ComponentKey {
			clone.component = a.Value.String()
		}
	}
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}

// ParseLevel parses one of debug, info, warn, error (case-insensitive).
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// ParseLevelSpec parses a level specification such as
// "info,registry=debug,server=warn". A bare level sets the default; each
// component=level pair becomes an override.
func ParseLevelSpec(spec string) (slog.Level, map[string]slog.Level, error) {
	def := slog.LevelInfo
	overrides := make(map[string]slog.Level)
	for part := range strings.SplitSeq(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		component, lvl, ok := strings.Cut(part, "=")
		if !ok {
			l, err := ParseLevel(part)
			if err != nil {
				return 0, nil, err
			}
			def = l
			continue
		}
		l, err := ParseLevel(lvl)
		if err != nil {
			return 0, nil, fmt.Errorf("component %s: %w", component, err)
		}
		overrides[strings.TrimSpace(component)] = l
	}
	return def, overrides, nil
}
