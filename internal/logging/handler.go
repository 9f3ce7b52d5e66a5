package logging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync/atomic"
)

// levelHandler gates records on a module level and hands them to the active
// sink. WithAttrs and WithGroup are recorded and replayed onto each new sink,
// so a logger derived with With keeps working after Initialize.
type levelHandler struct {
	level slog.Leveler
	ops   []func(slog.Handler) slog.Handler
	cache atomic.Pointer[sink]
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h *levelHandler) with(op func(slog.Handler) slog.Handler) *levelHandler {
	return &levelHandler{level: h.level, ops: append(slices.Clip(h.ops), op)}
}

// resolve returns the sink with this handler's attrs and groups applied,
// rebuilding it only when the sink has changed.
func (h *levelHandler) resolve() slog.Handler {
	s := currentSink()
	if c := h.cache.Load(); c != nil && c.gen == s.gen {
		return c.handler
	}
	derived := s.handler
	for _, op := range h.ops {
		derived = op(derived)
	}
	h.cache.Store(&sink{gen: s.gen, handler: derived})
	return derived
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(f, func(h slog.Handler) bool { return h.Enabled(ctx, level) })
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) each(op func(slog.Handler) slog.Handler) fanout {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = op(h)
	}
	return out
}
