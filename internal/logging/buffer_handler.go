package logging

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
)

// BufferHandler stores records in a RingBuffer with attributes flattened to
// dotted keys. The "module" attribute fills LogEntry.Module.
type BufferHandler struct {
	buffer *RingBuffer // nil means the global buffer, once Initialize created it
	module string
	attrs  map[string]any
	prefix string
}

// NewBufferHandler creates a handler that writes to the global ring buffer.
// Records are dropped until Initialize has created it.
func NewBufferHandler() *BufferHandler {
	return &BufferHandler{}
}

func newBufferHandlerFor(buffer *RingBuffer) *BufferHandler {
	return &BufferHandler{buffer: buffer}
}

// Enabled implements slog.Handler.
func (h *BufferHandler) Enabled(context.Context, slog.Level) bool { return true }

// Handle implements slog.Handler.
func (h *BufferHandler) Handle(_ context.Context, r slog.Record) error {
	buffer := h.buffer
	if buffer == nil {
		buffer = GetBuffer()
	}
	if buffer == nil {
		return nil
	}

	entry := LogEntry{
		Timestamp:  r.Time,
		Level:      levelName(r.Level),
		Module:     h.module,
		Message:    r.Message,
		Attributes: make(map[string]any, len(h.attrs)+r.NumAttrs()),
	}
	maps.Copy(entry.Attributes, h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		entry.Module = flatten(entry.Attributes, h.prefix, a, entry.Module)
		return true
	})
	if entry.Module == "" {
		entry.Module = "app"
	}
	buffer.Write(entry)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make(map[string]any, len(h.attrs)+len(attrs))
	maps.Copy(next.attrs, h.attrs)
	for _, a := range attrs {
		next.module = flatten(next.attrs, h.prefix, a, next.module)
	}
	return &next
}

// WithGroup implements slog.Handler.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = dotted(h.prefix, name)
	return &next
}

// flatten stores a into attrs under prefix and returns the module, which a
// top-level "module" attribute replaces.
func flatten(attrs map[string]any, prefix string, a slog.Attr, module string) string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return module
	}
	if prefix == "" && a.Key == "module" {
		return a.Value.String()
	}

	key := dotted(prefix, a.Key)
	switch a.Value.Kind() {
	case slog.KindGroup:
		for _, ga := range a.Value.Group() {
			module = flatten(attrs, key, ga, module)
		}
	case slog.KindTime:
		attrs[key] = a.Value.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		attrs[key] = a.Value.Duration().String()
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			attrs[key] = err.Error()
		} else {
			attrs[key] = a.Value.Any()
		}
	default:
		attrs[key] = a.Value.Any()
	}
	return module
}

func dotted(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	default:
		return prefix + "." + key
	}
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

// FormatLogLine renders an entry as one line:
// "<RFC3339 time> [LEVEL] [module] message key=value ...", keys sorted.
func FormatLogLine(entry LogEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] [%s] %s",
		entry.Timestamp.Format(time.RFC3339Nano), strings.ToUpper(entry.Level), entry.Module, entry.Message)
	for _, k := range slices.Sorted(maps.Keys(entry.Attributes)) {
		fmt.Fprintf(&sb, " %s=%v", k, entry.Attributes[k])
	}
	return sb.String()
}
