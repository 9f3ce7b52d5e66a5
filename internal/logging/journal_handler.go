package logging

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

// journalIdentifier is the SYSLOG_IDENTIFIER used for journal entries.
const journalIdentifier = "forker"

// JournalHandler sends records to the systemd journal as structured fields.
// Attribute keys become upper-case field names and groups are joined with
// underscores, so supervisor=worker is queryable as SUPERVISOR=worker.
type JournalHandler struct {
	fields map[string]string
	prefix string
}

// NewJournalHandler creates a journal handler. It accepts every level.
func NewJournalHandler() *JournalHandler {
	return &JournalHandler{}
}

// Enabled implements slog.Handler.
func (h *JournalHandler) Enabled(context.Context, slog.Level) bool { return true }

// Handle implements slog.Handler.
func (h *JournalHandler) Handle(_ context.Context, r slog.Record) error {
	return journal.Send(r.Message, journalPriority(r.Level), h.recordFields(r))
}

func (h *JournalHandler) recordFields(r slog.Record) map[string]string {
	fields := make(map[string]string, len(h.fields)+r.NumAttrs()+1)
	maps.Copy(fields, h.fields)
	fields["SYSLOG_IDENTIFIER"] = journalIdentifier
	r.Attrs(func(a slog.Attr) bool {
		addJournalField(fields, h.prefix, a)
		return true
	})
	return fields
}

// WithAttrs implements slog.Handler.
func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := make(map[string]string, len(h.fields)+len(attrs))
	maps.Copy(fields, h.fields)
	for _, a := range attrs {
		addJournalField(fields, h.prefix, a)
	}
	return &JournalHandler{fields: fields, prefix: h.prefix}
}

// WithGroup implements slog.Handler.
func (h *JournalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &JournalHandler{fields: h.fields, prefix: journalKey(h.prefix, name)}
}

func journalPriority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

func addJournalField(fields map[string]string, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := journalKey(prefix, a.Key)

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			addJournalField(fields, key, ga)
		}
		return
	}
	if key == "" {
		return
	}

	switch a.Value.Kind() {
	case slog.KindTime:
		fields[key] = a.Value.Time().Format(time.RFC3339Nano)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			fields[key] = err.Error()
			return
		}
		fields[key] = a.Value.String()
	default:
		fields[key] = a.Value.String()
	}
}

// journalKey appends name to prefix as a valid journal field name: upper
// case letters, digits and underscores, never starting with an underscore.
func journalKey(prefix, name string) string {
	name = strings.TrimLeft(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name), "_")

	switch {
	case name == "":
		return prefix
	case prefix == "":
		return name
	default:
		return prefix + "_" + name
	}
}

// IsJournalAvailable checks if systemd journal is available.
func IsJournalAvailable() bool {
	return journal.Enabled()
}
