package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 1000

// Output formats accepted in Config.Format.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// sinkLevel lets every record through; levels are enforced per module
// before a record reaches the sink.
const sinkLevel = slog.Level(math.MinInt)

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level" yaml:"level"`
	Format  string            `toml:"format" yaml:"format"`
	Modules map[string]string `toml:"modules" yaml:"modules"`
}

type module struct {
	level  *slog.LevelVar
	logger *slog.Logger
}

// sink is the handler chain built by Initialize. gen changes with every
// rebuild so derived handlers know when to rebuild themselves.
type sink struct {
	gen     uint64
	handler slog.Handler
}

var (
	mu        sync.RWMutex
	config    Config
	modules   = make(map[string]*module)
	rootLevel = new(slog.LevelVar)
	logBuffer *RingBuffer

	stdout     io.Writer = os.Stdout
	activeSink atomic.Pointer[sink]
	sinkGen    atomic.Uint64
)

// Initialize sets up the logging system. Loggers obtained earlier from
// GetLogger switch to the new format and levels.
func Initialize(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	config = cfg
	config.Modules = maps.Clone(cfg.Modules)

	// Keep recent history, e.g. the last child output before a crash
	if logBuffer == nil {
		logBuffer = NewRingBuffer(defaultBufferSize)
	}

	activeSink.Store(&sink{gen: sinkGen.Add(1), handler: buildSink(cfg.Format)})

	rootLevel.Set(levelFor(""))
	for name, m := range modules {
		m.level.Set(levelFor(name))
	}
	slog.SetDefault(slog.New(&levelHandler{level: rootLevel}))
}

// GetLogger returns a logger for the specified module, creating it if needed.
// Every record carries a "module" attribute.
func GetLogger(name string) *slog.Logger {
	mu.RLock()
	m, ok := modules[name]
	mu.RUnlock()
	if ok {
		return m.logger
	}

	mu.Lock()
	defer mu.Unlock()
	if m, ok := modules[name]; ok {
		return m.logger
	}

	level := new(slog.LevelVar)
	level.Set(levelFor(name))
	m = &module{
		level:  level,
		logger: slog.New(&levelHandler{level: level}).With("module", name),
	}
	modules[name] = m
	return m.logger
}

// SetModuleLevel changes the level of one module at runtime.
func SetModuleLevel(name, level string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}

	GetLogger(name)

	mu.Lock()
	defer mu.Unlock()
	modules[name].level.Set(parsed)
	if config.Modules == nil {
		config.Modules = make(map[string]string)
	}
	config.Modules[name] = level
	return nil
}

// GetBuffer returns the log ring buffer, or nil before Initialize.
func GetBuffer() *RingBuffer {
	mu.RLock()
	defer mu.RUnlock()
	return logBuffer
}

// ParseLevel accepts the slog level names in any case ("debug", "INFO",
// "warn+2"), plus "warning".
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "":
		return 0, errors.New("empty log level")
	case "warning":
		return slog.LevelWarn, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// levelFor resolves a module's level from config. The empty name is the
// default logger. Callers hold mu.
func levelFor(name string) slog.Level {
	if name != "" {
		if l, err := ParseLevel(config.Modules[name]); err == nil {
			return l
		}
	}
	if l, err := ParseLevel(config.Level); err == nil {
		return l
	}
	return slog.LevelInfo
}

// currentSink returns the handler chain, building a text one on first use
// when Initialize has not run.
func currentSink() *sink {
	if s := activeSink.Load(); s != nil {
		return s
	}
	activeSink.CompareAndSwap(nil, &sink{handler: buildSink(FormatText)})
	return activeSink.Load()
}

// buildSink writes to stdout when something is attached to it, to the
// journal when journald is running, and always to the ring buffer.
func buildSink(format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: sinkLevel}

	var out fanout
	if writable(stdout) {
		if format == FormatJSON {
			out = append(out, slog.NewJSONHandler(stdout, opts))
		} else {
			out = append(out, slog.NewTextHandler(stdout, opts))
		}
	}
	if IsJournalAvailable() {
		out = append(out, NewJournalHandler())
	}
	out = append(out, NewBufferHandler())

	if len(out) == 1 {
		return out[0]
	}
	return out
}

// writable reports whether w can take output. A closed stdout is skipped.
func writable(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return w != nil
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode&os.ModeCharDevice != 0 || mode&(os.ModeNamedPipe|os.ModeSocket) != 0 || mode.IsRegular()
}
