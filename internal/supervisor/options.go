package supervisor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/smazurov/forker/internal/events"
	"github.com/smazurov/forker/internal/process"
)

// Config describes the process a Supervisor runs.
type Config struct {
	// Name identifies the supervisor in logs, events and metrics.
	// Supervisors sharing an event bus must use distinct names.
	Name string
	// RunType is SelfTerminating or NonTerminating (required).
	RunType RunType
	// WorkingDir is the process working directory; empty means the current one.
	WorkingDir string
	// Executable is the program to run (required).
	Executable string
	// Args are passed after the executable name.
	Args []string
	// Env overrides or extends the inherited environment.
	Env map[string]string
	// Shutdown delivers cooperative shutdown requests; nil means SIGINT.
	Shutdown process.ShutdownRequester
	// LogParser extracts a log level from output lines when echoing them.
	LogParser process.LogParser
}

func (c Config) validate() error {
	if c.Executable == "" {
		return fmt.Errorf("%w: executable is required", ErrInvalidConfig)
	}
	if c.RunType != SelfTerminating && c.RunType != NonTerminating {
		return fmt.Errorf("%w: unknown run type %v", ErrInvalidConfig, c.RunType)
	}
	return nil
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger for supervisor diagnostics. Child output is
// echoed through the same logger with module=child unless WithOutputLogger
// is given.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithOutputLogger sets the logger that echoes child output.
func WithOutputLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.outputLogger = logger
	}
}

// WithEventBus publishes output and state events on a shared bus.
// By default each supervisor owns a private bus.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Supervisor) {
		s.bus = bus
	}
}

// WithKillTimeout bounds how long Close waits for a killed process to be reaped.
// Default is 5s.
func WithKillTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.killTimeout = d
	}
}

// WithOutputDrainTimeout bounds how long output is still read after the
// process exits, while a background job of the process holds its stdout or
// stderr open. The terminal state follows the drain. Default is 500ms.
func WithOutputDrainTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.drainTimeout = d
	}
}

// WithRecentOutput keeps the last n output lines of each run for
// RecentOutput.
func WithRecentOutput(n int) Option {
	return func(s *Supervisor) {
		s.recentSize = n
	}
}

// WithMetrics enables Prometheus metrics for this supervisor.
func WithMetrics(enabled bool) Option {
	return func(s *Supervisor) {
		s.metricsEnabled = enabled
	}
}
