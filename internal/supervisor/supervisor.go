package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/forker/internal/events"
	"github.com/smazurov/forker/internal/fsm"
	"github.com/smazurov/forker/internal/logging"
	"github.com/smazurov/forker/internal/metrics"
	"github.com/smazurov/forker/internal/process"
)

const defaultKillTimeout = 5 * time.Second

// OutputLine is one line of child output.
type OutputLine = events.OutputLineEvent

// StateChange is one completed state transition.
type StateChange = events.StateChangedEvent

// Supervisor owns one external process and drives it through the
// lifecycle declared in Transitions.
type Supervisor struct {
	cfg            Config
	logger         *slog.Logger
	outputLogger   *slog.Logger
	bus            *events.Bus
	killTimeout    time.Duration
	drainTimeout   time.Duration
	recentSize     int
	metricsEnabled bool

	machine *fsm.Machine[State]

	// mu serialises lifecycle decisions. The machine's hook runs while mu
	// is held by whoever fires, so it may read runID without locking.
	mu       sync.Mutex
	runID    string
	cycle    *cycle
	info     ProcessInfo
	hasInfo  bool
	startErr error
	closed   bool
	closing  chan struct{}

	unsubMu sync.Mutex
	unsubs  []func()
}

// cycle tracks one launched process until it is reaped.
type cycle struct {
	runID     string
	handle    *process.Handle
	killed    bool
	escalated bool
	recent    *logging.RingBuffer // nil unless WithRecentOutput
	done      chan struct{}
}

// New creates a supervisor in StateNotStarted. It fails only when cfg is
// unusable.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "supervisor"
	}

	s := &Supervisor{
		cfg:          cfg,
		killTimeout:  defaultKillTimeout,
		drainTimeout: process.DefaultDrainTimeout,
		closing:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.GetLogger("supervisor")
	}
	if s.outputLogger == nil {
		s.outputLogger = logging.GetLogger("child")
	}
	if s.bus == nil {
		s.bus = events.New()
	}
	s.logger = s.logger.With("supervisor", cfg.Name)
	s.outputLogger = s.outputLogger.With("supervisor", cfg.Name)

	s.machine = fsm.New(StateNotStarted, transitions, fsm.WithOnTransition(s.onTransition))
	if s.metricsEnabled {
		metrics.SetState(cfg.Name, string(StateNotStarted), stateNames())
	}
	return s, nil
}

// Name returns the configured supervisor name.
func (s *Supervisor) Name() string {
	return s.cfg.Name
}

// Config returns the configuration the supervisor was created with.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// CurrentState returns the present lifecycle state.
func (s *Supervisor) CurrentState() State {
	return s.machine.CurrentState()
}

// StartError returns why the most recent launch failed, or nil.
// It is cleared by the next Start.
func (s *Supervisor) StartError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startErr
}

// ProcessInfo returns details of the most recently launched process.
// The boolean is false until a launch has succeeded.
func (s *Supervisor) ProcessInfo() (ProcessInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, s.hasInfo
}

// WhenStateIs returns a waiter that resolves when the supervisor enters
// state, or immediately if it is already there.
func (s *Supervisor) WhenStateIs(state State) *fsm.Waiter {
	return s.machine.WhenStateIs(state)
}

// DotGraph renders the declared lifecycle as Graphviz DOT.
func (s *Supervisor) DotGraph() string {
	return s.machine.ExportDOT(s.cfg.Name)
}

// RecentOutput returns the last output lines of the current or most recent
// run, oldest first, formatted with logging.FormatLogLine. Lines are kept
// whatever the child log level is. It is empty unless WithRecentOutput is
// set.
func (s *Supervisor) RecentOutput() []string {
	s.mu.Lock()
	c := s.cycle
	s.mu.Unlock()
	if c == nil || c.recent == nil {
		return nil
	}

	entries := c.recent.ReadAll()
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = logging.FormatLogLine(e)
	}
	return lines
}

// OnOutput registers fn for every output line of this supervisor's
// processes. Lines of one stream arrive in order.
func (s *Supervisor) OnOutput(fn func(OutputLine)) (unsubscribe func()) {
	return s.track(events.SubscribeSupervisor(s.bus, s.cfg.Name, fn))
}

// OnStateChange registers fn for every state transition, in order.
func (s *Supervisor) OnStateChange(fn func(StateChange)) (unsubscribe func()) {
	return s.track(events.SubscribeSupervisor(s.bus, s.cfg.Name, fn))
}

func (s *Supervisor) track(unsub func()) func() {
	var once sync.Once
	wrapped := func() { once.Do(unsub) }

	s.unsubMu.Lock()
	s.unsubs = append(s.unsubs, wrapped)
	s.unsubMu.Unlock()
	return wrapped
}

// Start launches the process. A launch failure is not an error: the
// supervisor moves to StateStartFailed and StartError reports the cause.
// Start returns ErrAlreadyStarted while a cycle is in progress.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if current := s.machine.CurrentState(); current != StateNotStarted && !current.IsTerminal() {
		return fmt.Errorf("%w: state is %s", ErrAlreadyStarted, current)
	}

	s.startErr = nil
	s.runID = uuid.NewString()
	c := &cycle{runID: s.runID, done: make(chan struct{})}
	if s.recentSize > 0 {
		c.recent = logging.NewRingBuffer(s.recentSize)
	}
	logger := s.logger.With("run_id", c.runID)

	s.mustFire(StateStarting)
	if s.metricsEnabled {
		metrics.IncStarts(s.cfg.Name)
	}

	handle, err := process.Start(process.Spec{
		Path:     s.cfg.Executable,
		Dir:      s.cfg.WorkingDir,
		Args:     s.cfg.Args,
		Env:      s.cfg.Env,
		Shutdown: s.cfg.Shutdown,
	},
		process.WithLogger(logger),
		process.WithLogParser(s.outputLogger.With("run_id", c.runID), s.cfg.LogParser),
		process.WithOutput(s.outputSink(c)),
		process.WithDrainTimeout(s.drainTimeout),
	)
	if err != nil {
		s.startErr = err
		s.mustFire(StateStartFailed)
		return nil
	}

	c.handle = handle
	s.cycle = c
	s.info = ProcessInfo{
		RunID:     c.runID,
		PID:       handle.PID(),
		StartedAt: handle.StartedAt(),
	}
	s.hasInfo = true
	s.mustFire(StateRunning)

	go s.watch(c)
	return nil
}

// Stop ends a running process. With timeout <= 0 the process is killed at
// once; otherwise it is asked to shut down and killed if it is still alive
// when timeout elapses. Stop returns once a terminal state is reached.
// Calling Stop when the supervisor is not Running does nothing.
//
// A process that has already exited is never killed: if it is reaped but
// its final output is still being read when Stop runs, the cycle ends by
// its exit code, e.g. StateExitedSuccessfully for code 0, even with a zero
// timeout.
func (s *Supervisor) Stop(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	current := s.machine.CurrentState()
	if current != StateRunning {
		s.mu.Unlock()
		s.logger.Debug("Stop ignored", "state", current)
		return nil
	}

	c := s.cycle
	logger := s.logger.With("run_id", c.runID, "pid", c.handle.PID())
	s.mustFire(StateStopping)

	if timeout <= 0 {
		logger.Info("Stopping process", "mode", "kill")
		s.killLocked(c)
	} else {
		logger.Info("Stopping process", "mode", "graceful", "timeout", timeout)
		if err := c.handle.RequestShutdown(); err != nil {
			logger.Warn("Shutdown request failed, killing", "error", err)
			s.killLocked(c)
		} else {
			go s.escalateAfter(c, timeout)
		}
	}
	s.mu.Unlock()

	return s.awaitCycle(ctx, c)
}

// Restart stops the current process, if running, and starts a new one.
func (s *Supervisor) Restart(ctx context.Context, timeout time.Duration) error {
	if err := s.Stop(ctx, timeout); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Close kills a live process, waits up to the kill timeout for it to be
// reaped, then releases waiters and subscribers. It is safe to call more
// than once.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)

	c := s.cycle
	if c != nil && !c.handle.HasExited() {
		if s.machine.CurrentState() == StateRunning {
			s.mustFire(StateStopping)
		}
		s.killLocked(c)
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.done:
		case <-time.After(s.killTimeout):
			s.logger.Warn("Process not reaped before close", "run_id", c.runID, "timeout", s.killTimeout)
		}
	}

	s.machine.Close()

	s.unsubMu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.unsubMu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}

	if s.metricsEnabled {
		metrics.DeleteSupervisorMetrics(s.cfg.Name)
	}
	return nil
}

// watch waits for the process to be reaped and fires the terminal state.
// It is the only place a cycle ends after Running.
func (s *Supervisor) watch(c *cycle) {
	defer close(c.done)
	<-c.handle.Exited()

	status := c.handle.ExitStatus()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.info = ProcessInfo{
		RunID:     c.runID,
		PID:       c.handle.PID(),
		StartedAt: c.handle.StartedAt(),
		Exited:    true,
		ExitCode:  status.Code,
		ExitedAt:  c.handle.ExitedAt(),
	}

	next := classifyExit(c.killed, status.Code)
	if c.escalated {
		s.logger.Info("Process killed after shutdown timeout", "run_id", c.runID, "pid", s.info.PID)
	}
	if s.cfg.RunType == NonTerminating && s.machine.CurrentState() == StateRunning {
		s.logger.Warn("Process exited unexpectedly",
			"run_id", c.runID, "pid", s.info.PID, "exit_code", status.Code, "signal", status.Signal)
	}
	s.mustFire(next)
}

// escalateAfter kills the process if it is still alive after timeout.
func (s *Supervisor) escalateAfter(c *cycle, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-c.handle.Exited():
		return
	case <-c.done:
		return
	case <-s.closing:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The exit may have landed between the timer firing and taking the lock.
	if c.handle.HasExited() || c.killed {
		return
	}
	c.escalated = true
	if s.metricsEnabled {
		metrics.IncEscalations(s.cfg.Name)
	}
	s.logger.Warn("Graceful shutdown timed out, killing", "run_id", c.runID, "pid", c.handle.PID(), "timeout", timeout)
	s.killLocked(c)
}

// killLocked marks the cycle as killed and sends SIGKILL. Callers hold mu.
func (s *Supervisor) killLocked(c *cycle) {
	if c.handle.HasExited() {
		return
	}
	c.killed = true
	if err := c.handle.Kill(); err != nil {
		s.logger.Error("Failed to kill process", "run_id", c.runID, "pid", c.handle.PID(), "error", err)
	}
}

func (s *Supervisor) awaitCycle(ctx context.Context, c *cycle) error {
	select {
	case <-c.done:
		return nil
	case <-s.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mustFire performs an internal transition. An illegal one is a bug.
func (s *Supervisor) mustFire(to State) {
	err := s.machine.Fire(to)
	switch {
	case err == nil, errors.Is(err, fsm.ErrClosed):
	default:
		panic(err)
	}
}

// outputSink runs on the stream goroutines, so lines reach c.recent before
// the handle reports the exit.
func (s *Supervisor) outputSink(c *cycle) process.OutputHandler {
	name := s.cfg.Name
	return process.OutputFunc(func(source, line string) {
		now := time.Now()
		if c.recent != nil {
			level, msg := "info", line
			if s.cfg.LogParser != nil {
				level, msg = s.cfg.LogParser(line)
			}
			c.recent.Write(logging.LogEntry{
				Timestamp:  now,
				Level:      level,
				Module:     "child",
				Message:    msg,
				Attributes: map[string]any{"run_id": c.runID, "source": source},
			})
		}
		events.Publish(s.bus, events.OutputLineEvent{
			Supervisor: name,
			RunID:      c.runID,
			Source:     source,
			Line:       line,
			Timestamp:  now,
		})
	})
}

// onTransition runs under the machine lock while mu is held by the firer.
func (s *Supervisor) onTransition(from, to State) {
	events.Publish(s.bus, events.StateChangedEvent{
		Supervisor: s.cfg.Name,
		RunID:      s.runID,
		From:       string(from),
		To:         string(to),
		Timestamp:  time.Now(),
	})

	if s.metricsEnabled {
		metrics.SetState(s.cfg.Name, string(to), stateNames())
		switch {
		case to == StateStartFailed:
			metrics.IncStartFailures(s.cfg.Name)
		case to.IsTerminal():
			metrics.IncExits(s.cfg.Name, string(to))
		}
	}

	attrs := []any{"from", from, "to", to, "run_id", s.runID}
	switch to {
	case StateStartFailed:
		s.logger.Error("Process failed to start", append(attrs, "error", s.startErr)...)
	case StateExitedWithError, StateExitedKilled:
		s.logger.Warn("State changed", append(attrs, "exit_code", s.info.ExitCode)...)
	case StateExitedSuccessfully:
		s.logger.Info("State changed", append(attrs, "exit_code", s.info.ExitCode)...)
	case StateRunning:
		s.logger.Info("State changed", append(attrs, "pid", s.info.PID)...)
	default:
		s.logger.Debug("State changed", attrs...)
	}
}
