package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"
)

// OutputHandler receives output lines from the subprocess.
// Lines from one stream arrive in the order the process wrote them.
type OutputHandler interface {
	HandleLine(source, line string)
}

// OutputFunc adapts a function to OutputHandler.
type OutputFunc func(source, line string)

// HandleLine calls f(source, line).
func (f OutputFunc) HandleLine(source, line string) {
	f(source, line)
}

// LogParser parses a log line and returns the log level and message.
// Used to extract structured log info from process output.
type LogParser func(line string) (level, msg string)

// DefaultDrainTimeout bounds how long output is read after the process has
// exited.
const DefaultDrainTimeout = 500 * time.Millisecond

// Output stream names passed to OutputHandler.
const (
	SourceStdout = "stdout"
	SourceStderr = "stderr"
)

// Spec describes what to launch.
type Spec struct {
	// Path is the executable. Names without a path separator are looked up in PATH.
	Path string
	// Dir is the working directory; empty means the current directory.
	Dir string
	// Args are passed after the executable name.
	Args []string
	// Env overrides or extends the inherited environment.
	Env map[string]string
	// Shutdown handles RequestShutdown; nil means DefaultShutdown.
	Shutdown ShutdownRequester
}

// ExitStatus describes how the process ended.
type ExitStatus struct {
	// Code is the exit code, or 128+signal when the process was killed by a signal.
	Code int
	// Signaled is true when a signal terminated the process.
	Signaled bool
	// Signal names the terminating signal, if any.
	Signal string
	// Err is nil for a clean exit and an *ExitError otherwise.
	Err error
}

// Option configures a Handle before launch.
type Option func(*Handle)

// WithLogger sets the logger for lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handle) {
		h.logger = logger
	}
}

// WithOutput sets the handler that receives every output line.
func WithOutput(handler OutputHandler) Option {
	return func(h *Handle) {
		h.output = handler
	}
}

// WithLogParser sets a logger and parser for echoing process output.
// The logger is used for process output (e.g., module="child").
// The parser extracts the log level from the process's own format.
func WithLogParser(logger *slog.Logger, parser LogParser) Option {
	return func(h *Handle) {
		h.processLogger = logger
		h.logParser = parser
	}
}

// WithDrainTimeout sets how long output is still read once the process has
// exited. A background job that inherited stdout or stderr keeps the pipes
// open; when d elapses they are closed and its later writes fail.
func WithDrainTimeout(d time.Duration) Option {
	return func(h *Handle) {
		h.drainTimeout = d
	}
}

// Handle is a launched subprocess.
type Handle struct {
	spec          Spec
	cmd           *exec.Cmd
	logger        *slog.Logger
	processLogger *slog.Logger // logger for process output (nil = use logger)
	logParser     LogParser    // parses process output for log level (nil = no parsing)
	output        OutputHandler
	drainTimeout  time.Duration
	startedAt     time.Time
	reaped        chan struct{} // closed once status is set
	exited        chan struct{} // closed once output is drained too
	status        ExitStatus
	exitedAt      time.Time
}

// Start launches the process described by spec. It returns once the process
// is running; a launch failure is returned as a *StartError.
func Start(spec Spec, opts ...Option) (*Handle, error) {
	h := &Handle{
		spec:         spec,
		logger:       slog.Default(),
		drainTimeout: DefaultDrainTimeout,
		reaped:       make(chan struct{}),
		exited:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.spec.Shutdown == nil {
		h.spec.Shutdown = DefaultShutdown
	}

	startErr := func(err error) error {
		h.logger.Error("Failed to start process", "error", err, "path", spec.Path, "dir", spec.Dir)
		return &StartError{Path: spec.Path, Dir: spec.Dir, Err: err}
	}

	if spec.Path == "" {
		return nil, startErr(errors.New("empty executable path"))
	}
	if err := checkDir(spec.Dir); err != nil {
		return nil, startErr(err)
	}

	h.cmd = exec.Command(spec.Path, spec.Args...)
	h.cmd.Dir = spec.Dir
	h.cmd.Env = buildEnv(os.Environ(), spec.Env)
	setSysProcAttr(h.cmd)

	stdout, err := h.cmd.StdoutPipe()
	if err != nil {
		return nil, startErr(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := h.cmd.StderrPipe()
	if err != nil {
		return nil, startErr(fmt.Errorf("stderr pipe: %w", err))
	}

	// On failure Start closes both pipes itself.
	if err := h.cmd.Start(); err != nil {
		return nil, startErr(err)
	}
	h.startedAt = time.Now()

	h.logger.Info("Process started", "pid", h.cmd.Process.Pid, "path", spec.Path, "args", spec.Args)

	// Stream output in separate goroutines
	var outputDone sync.WaitGroup
	outputDone.Add(2)
	go func() {
		defer outputDone.Done()
		h.streamOutput(stdout, SourceStdout)
	}()
	go func() {
		defer outputDone.Done()
		h.streamOutput(stderr, SourceStderr)
	}()

	drained := make(chan struct{})
	go func() {
		outputDone.Wait()
		close(drained)
	}()

	// Reap through Process.Wait rather than cmd.Wait: the exit is seen even
	// while a descendant still holds the output pipes.
	go func() {
		state, waitErr := h.cmd.Process.Wait()
		h.status = exitStatusFrom(state, waitErr)
		h.exitedAt = time.Now()
		close(h.reaped)
		if h.status.Err != nil {
			h.logger.Info("Process exited", "pid", h.PID(), "exit_code", h.status.Code, "error", h.status.Err)
		} else {
			h.logger.Info("Process exited", "pid", h.PID(), "exit_code", h.status.Code)
		}

		drain := time.NewTimer(h.drainTimeout)
		defer drain.Stop()
		select {
		case <-drained:
		case <-drain.C:
			h.logger.Warn("Output still open after exit, closing pipes", "pid", h.PID(), "timeout", h.drainTimeout)
		}
		_ = stdout.Close()
		_ = stderr.Close()
		<-drained
		close(h.exited)
	}()

	return h, nil
}

// PID returns the operating system process identifier.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// StartedAt returns the launch time.
func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Exited is closed once the process has been reaped and its output
// drained, or the drain timeout has closed the pipes.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// HasExited reports whether the process has been reaped. It can be true
// shortly before Exited closes, while remaining output is read.
func (h *Handle) HasExited() bool {
	select {
	case <-h.reaped:
		return true
	default:
		return false
	}
}

// ExitStatus returns how the process ended. Until the process has been
// reaped it returns the zero value.
func (h *Handle) ExitStatus() ExitStatus {
	if !h.HasExited() {
		return ExitStatus{}
	}
	return h.status
}

// ExitedAt returns when the process was reaped, or the zero time.
func (h *Handle) ExitedAt() time.Time {
	if !h.HasExited() {
		return time.Time{}
	}
	return h.exitedAt
}

// Signal sends sig to the process group. Signalling a process that already
// exited is not an error.
func (h *Handle) Signal(sig os.Signal) error {
	if h.HasExited() {
		return nil
	}
	if err := signalGroup(h.cmd.Process, sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("send %s to pid %d: %w", sig, h.PID(), err)
	}
	return nil
}

// RequestShutdown asks the process to exit using the configured
// ShutdownRequester. It does not wait.
func (h *Handle) RequestShutdown() error {
	h.logger.Info("Requesting process shutdown", "pid", h.PID(), "method", shutdownName(h.spec.Shutdown))
	return h.spec.Shutdown.RequestShutdown(h)
}

// Kill force-kills the process group. It does not wait.
func (h *Handle) Kill() error {
	h.logger.Info("Killing process", "pid", h.PID())
	return h.Signal(os.Kill)
}

// exitStatusFrom builds an ExitStatus from the result of Wait.
func exitStatusFrom(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		// Wait failed before the process was reaped.
		return ExitStatus{Code: 1, Err: &ExitError{Code: 1, Err: waitErr}}
	}

	status := ExitStatus{Code: state.ExitCode()}
	if sig, ok := terminatingSignal(state); ok {
		status.Signaled = true
		status.Signal = sig.String()
		status.Code = 128 + int(sig)
	}
	if status.Code != 0 {
		status.Err = &ExitError{Code: status.Code, Signal: status.Signal, Err: waitErr}
	}
	return status
}

// streamOutput streams output from the subprocess.
// Uses the configured processLogger (or falls back to default logger).
// Uses the configured LogParser to extract log levels from process output.
func (h *Handle) streamOutput(reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	logger := h.processLogger
	if logger == nil {
		logger = h.logger
	}
	logger = logger.With("source", source)

	for scanner.Scan() {
		line := scanner.Text()

		if h.output != nil {
			h.output.HandleLine(source, line)
		}

		level, msg := "info", line
		if h.logParser != nil {
			level, msg = h.logParser(line)
		}

		switch level {
		case "fatal", "error":
			logger.Error(msg)
		case "warning", "warn":
			logger.Warn(msg)
		case "debug", "trace":
			logger.Debug(msg)
		default:
			logger.Info(msg)
		}
	}

	// os.ErrClosed means the drain timeout closed the pipe.
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		h.logger.Warn("Error reading output", "source", source, "error", err)
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, reader)
	}
}

// checkDir verifies that dir exists and is a directory.
func checkDir(dir string) error {
	if dir == "" {
		return nil
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("working directory %q is not a directory", dir)
	}
	return nil
}

// buildEnv overlays overrides on base, sorted by key for stable output.
func buildEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := overrides[key]; overridden {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func shutdownName(r ShutdownRequester) string {
	if s, ok := r.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", r)
}

// ParseLevelPrefix extracts a "[level]" prefix such as "[warning] msg".
// Lines without a recognised prefix are reported at info.
func ParseLevelPrefix(line string) (level, msg string) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "[") {
		return "info", line
	}
	end := strings.Index(trimmed, "]")
	if end < 0 {
		return "info", line
	}
	switch lvl := strings.ToLower(trimmed[1:end]); lvl {
	case "fatal", "error", "warning", "warn", "info", "debug", "trace":
		return lvl, strings.TrimSpace(trimmed[end+1:])
	}
	return "info", line
}
