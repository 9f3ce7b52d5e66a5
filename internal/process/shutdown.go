package process

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

// ShutdownRequester asks a running process to exit on its own.
// What counts as cooperative is up to the process; the supervisor only
// measures whether it exits before the stop timeout.
type ShutdownRequester interface {
	RequestShutdown(h *Handle) error
}

// ShutdownFunc adapts a function to ShutdownRequester.
type ShutdownFunc func(h *Handle) error

// RequestShutdown calls f(h).
func (f ShutdownFunc) RequestShutdown(h *Handle) error {
	return f(h)
}

type signalShutdown struct {
	sig os.Signal
}

// SignalShutdown requests shutdown by sending sig to the process group.
func SignalShutdown(sig os.Signal) ShutdownRequester {
	return signalShutdown{sig: sig}
}

func (s signalShutdown) RequestShutdown(h *Handle) error {
	return h.Signal(s.sig)
}

func (s signalShutdown) String() string {
	return s.sig.String()
}

// DefaultShutdown sends SIGINT, which is what an interactive Ctrl-C would do.
var DefaultShutdown = SignalShutdown(syscall.SIGINT)

var signalNames = map[string]syscall.Signal{
	"SIGINT":  syscall.SIGINT,
	"SIGTERM": syscall.SIGTERM,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGKILL": syscall.SIGKILL,
}

// ParseSignal maps a signal name such as "SIGTERM" or "term" to a signal.
func ParseSignal(name string) (syscall.Signal, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key != "" && !strings.HasPrefix(key, "SIG") {
		key = "SIG" + key
	}
	if sig, ok := signalNames[key]; ok {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}
