//go:build !unix

package process

import (
	"os"
	"os/exec"
	"syscall"
)

func setSysProcAttr(_ *exec.Cmd) {}

// signalGroup falls back to signalling the process itself.
func signalGroup(p *os.Process, sig os.Signal) error {
	if sig == os.Kill {
		return p.Kill()
	}
	return p.Signal(sig)
}

func terminatingSignal(_ *os.ProcessState) (syscall.Signal, bool) {
	return 0, false
}
