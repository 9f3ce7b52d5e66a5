// Package systemd reports service state to systemd over the notify socket.
//
// Every method is a no-op when NOTIFY_SOCKET is not set, so forker behaves
// the same under a Type=notify unit, a Type=simple unit or a terminal.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	logger *slog.Logger
}

// NewNotifier creates a notifier that logs delivery failures to logger.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// Ready tells systemd that startup has finished.
func (n *Notifier) Ready() {
	n.notify(daemon.SdNotifyReady)
}

// Stopping tells systemd that shutdown has begun.
func (n *Notifier) Stopping() {
	n.notify(daemon.SdNotifyStopping)
}

// Reloading tells systemd that a reload has begun. Call Ready when done.
func (n *Notifier) Reloading() {
	n.notify(daemon.SdNotifyReloading)
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) {
	n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

// RunWatchdog pings the systemd watchdog at half the configured interval
// until ctx is done. It returns immediately when no watchdog is configured.
func (n *Notifier) RunWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.logger.Warn("Invalid watchdog configuration", "error", err)
		return
	}
	if interval <= 0 {
		return
	}

	n.logger.Debug("Watchdog enabled", "interval", interval)
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}

func (n *Notifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.logger.Warn("Failed to notify systemd", "state", state, "error", err)
		return
	}
	if sent {
		n.logger.Debug("Notified systemd", "state", state)
	}
}
