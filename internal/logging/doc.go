// Package logging gives every forker component a module logger built on
// log/slog, with levels that can be set per module and changed at runtime.
//
// # Usage
//
// Call Initialize once the options are loaded:
//
//	logging.Initialize(logging.Config{
//		Level:  "info", // debug, info, warn, error
//		Format: "text", // text or json
//		Modules: map[string]string{
//			"supervisor": "debug",
//			"child":      "warn",
//		},
//	})
//
// and ask for a logger by module name:
//
//	logger := logging.GetLogger("supervisor").With("supervisor", name)
//	logger.Info("Process started", "pid", pid)
//
// Loggers may be taken before Initialize. They start at info on a text
// handler and follow the configured format and levels once Initialize runs.
// SetModuleLevel changes a single module later, e.g. when forker.toml is
// edited while `forker run --watch` is running.
//
// Lines written by supervised processes are logged under the "child"
// module, so they can be silenced or raised without touching forker's own
// messages.
//
// # Outputs
//
// Every record that passes its module level goes to:
//
//   - stdout (text or JSON) when stdout is open
//   - the systemd journal when journald is reachable, see [IsJournalAvailable]
//   - an in-memory ring buffer, see [GetBuffer]
//
// The ring buffer keeps the last entries so a failing process can be
// reported together with its final output lines.
//
// # Journal fields
//
// Attributes become journal fields with upper-case names:
//
//	journalctl -t forker MODULE=child SUPERVISOR=worker
//	journalctl -t forker -p err --since "5m"
//
// # Configuration file
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	[logging.modules]
//	supervisor = "debug"
//	child = "warn"
package logging
