package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/forker/internal/config"
	"github.com/smazurov/forker/internal/logging"
	"github.com/smazurov/forker/internal/metrics"
	"github.com/smazurov/forker/internal/supervisor"
	"github.com/smazurov/forker/internal/systemd"
)

const (
	defaultKillTimeout = 5 * time.Second
	recentOutputLines  = 20
	killedExitCode     = 128 + int(syscall.SIGKILL)
)

// RunOptions for the run command - flat structure with toml mapping.
// Precedence is CLI flags, then FORKER_* environment, then the config file.
type RunOptions struct {
	Config string

	Definition  string        `toml:"run.definition" env:"DEFINITION"`
	Watch       bool          `toml:"run.watch" env:"WATCH"`
	KillTimeout time.Duration `toml:"run.kill_timeout" env:"KILL_TIMEOUT"`

	MetricsAddr string `toml:"metrics.addr" env:"METRICS_ADDR"`

	LoggingLevel      string `toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat     string `toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingSupervisor string `toml:"logging.supervisor" env:"LOGGING_SUPERVISOR"`
	LoggingChild      string `toml:"logging.child" env:"LOGGING_CHILD"`
}

// loggingConfig builds the logging setup. Module levels from the options
// file's [logging.modules] table apply unless a flag or env var set them.
func (o *RunOptions) loggingConfig(fileModules map[string]string) logging.Config {
	cfg := logging.Config{
		Level:   o.LoggingLevel,
		Format:  o.LoggingFormat,
		Modules: maps.Clone(fileModules),
	}
	if cfg.Modules == nil {
		cfg.Modules = make(map[string]string)
	}
	if o.LoggingSupervisor != "" {
		cfg.Modules["supervisor"] = o.LoggingSupervisor
	}
	if o.LoggingChild != "" {
		cfg.Modules["child"] = o.LoggingChild
	}
	return cfg
}

// CreateRunCmd creates the run command.
func CreateRunCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run and supervise the process from a definition file",
		Long: `Starts the process described by the definition file and supervises it until it exits ` +
			`or forker receives SIGINT/SIGTERM. On a signal the process is asked to shut down and is ` +
			`killed if it is still running after the definition's stop_timeout. forker exits with ` +
			`the process exit code (137 when it was killed, 1 when it could not be started).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadConfig(opts, cmd); err != nil {
				return err
			}
			fileLogging, err := config.LoadLoggingConfig(opts.Config)
			if err != nil {
				return err
			}
			logging.Initialize(opts.loggingConfig(fileLogging.Modules))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			code, err := Run(ctx, opts)
			if err != nil {
				return err
			}
			if code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Config, "config", "c", "forker.toml", "Path to configuration file")
	f.StringVarP(&opts.Definition, "definition", "d", "process.toml", "Process definition file (.toml, .yaml or .yml)")
	f.BoolVar(&opts.Watch, "watch", false, "Restart the process when the definition file changes")
	f.DurationVar(&opts.KillTimeout, "kill-timeout", defaultKillTimeout, "How long to wait for a killed process to be reaped")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	f.StringVar(&opts.LoggingLevel, "logging-level", "info", "Global logging level (debug, info, warn, error)")
	f.StringVar(&opts.LoggingFormat, "logging-format", "text", "Logging format (text, json)")
	f.StringVar(&opts.LoggingSupervisor, "logging-supervisor", "", "Supervisor logging level")
	f.StringVar(&opts.LoggingChild, "logging-child", "", "Logging level for process output")
	return cmd
}

// generation is one supervisor built from one version of the definition.
type generation struct {
	sup    *supervisor.Supervisor
	def    config.Definition
	exited chan supervisor.State
}

type runner struct {
	opts     *RunOptions
	logger   *slog.Logger
	notifier *systemd.Notifier
	stops    []func() error
}

// Run supervises the process described by opts.Definition until it exits or
// ctx is canceled, and returns the exit code forker should exit with.
func Run(ctx context.Context, opts *RunOptions) (int, error) {
	r := &runner{
		opts:     opts,
		logger:   logging.GetLogger("main"),
		notifier: systemd.NewNotifier(logging.GetLogger("systemd")),
	}

	def, err := config.LoadDefinition(opts.Definition)
	if err != nil {
		return 1, err
	}
	if err := def.Validate(); err != nil {
		return 1, fmt.Errorf("invalid definition %s: %w", opts.Definition, err)
	}

	go r.notifier.RunWatchdog(ctx)

	if opts.MetricsAddr != "" {
		addr, err := metrics.Serve(ctx, opts.MetricsAddr, logging.GetLogger("metrics"))
		if err != nil {
			return 1, fmt.Errorf("start metrics server: %w", err)
		}
		r.logger.Info("Serving metrics", "addr", addr.String())
	}

	reloads := r.watch(ctx)
	defer r.stopWatchers()

	g, err := r.launch(ctx, def)
	if err != nil {
		return 1, err
	}
	r.notifier.Ready()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Shutdown requested", "supervisor", g.def.Process.Name, "stop_timeout", g.def.StopTimeoutDuration())
			r.notifier.Stopping()
			return r.shutdown(g), nil

		case st := <-g.exited:
			r.notifier.Stopping()
			code := exitCode(g.sup, st)
			r.report(g, st, code)
			_ = g.sup.Close()
			return code, nil

		case next := <-reloads:
			if g, err = r.reload(ctx, g, next); err != nil {
				return 1, err
			}
		}
	}
}

// launch creates and starts a supervisor for def.
func (r *runner) launch(ctx context.Context, def config.Definition) (*generation, error) {
	cfg, err := def.SupervisorConfig()
	if err != nil {
		return nil, err
	}

	opts := []supervisor.Option{
		supervisor.WithMetrics(r.opts.MetricsAddr != ""),
		supervisor.WithRecentOutput(recentOutputLines),
	}
	if r.opts.KillTimeout > 0 {
		opts = append(opts, supervisor.WithKillTimeout(r.opts.KillTimeout))
	}
	sup, err := supervisor.New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	g := &generation{sup: sup, def: def, exited: make(chan supervisor.State, 1)}
	sup.OnStateChange(func(ev supervisor.StateChange) {
		r.notifier.Status("%s: %s", ev.Supervisor, ev.To)
		if st := supervisor.State(ev.To); st.IsTerminal() {
			select {
			case g.exited <- st:
			default:
			}
		}
	})

	r.logger.Info("Starting process", "supervisor", cfg.Name, "run_type", cfg.RunType, "executable", cfg.Executable)
	if err := sup.Start(ctx); err != nil {
		_ = sup.Close()
		return nil, err
	}
	return g, nil
}

// reload replaces g with a supervisor for def when def differs.
func (r *runner) reload(ctx context.Context, g *generation, def config.Definition) (*generation, error) {
	if err := def.Validate(); err != nil {
		r.logger.Error("Ignoring invalid definition", "path", r.opts.Definition, "error", err)
		return g, nil
	}
	if reflect.DeepEqual(def, g.def) {
		r.logger.Debug("Definition unchanged", "path", r.opts.Definition)
		return g, nil
	}

	r.logger.Info("Definition changed, restarting process", "supervisor", g.def.Process.Name)
	r.notifier.Reloading()

	r.stop(g)
	_ = g.sup.Close()

	next, err := r.launch(ctx, def)
	if err != nil {
		return nil, err
	}
	r.notifier.Ready()
	return next, nil
}

// shutdown stops the current process and returns its exit code.
func (r *runner) shutdown(g *generation) int {
	r.stop(g)
	st := g.sup.CurrentState()
	code := exitCode(g.sup, st)
	r.report(g, st, code)
	_ = g.sup.Close()
	return code
}

func (r *runner) stop(g *generation) {
	timeout := g.def.StopTimeoutDuration()
	grace := r.opts.KillTimeout
	if grace <= 0 {
		grace = defaultKillTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+grace)
	defer cancel()
	if err := g.sup.Stop(ctx, timeout); err != nil {
		r.logger.Warn("Stop did not complete", "supervisor", g.def.Process.Name, "error", err)
	}
}

// report logs how the process ended. Failures include the last lines of
// process output, kept by the supervisor regardless of the child log level.
func (r *runner) report(g *generation, st supervisor.State, code int) {
	name := g.def.Process.Name
	switch st {
	case supervisor.StateStartFailed:
		r.logger.Error("Process failed to start", "supervisor", name, "error", g.sup.StartError())
		return
	case supervisor.StateExitedSuccessfully:
		r.logger.Info("Process finished", "supervisor", name, "state", st, "exit_code", code)
		return
	}

	r.logger.Warn("Process finished", "supervisor", name, "state", st, "exit_code", code)
	if lines := g.sup.RecentOutput(); len(lines) > 0 {
		r.logger.Warn("Recent process output", "supervisor", name, "lines", lines)
	}
}

// watch reloads the definition, and logging levels from the config file,
// when --watch is set. The returned channel always holds the newest definition.
func (r *runner) watch(ctx context.Context) <-chan config.Definition {
	if !r.opts.Watch {
		return nil
	}
	logger := logging.GetLogger("config")
	reloads := make(chan config.Definition, 1)

	defWatcher := config.NewWatcher(r.opts.Definition, config.LoadDefinition, logger)
	defWatcher.OnReload(func(def config.Definition) {
		for {
			select {
			case reloads <- def:
				return
			default:
				select {
				case <-reloads:
				default:
				}
			}
		}
	})
	r.startWatcher(ctx, defWatcher.Start, defWatcher.Stop)

	if _, err := os.Stat(r.opts.Config); err == nil {
		cfgWatcher := config.NewWatcher(r.opts.Config, config.LoadLoggingConfig, logger)
		cfgWatcher.OnReload(applyModuleLevels)
		r.startWatcher(ctx, cfgWatcher.Start, cfgWatcher.Stop)
	}
	return reloads
}

func (r *runner) startWatcher(ctx context.Context, start func(context.Context) error, stop func() error) {
	if err := start(ctx); err != nil {
		r.logger.Warn("Failed to start file watcher", "error", err)
		return
	}
	r.stops = append(r.stops, stop)
}

func (r *runner) stopWatchers() {
	for _, stop := range r.stops {
		_ = stop()
	}
}

func applyModuleLevels(cfg logging.Config) {
	logger := logging.GetLogger("config")
	for module, level := range cfg.Modules {
		if err := logging.SetModuleLevel(module, level); err != nil {
			logger.Warn("Ignoring module log level", "module", module, "error", err)
			continue
		}
		logger.Info("Module log level changed", "module", module, "level", level)
	}
}

// exitCode maps a terminal state to forker's exit code.
func exitCode(sup *supervisor.Supervisor, st supervisor.State) int {
	info, _ := sup.ProcessInfo()
	switch st {
	case supervisor.StateExitedSuccessfully:
		return 0
	case supervisor.StateExitedKilled:
		if info.ExitCode != 0 {
			return info.ExitCode
		}
		return killedExitCode
	case supervisor.StateExitedWithError:
		if info.ExitCode != 0 {
			return info.ExitCode
		}
		return 1
	default:
		// StartFailed, or a process that never reached a terminal state.
		return 1
	}
}
