package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/forker/internal/supervisor"
	"github.com/smazurov/forker/internal/version"
)

func runCLI(t *testing.T, args ...string) (string, int) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	code := execute(root, args)
	return out.String(), code
}

func writeDefinition(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, code := runCLI(t, "version")
	require.Equal(t, 0, code)

	var info version.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Get(), info)
}

func TestGraphCommand(t *testing.T) {
	out, code := runCLI(t, "graph", "--name", "worker")
	require.Equal(t, 0, code)
	assert.Equal(t, supervisor.LifecycleGraph("worker"), out)
}

func TestGraphCommandNameFromDefinition(t *testing.T) {
	path := writeDefinition(t, "web.toml", "[process]\nrun_type = \"non-terminating\"\nexecutable = \"sh\"\n")

	out, code := runCLI(t, "graph", "--definition", path)
	require.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(out, `digraph "web" {`), out)
}

func TestValidateCommand(t *testing.T) {
	valid := writeDefinition(t, "ok.yaml", "process:\n  run_type: self-terminating\n  executable: /bin/true\n")
	out, code := runCLI(t, "validate", "--definition", valid)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "ok (ok, self-terminating, stop timeout 5s)")

	out, code = runCLI(t, "validate", "-q", "-d", valid)
	assert.Equal(t, 0, code)
	assert.Empty(t, out)

	invalid := writeDefinition(t, "bad.toml", "[process]\nrun_type = \"maybe\"\nstop_timeout = \"-3s\"\n")
	out, code = runCLI(t, "validate", "--definition", invalid)
	assert.Equal(t, 1, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 3, out)
	assert.Contains(t, out, "process.executable is required")

	_, code = runCLI(t, "validate", "--definition", filepath.Join(t.TempDir(), "missing.toml"))
	assert.Equal(t, 1, code)
}

func TestUnknownCommand(t *testing.T) {
	out, code := runCLI(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Error:")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"success", "exit 0", 0},
		{"error", "exit 7", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &RunOptions{Definition: writeDefinition(t, "job.toml",
				"[process]\nrun_type = \"self-terminating\"\nexecutable = \"sh\"\nargs = [\"-c\", \""+tt.script+"\"]\n")}

			code, err := Run(context.Background(), opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestRunStartFailure(t *testing.T) {
	opts := &RunOptions{Definition: writeDefinition(t, "broken.toml",
		"[process]\nrun_type = \"self-terminating\"\nexecutable = \"/nonexistent/forker-binary\"\n")}

	code, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
}

func TestRunInvalidDefinition(t *testing.T) {
	opts := &RunOptions{Definition: writeDefinition(t, "invalid.toml", "[process]\nrun_type = \"self-terminating\"\n")}

	code, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestRunStopsOnCancel(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"cooperative", `trap 'exit 0' INT; while :; do sleep 0.05; done`, 0},
		{"stubborn", `trap '' INT; while :; do sleep 0.05; done`, 137},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &RunOptions{Definition: writeDefinition(t, "daemon.toml",
				"[process]\nrun_type = \"non-terminating\"\nexecutable = \"sh\"\nstop_timeout = \"300ms\"\nargs = [\"-c\", \""+tt.script+"\"]\n")}

			ctx, cancel := context.WithCancel(context.Background())
			type result struct {
				code int
				err  error
			}
			done := make(chan result, 1)
			go func() {
				code, err := Run(ctx, opts)
				done <- result{code, err}
			}()

			// Give the shell time to install its trap.
			time.Sleep(300 * time.Millisecond)
			cancel()

			select {
			case res := <-done:
				require.NoError(t, res.err)
				assert.Equal(t, tt.want, res.code)
			case <-time.After(10 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
	}
}

func TestRunReloadsDefinition(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "second-ran")
	path := filepath.Join(dir, "process.toml")
	first := "[process]\nname = \"reload\"\nrun_type = \"non-terminating\"\nexecutable = \"sh\"\nstop_timeout = \"0s\"\nargs = [\"-c\", \"while :; do sleep 0.05; done\"]\n"
	second := "[process]\nname = \"reload\"\nrun_type = \"self-terminating\"\nexecutable = \"sh\"\nargs = [\"-c\", \"touch " + marker + "; exit 3\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(first), 0o644))

	opts := &RunOptions{Definition: path, Watch: true, Config: filepath.Join(dir, "forker.toml")}
	done := make(chan int, 1)
	go func() {
		code, _ := Run(context.Background(), opts)
		done <- code
	}()

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(second), 0o644))

	select {
	case code := <-done:
		assert.Equal(t, 3, code)
		assert.FileExists(t, marker)
	case <-time.After(10 * time.Second):
		t.Fatal("reloaded definition did not run")
	}
}

func TestExitCodeMapping(t *testing.T) {
	sup, err := supervisor.New(supervisor.Config{Name: "map", RunType: supervisor.SelfTerminating, Executable: "true"})
	require.NoError(t, err)
	defer sup.Close()

	assert.Equal(t, 0, exitCode(sup, supervisor.StateExitedSuccessfully))
	assert.Equal(t, 1, exitCode(sup, supervisor.StateStartFailed))
	assert.Equal(t, killedExitCode, exitCode(sup, supervisor.StateExitedKilled))
	assert.Equal(t, 1, exitCode(sup, supervisor.StateExitedWithError))
	assert.Equal(t, 1, exitCode(sup, supervisor.StateRunning))
}

func TestLoggingConfigFromOptions(t *testing.T) {
	opts := &RunOptions{LoggingLevel: "warn", LoggingFormat: "json", LoggingChild: "debug"}
	cfg := opts.loggingConfig(map[string]string{"child": "error", "metrics": "debug"})

	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, map[string]string{"child": "debug", "metrics": "debug"}, cfg.Modules)

	assert.Empty(t, (&RunOptions{}).loggingConfig(nil).Modules)
}
