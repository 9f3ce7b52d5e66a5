package config

import (
	"errors"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/forker/internal/process"
	"github.com/smazurov/forker/internal/supervisor"
)

const sampleTOML = `
[process]
name = "worker"
run_type = "non-terminating"
working_dir = "work"
executable = "sh"
args = ["-c", "trap 'exit 0' INT; while :; do sleep 1; done"]
stop_timeout = "3s"
shutdown_signal = "SIGTERM"
parse_log_level = true

[process.env]
GREETING = "hello"
`

const sampleYAML = `
process:
  name: worker
  run_type: non-terminating
  working_dir: work
  executable: sh
  args: ["-c", "trap 'exit 0' INT; while :; do sleep 1; done"]
  stop_timeout: 3s
  shutdown_signal: SIGTERM
  parse_log_level: true
  env:
    GREETING: hello
`

func TestLoadDefinitionFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "process.toml", sampleTOML},
		{"yaml", "process.yaml", sampleYAML},
		{"yml", "process.yml", sampleYAML},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)

			def, err := LoadDefinition(path)
			require.NoError(t, err)
			require.NoError(t, def.Validate())

			want := ProcessDefinition{
				Name:           "worker",
				RunType:        "non-terminating",
				WorkingDir:     filepath.Join(filepath.Dir(path), "work"),
				Executable:     "sh",
				Args:           []string{"-c", "trap 'exit 0' INT; while :; do sleep 1; done"},
				Env:            map[string]string{"GREETING": "hello"},
				StopTimeout:    "3s",
				ShutdownSignal: "SIGTERM",
				ParseLogLevel:  true,
			}
			if diff := cmp.Diff(want, def.Process); diff != "" {
				t.Errorf("definition mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, 3*time.Second, def.StopTimeoutDuration())
		})
	}
}

func TestLoadDefinitionDefaults(t *testing.T) {
	path := writeFile(t, "backup-job.toml", "[process]\nrun_type = \"self-terminating\"\nexecutable = \"/bin/true\"\nworking_dir = \"/tmp\"\n")

	def, err := LoadDefinition(path)
	require.NoError(t, err)

	assert.Equal(t, "backup-job", def.Process.Name)
	assert.Equal(t, "/tmp", def.Process.WorkingDir)
	assert.Equal(t, DefaultStopTimeout, def.StopTimeoutDuration())
}

func TestLoadDefinitionErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"unknown extension", "process.ini", "[process]\n", "unsupported definition format"},
		{"bad toml", "process.toml", "[process\n", "parse TOML"},
		{"unknown toml key", "process.toml", "[process]\nexecutable = \"sh\"\nrestart = true\n", "parse TOML"},
		{"bad yaml", "process.yaml", "process: [", "parse YAML"},
		{"unknown yaml key", "process.yaml", "process:\n  executable: sh\n  restart: true\n", "parse YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDefinition(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := LoadDefinition(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	def := Definition{Process: ProcessDefinition{
		RunType:        "sometimes",
		StopTimeout:    "soon",
		ShutdownSignal: "SIGBOGUS",
		Env:            map[string]string{"A=B": "x"},
	}}

	err := def.Validate()
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"process.executable is required",
		"process.run_type",
		"process.stop_timeout",
		"process.shutdown_signal",
		"process.env",
	} {
		assert.Contains(t, msg, want)
	}

	var joined interface{ Unwrap() []error }
	require.True(t, errors.As(err, &joined))
	assert.Len(t, joined.Unwrap(), 5)
}

func TestValidateNegativeStopTimeout(t *testing.T) {
	def := Definition{Process: ProcessDefinition{RunType: "self-terminating", Executable: "true", StopTimeout: "-1s"}}
	err := def.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be negative")
	assert.Equal(t, DefaultStopTimeout, def.StopTimeoutDuration())
}

func TestValidateMissingRunType(t *testing.T) {
	def := Definition{Process: ProcessDefinition{Executable: "true"}}
	err := def.Validate()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "process.run_type is required"))
}

func TestZeroStopTimeoutMeansKill(t *testing.T) {
	def := Definition{Process: ProcessDefinition{StopTimeout: "0s"}}
	assert.Equal(t, time.Duration(0), def.StopTimeoutDuration())
}

func TestSupervisorConfig(t *testing.T) {
	def, err := LoadDefinition(writeFile(t, "process.toml", sampleTOML))
	require.NoError(t, err)

	cfg, err := def.SupervisorConfig()
	require.NoError(t, err)

	assert.Equal(t, "worker", cfg.Name)
	assert.Equal(t, supervisor.NonTerminating, cfg.RunType)
	assert.Equal(t, "sh", cfg.Executable)
	assert.Equal(t, def.Process.Args, cfg.Args)
	assert.Equal(t, map[string]string{"GREETING": "hello"}, cfg.Env)
	assert.Equal(t, process.SignalShutdown(syscall.SIGTERM), cfg.Shutdown)
	require.NotNil(t, cfg.LogParser)

	level, msg := cfg.LogParser("[warning] disk low")
	assert.Equal(t, "warning", level)
	assert.Equal(t, "disk low", msg)

	// The config owns its slices and maps.
	cfg.Args[0] = "changed"
	cfg.Env["GREETING"] = "changed"
	assert.Equal(t, "-c", def.Process.Args[0])
	assert.Equal(t, "hello", def.Process.Env["GREETING"])
}

func TestSupervisorConfigInvalid(t *testing.T) {
	_, err := Definition{}.SupervisorConfig()
	require.Error(t, err)
}

func TestSupervisorConfigDefaultShutdown(t *testing.T) {
	def := Definition{Process: ProcessDefinition{Name: "job", RunType: "self-terminating", Executable: "true"}}
	cfg, err := def.SupervisorConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg.Shutdown)
	assert.Nil(t, cfg.LogParser)
	assert.Nil(t, cfg.Env)
}
