package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/smazurov/forker/internal/process"
	"github.com/smazurov/forker/internal/supervisor"
)

// DefaultStopTimeout is used when a definition sets no stop_timeout.
const DefaultStopTimeout = 5 * time.Second

// Definition is a process definition file.
type Definition struct {
	Process ProcessDefinition `toml:"process" yaml:"process"`
}

// ProcessDefinition describes one supervised process.
type ProcessDefinition struct {
	Name           string            `toml:"name" yaml:"name"`
	RunType        string            `toml:"run_type" yaml:"run_type"`
	WorkingDir     string            `toml:"working_dir" yaml:"working_dir"`
	Executable     string            `toml:"executable" yaml:"executable"`
	Args           []string          `toml:"args" yaml:"args"`
	Env            map[string]string `toml:"env" yaml:"env"`
	StopTimeout    string            `toml:"stop_timeout" yaml:"stop_timeout"`
	ShutdownSignal string            `toml:"shutdown_signal" yaml:"shutdown_signal"`
	// ParseLogLevel maps "[level] msg" prefixes in child output to log levels.
	ParseLogLevel bool `toml:"parse_log_level" yaml:"parse_log_level"`
}

// LoadDefinition reads a definition from a .toml, .yaml or .yml file.
// Unknown keys are rejected. A relative working_dir is resolved against the
// file's directory and a missing name defaults to the file's base name.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read definition: %w", err)
	}

	var def Definition
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return Definition{}, fmt.Errorf("parse TOML definition %s: %w", path, err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return Definition{}, fmt.Errorf("parse YAML definition %s: %w", path, err)
		}
	default:
		return Definition{}, fmt.Errorf("unsupported definition format %q (want .toml, .yaml or .yml)", ext)
	}

	if def.Process.Name == "" {
		base := filepath.Base(path)
		def.Process.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if wd := def.Process.WorkingDir; wd != "" && !filepath.IsAbs(wd) {
		def.Process.WorkingDir = filepath.Join(filepath.Dir(path), wd)
	}
	return def, nil
}

// Validate reports every problem with the definition.
func (d Definition) Validate() error {
	p := d.Process
	var errs []error

	if strings.TrimSpace(p.Executable) == "" {
		errs = append(errs, errors.New("process.executable is required"))
	}
	if p.RunType == "" {
		errs = append(errs, errors.New("process.run_type is required"))
	} else if _, err := supervisor.ParseRunType(p.RunType); err != nil {
		errs = append(errs, fmt.Errorf("process.run_type: %w", err))
	}
	if p.StopTimeout != "" {
		if d, err := time.ParseDuration(p.StopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("process.stop_timeout: %w", err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("process.stop_timeout must not be negative, got %s", p.StopTimeout))
		}
	}
	if p.ShutdownSignal != "" {
		if _, err := process.ParseSignal(p.ShutdownSignal); err != nil {
			errs = append(errs, fmt.Errorf("process.shutdown_signal: %w", err))
		}
	}
	for k := range p.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			errs = append(errs, fmt.Errorf("process.env: invalid variable name %q", k))
		}
	}

	return errors.Join(errs...)
}

// StopTimeoutDuration returns the graceful stop timeout. Zero means kill
// immediately.
func (d Definition) StopTimeoutDuration() time.Duration {
	if d.Process.StopTimeout == "" {
		return DefaultStopTimeout
	}
	timeout, err := time.ParseDuration(d.Process.StopTimeout)
	if err != nil || timeout < 0 {
		return DefaultStopTimeout
	}
	return timeout
}

// SupervisorConfig converts a valid definition into a supervisor.Config.
func (d Definition) SupervisorConfig() (supervisor.Config, error) {
	if err := d.Validate(); err != nil {
		return supervisor.Config{}, err
	}
	p := d.Process

	runType, _ := supervisor.ParseRunType(p.RunType)
	cfg := supervisor.Config{
		Name:       p.Name,
		RunType:    runType,
		WorkingDir: p.WorkingDir,
		Executable: p.Executable,
		Args:       append([]string(nil), p.Args...),
	}
	if len(p.Env) > 0 {
		cfg.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			cfg.Env[k] = v
		}
	}
	if p.ShutdownSignal != "" {
		sig, _ := process.ParseSignal(p.ShutdownSignal)
		cfg.Shutdown = process.SignalShutdown(sig)
	}
	if p.ParseLogLevel {
		cfg.LogParser = process.ParseLevelPrefix
	}
	return cfg, nil
}
