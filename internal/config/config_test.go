package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

// testOptions mirrors the shape of the run command options.
type testOptions struct {
	Config string

	StringField   string        `toml:"test.string_field" env:"STRING_FIELD"`
	BoolField     bool          `toml:"test.bool_field" env:"BOOL_FIELD"`
	IntField      int           `toml:"test.int_field" env:"INT_FIELD"`
	SliceField    []string      `toml:"test.slice_field" env:"SLICE_FIELD"`
	DurationField time.Duration `toml:"test.duration_field" env:"DURATION_FIELD"`

	NestedString string `toml:"nested.value" env:"NESTED_VALUE"`
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigFromTOML(t *testing.T) {
	path := writeFile(t, "forker.toml", `
[test]
string_field = "hello world"
bool_field = true
int_field = 42
slice_field = ["item1", "item2", "item3"]
duration_field = "1m30s"

[nested]
value = "nested value"
`)

	opts := &testOptions{Config: path}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if opts.StringField != "hello world" {
		t.Errorf("StringField = %q, want %q", opts.StringField, "hello world")
	}
	if !opts.BoolField {
		t.Errorf("BoolField = %v, want true", opts.BoolField)
	}
	if opts.IntField != 42 {
		t.Errorf("IntField = %d, want 42", opts.IntField)
	}
	if want := []string{"item1", "item2", "item3"}; !reflect.DeepEqual(opts.SliceField, want) {
		t.Errorf("SliceField = %v, want %v", opts.SliceField, want)
	}
	if opts.DurationField != 90*time.Second {
		t.Errorf("DurationField = %v, want 1m30s", opts.DurationField)
	}
	if opts.NestedString != "nested value" {
		t.Errorf("NestedString = %q, want %q", opts.NestedString, "nested value")
	}
}

func TestLoadConfigDurationSeconds(t *testing.T) {
	path := writeFile(t, "forker.toml", "[test]\nduration_field = 7\n")

	opts := &testOptions{Config: path}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if opts.DurationField != 7*time.Second {
		t.Errorf("DurationField = %v, want 7s", opts.DurationField)
	}
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	t.Setenv("FORKER_STRING_FIELD", "env string")
	t.Setenv("FORKER_BOOL_FIELD", "false")
	t.Setenv("FORKER_INT_FIELD", "123")
	t.Setenv("FORKER_SLICE_FIELD", "a, b,c")
	t.Setenv("FORKER_DURATION_FIELD", "250ms")
	t.Setenv("FORKER_NESTED_VALUE", "env nested")

	opts := &testOptions{BoolField: true}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if opts.StringField != "env string" {
		t.Errorf("StringField = %q", opts.StringField)
	}
	if opts.BoolField {
		t.Errorf("BoolField = %v, want false", opts.BoolField)
	}
	if opts.IntField != 123 {
		t.Errorf("IntField = %d, want 123", opts.IntField)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(opts.SliceField, want) {
		t.Errorf("SliceField = %v, want %v", opts.SliceField, want)
	}
	if opts.DurationField != 250*time.Millisecond {
		t.Errorf("DurationField = %v, want 250ms", opts.DurationField)
	}
	if opts.NestedString != "env nested" {
		t.Errorf("NestedString = %q", opts.NestedString)
	}
}

func TestLoadConfigEnvOverridesToml(t *testing.T) {
	path := writeFile(t, "forker.toml", `
[test]
string_field = "toml value"
bool_field = true
int_field = 100
slice_field = ["toml1", "toml2"]
`)
	t.Setenv("FORKER_STRING_FIELD", "env override")
	t.Setenv("FORKER_BOOL_FIELD", "false")

	opts := &testOptions{Config: path}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if opts.StringField != "env override" {
		t.Errorf("StringField = %q, want env override", opts.StringField)
	}
	if opts.BoolField {
		t.Errorf("BoolField = %v, want false (env override)", opts.BoolField)
	}
	if opts.IntField != 100 {
		t.Errorf("IntField = %d, want 100 (from TOML)", opts.IntField)
	}
	if want := []string{"toml1", "toml2"}; !reflect.DeepEqual(opts.SliceField, want) {
		t.Errorf("SliceField = %v, want %v (from TOML)", opts.SliceField, want)
	}
}

func TestLoadConfigCLIFlagsWin(t *testing.T) {
	path := writeFile(t, "forker.toml", "[test]\nstring_field = \"toml value\"\nint_field = 5\n")
	t.Setenv("FORKER_STRING_FIELD", "env value")
	t.Setenv("FORKER_INT_FIELD", "6")

	opts := &testOptions{Config: path}
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&opts.StringField, "string-field", "", "")
	cmd.Flags().IntVar(&opts.IntField, "int-field", 0, "")
	if err := cmd.Flags().Parse([]string{"--string-field", "cli value"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if err := LoadConfig(opts, cmd); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if opts.StringField != "cli value" {
		t.Errorf("StringField = %q, want cli value", opts.StringField)
	}
	if opts.IntField != 6 {
		t.Errorf("IntField = %d, want 6 (env beats TOML when no flag)", opts.IntField)
	}
}

func TestLookup(t *testing.T) {
	doc := map[string]any{
		"logging": map[string]any{"level": "debug"},
		"top":     "value",
	}

	tests := []struct {
		key    string
		want   any
		wantOK bool
	}{
		{"logging.level", "debug", true},
		{"top", "value", true},
		{"logging.missing", nil, false},
		{"missing.level", nil, false},
		{"top.deeper", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := lookup(doc, tt.key)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("lookup(%q) = %v, %v, want %v, %v", tt.key, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFieldNameToFlag(t *testing.T) {
	tests := map[string]string{
		"Config":        "config",
		"LoggingLevel":  "logging-level",
		"MetricsAddr":   "metrics-addr",
		"DurationField": "duration-field",
	}
	for in, want := range tests {
		if got := fieldNameToFlag(in); got != want {
			t.Errorf("fieldNameToFlag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	path := writeFile(t, "forker.toml", "[test]\nstring_field = 5\nslice_field = [\"a\", 2]\nduration_field = \"soon\"\n")
	t.Setenv("FORKER_INT_FIELD", "abc")

	opts := &testOptions{Config: path, StringField: "keep"}
	err := LoadConfig(opts, nil)
	if err == nil {
		t.Fatal("LoadConfig should fail on values of the wrong type")
	}

	for _, want := range []string{"test.string_field", "test.slice_field", "test.duration_field", "FORKER_INT_FIELD"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
	if opts.StringField != "keep" {
		t.Errorf("StringField = %q, want it untouched", opts.StringField)
	}
}

func TestLoadConfigRequiresStructPointer(t *testing.T) {
	if err := LoadConfig(testOptions{}, nil); err == nil {
		t.Error("LoadConfig should reject a non-pointer")
	}
}

func TestAssignIntOverflow(t *testing.T) {
	var small int32
	if err := assign(reflect.ValueOf(&small).Elem(), int64(1)<<40); err == nil {
		t.Error("assign should report int32 overflow")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	opts := &testOptions{Config: filepath.Join(t.TempDir(), "nonexistent.toml")}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig should not fail for missing file: %v", err)
	}
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	path := writeFile(t, "broken.toml", "[test\ninvalid toml syntax\n")

	if err := LoadConfig(&testOptions{Config: path}, nil); err == nil {
		t.Fatal("LoadConfig should fail for invalid TOML")
	}
}

func TestLoadLoggingConfig(t *testing.T) {
	path := writeFile(t, "forker.toml", `
[logging]
level = "debug"
format = "json"
child = "warn"

[logging.modules]
supervisor = "error"
`)

	cfg, err := LoadLoggingConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Level != "debug" || cfg.Format != "json" {
		t.Errorf("level/format = %q/%q, want debug/json", cfg.Level, cfg.Format)
	}
	want := map[string]string{"child": "warn", "supervisor": "error"}
	if !reflect.DeepEqual(cfg.Modules, want) {
		t.Errorf("Modules = %v, want %v", cfg.Modules, want)
	}
}

func TestLoadLoggingConfigDefaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.toml")} {
		cfg, err := LoadLoggingConfig(path)
		if err != nil || cfg.Level != "info" || cfg.Format != "text" || len(cfg.Modules) != 0 {
			t.Errorf("LoadLoggingConfig(%q) = %+v, want defaults", path, cfg)
		}
	}
}

func TestLoadLoggingConfigInvalid(t *testing.T) {
	path := writeFile(t, "forker.toml", "[logging\n")
	if _, err := LoadLoggingConfig(path); err == nil {
		t.Error("LoadLoggingConfig should fail on invalid TOML")
	}
}
