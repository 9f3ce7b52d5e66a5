package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/smazurov/forker/internal/logging"
)

// EnvPrefix is prepended to every env tag.
const EnvPrefix = "FORKER_"

var durationType = reflect.TypeOf(time.Duration(0))

// option is one tagged field of an options struct.
type option struct {
	flag  string
	key   string
	env   string
	value reflect.Value
}

// LoadConfig fills opts from the TOML file named by its Config field and
// from FORKER_* environment variables. Precedence is CLI flags, then
// environment, then file: fields whose flag was set on cmd are left alone.
//
// Fields are mapped with tags:
//
//	KillTimeout time.Duration `toml:"run.kill_timeout" env:"KILL_TIMEOUT"`
//
// A missing file is not an error. Values of the wrong type are, and every
// such problem is reported.
func LoadConfig(opts any, cmd *cobra.Command) error {
	rv := reflect.ValueOf(opts)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: %T is not a pointer to a struct", opts)
	}

	options, path := collectOptions(rv.Elem())
	file, err := readTOML(path)
	if err != nil {
		return err
	}
	fromCLI := changedFlags(cmd)

	var errs []error
	for _, o := range options {
		if fromCLI[o.flag] {
			continue
		}
		if raw, ok := lookup(file, o.key); ok {
			if err := assign(o.value, raw); err != nil {
				errs = append(errs, fmt.Errorf("%s: %s: %w", path, o.key, err))
			}
		}
		if o.env == "" {
			continue
		}
		if s := os.Getenv(EnvPrefix + o.env); s != "" {
			if err := assignString(o.value, s); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, o.env, err))
			}
		}
	}
	return errors.Join(errs...)
}

// collectOptions returns the tagged fields of v and the value of its Config
// field, the options file path.
func collectOptions(v reflect.Value) ([]option, string) {
	var (
		options []option
		path    string
	)
	t := v.Type()
	for i := range t.NumField() {
		sf := t.Field(i)
		if sf.Name == "Config" && sf.Type.Kind() == reflect.String {
			path = v.Field(i).String()
			continue
		}
		o := option{
			flag:  fieldNameToFlag(sf.Name),
			key:   sf.Tag.Get("toml"),
			env:   sf.Tag.Get("env"),
			value: v.Field(i),
		}
		if (o.key != "" || o.env != "") && o.value.CanSet() {
			options = append(options, o)
		}
	}
	return options, path
}

func changedFlags(cmd *cobra.Command) map[string]bool {
	changed := make(map[string]bool)
	if cmd == nil {
		return changed
	}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			changed[f.Name] = true
		}
	})
	return changed
}

func readTOML(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return doc, nil
}

// fieldNameToFlag converts a struct field name to a CLI flag name:
// "LoggingLevel" becomes "logging-level".
func fieldNameToFlag(name string) string {
	var sb strings.Builder
	for i, r := range name {
		if i > 0 && unicode.IsUpper(r) {
			sb.WriteByte('-')
		}
		sb.WriteRune(unicode.ToLower(r))
	}
	return sb.String()
}

// lookup follows a dotted key through nested tables.
func lookup(doc map[string]any, key string) (any, bool) {
	if key == "" {
		return nil, false
	}
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := doc[part].(map[string]any)
		if !ok {
			return nil, false
		}
		doc = next
	}
	v, ok := doc[parts[len(parts)-1]]
	return v, ok
}

// assign stores a decoded TOML value. Integers given for a duration are
// seconds.
func assign(field reflect.Value, raw any) error {
	if field.Type() == durationType {
		switch v := raw.(type) {
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		case int64:
			field.SetInt(v * int64(time.Second))
			return nil
		}
		return mismatch(field, raw)
	}

	switch field.Kind() {
	case reflect.String:
		if s, ok := raw.(string); ok {
			field.SetString(s)
			return nil
		}
	case reflect.Bool:
		if b, ok := raw.(bool); ok {
			field.SetBool(b)
			return nil
		}
	case reflect.Int, reflect.Int32, reflect.Int64:
		if n, ok := raw.(int64); ok {
			if field.OverflowInt(n) {
				return fmt.Errorf("%d overflows %s", n, field.Type())
			}
			field.SetInt(n)
			return nil
		}
	case reflect.Slice:
		items, ok := raw.([]any)
		if !ok || field.Type().Elem().Kind() != reflect.String {
			break
		}
		out := make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("item %d: want string, got %T", i, item)
			}
			out[i] = s
		}
		field.Set(reflect.ValueOf(out))
		return nil
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return mismatch(field, raw)
}

// assignString stores an environment value. Slices are comma separated.
func assignString(field reflect.Value, s string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported field type %s", field.Type())
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

func mismatch(field reflect.Value, raw any) error {
	return fmt.Errorf("want %s, got %T", field.Type(), raw)
}

// LoadLoggingConfig reads the [logging] table of an options file. Keys
// other than level and format are module levels, as are the entries of a
// [logging.modules] table:
//
//	[logging]
//	level = "info"
//	format = "text"
//	child = "warn"
//
//	[logging.modules]
//	supervisor = "debug"
//
// A missing file yields the defaults (info, text) without an error.
func LoadLoggingConfig(path string) (logging.Config, error) {
	cfg := logging.Config{
		Level:   "info",
		Format:  logging.FormatText,
		Modules: make(map[string]string),
	}

	doc, err := readTOML(path)
	if err != nil {
		return cfg, err
	}
	table, _ := doc["logging"].(map[string]any)

	for key, value := range table {
		switch v := value.(type) {
		case string:
			switch key {
			case "level":
				cfg.Level = v
			case "format":
				cfg.Format = v
			default:
				cfg.Modules[key] = v
			}
		case map[string]any:
			if key != "modules" {
				continue
			}
			for module, level := range v {
				if s, ok := level.(string); ok {
					cfg.Modules[module] = s
				}
			}
		}
	}
	return cfg, nil
}
