package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultConfigPath = ".forseti.toml"

	defaultTimeoutMS    = 30000
	maxHandshakeMS      = 10000
	defaultDrainGraceMS = 2000
	defaultRetention    = 30
)

type Config struct {
	Forseti Settings                 `toml:"forseti"`
	Engines map[string]any           `toml:"engines"`
	Engine  map[string]EngineRuntime `toml:"engine"`
	Files   Files                    `toml:"files"`
}

type Settings struct {
	MaxWorkers           int    `toml:"max_workers" validate:"gte=1,lte=1024"`
	TimeoutMS            int    `toml:"timeout_ms" validate:"gte=1"`
	HandshakeTimeoutMS   int    `toml:"handshake_timeout_ms" validate:"gte=0"`
	DrainGraceMS         int    `toml:"drain_grace_ms" validate:"gte=0"`
	BatchSize            int    `toml:"batch_size" validate:"gte=0"`
	CacheDir             string `toml:"cache_dir"`
	RegistryURL          string `toml:"registry_url" validate:"omitempty,url"`
	Platform             string `toml:"platform"`
	LogFormat            string `toml:"log_format" validate:"oneof=json text"`
	LogLevel             string `toml:"log_level" validate:"oneof=debug info warn error"`
	HistoryRetentionDays int    `toml:"history_retention_days" validate:"gte=0"`
}

// EngineRuntime is the [engine.<id>] table. Rules values are either a
// severity string or [severity, {options}].
type EngineRuntime struct {
	Enabled *bool          `toml:"enabled"`
	Rules   map[string]any `toml:"rules"`
}

type Files struct {
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

// ConfigurationError collects every problem found while loading so a user
// can fix them in one pass.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid configuration (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func Default() Config {
	return Config{
		Forseti: Settings{
			MaxWorkers:           runtime.NumCPU(),
			TimeoutMS:            defaultTimeoutMS,
			DrainGraceMS:         defaultDrainGraceMS,
			LogFormat:            "text",
			LogLevel:             "info",
			HistoryRetentionDays: defaultRetention,
		},
		Engines: map[string]any{},
		Engine:  map[string]EngineRuntime{},
	}
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads path over the defaults, applies FORSETI_* overrides and
// validates. A missing file is reported with an error wrapping
// fs.ErrNotExist.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw, path)
}

// LoadOrDefault is Load, but a missing file yields the defaults.
func LoadOrDefault(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		if err := applyEnvOverrides(&cfg); err != nil {
			return Config{}, err
		}
		return cfg, cfg.Validate()
	}
	return cfg, err
}

func Parse(raw []byte, name string) (Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, &ConfigurationError{Problems: []string{decodeProblem(name, err)}}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeProblem(name string, err error) string {
	var derr *toml.DecodeError
	if errors.As(err, &derr) {
		row, col := derr.Position()
		return fmt.Sprintf("%s:%d:%d: %s", name, row, col, derr.Error())
	}
	var serr *toml.StrictMissingError
	if errors.As(err, &serr) {
		keys := make([]string, 0, len(serr.Errors))
		for _, e := range serr.Errors {
			keys = append(keys, strings.Join(e.Key(), "."))
		}
		return fmt.Sprintf("%s: unknown keys: %s", name, strings.Join(keys, ", "))
	}
	return fmt.Sprintf("%s: %v", name, err)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (c Config) Validate() error {
	var errs []string

	if err := validate.Struct(c.Forseti); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fieldProblem(fe))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	_, depProblems := c.dependencies()
	errs = append(errs, depProblems...)
	_, ruleProblems := c.rulesets()
	errs = append(errs, ruleProblems...)

	for _, group := range []struct {
		name     string
		patterns []string
	}{{"files.include", c.Files.Include}, {"files.exclude", c.Files.Exclude}} {
		for _, p := range group.patterns {
			if strings.TrimSpace(p) == "" || !doublestar.ValidatePattern(filepath.ToSlash(p)) {
				errs = append(errs, fmt.Sprintf("%s contains invalid glob %q", group.name, p))
			}
		}
	}

	if len(errs) > 0 {
		return &ConfigurationError{Problems: errs}
	}
	return nil
}

func fieldProblem(fe validator.FieldError) string {
	field := "forseti." + fe.Field()
	switch fe.Tag() {
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// EngineEnabled reports whether [engine.<id>] leaves the engine on.
func (c Config) EngineEnabled(id string) bool {
	rt, ok := c.Engine[id]
	if !ok || rt.Enabled == nil {
		return true
	}
	return *rt.Enabled
}

func (s Settings) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// HandshakeTimeout defaults to the request timeout capped at ten seconds.
func (s Settings) HandshakeTimeout() time.Duration {
	if s.HandshakeTimeoutMS > 0 {
		return time.Duration(s.HandshakeTimeoutMS) * time.Millisecond
	}
	ms := s.TimeoutMS
	if ms <= 0 || ms > maxHandshakeMS {
		ms = maxHandshakeMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (s Settings) DrainGrace() time.Duration {
	return time.Duration(s.DrainGraceMS) * time.Millisecond
}

func (s Settings) HistoryRetention() time.Duration {
	return time.Duration(s.HistoryRetentionDays) * 24 * time.Hour
}

// CacheRoot expands cache_dir, defaulting to ~/.forseti/cache.
func (s Settings) CacheRoot() (string, error) {
	dir := s.CacheDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, ".forseti", "cache"), nil
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return filepath.Abs(dir)
}

func applyEnvOverrides(cfg *Config) error {
	var errs []string
	intVar := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be an integer", key))
			return
		}
		*dst = parsed
	}
	strVar := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	intVar("FORSETI_MAX_WORKERS", &cfg.Forseti.MaxWorkers)
	intVar("FORSETI_TIMEOUT_MS", &cfg.Forseti.TimeoutMS)
	strVar("FORSETI_CACHE_DIR", &cfg.Forseti.CacheDir)
	strVar("FORSETI_REGISTRY_URL", &cfg.Forseti.RegistryURL)
	strVar("FORSETI_PLATFORM", &cfg.Forseti.Platform)
	strVar("FORSETI_LOG_FORMAT", &cfg.Forseti.LogFormat)
	strVar("FORSETI_LOG_LEVEL", &cfg.Forseti.LogLevel)

	if len(errs) > 0 {
		sort.Strings(errs)
		return &ConfigurationError{Problems: errs}
	}
	return nil
}
