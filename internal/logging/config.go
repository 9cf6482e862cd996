package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "WISP_LOG_LEVEL"
	EnvLogFormat  = "WISP_LOG_FORMAT"
	EnvLogCaller  = "WISP_LOG_CALLER"
	EnvLogNoColor = "WISP_LOG_NOCOLOR"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config controls construction of the process-global logger.
type Config struct {
	Level      zerolog.Level
	Format     string
	WithCaller bool
	NoColor    bool
	TimeFormat string
}

var configureOnce sync.Once

func ConfigureRuntime(app string) {
	Configure(ProfileRuntime, app)
}

func ConfigureTests() {
	Configure(ProfileTest, "test")
}

func Configure(profile Profile, app string) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg)
		install(cfg, app)
	})
}

// ConfigureFrom installs cfg as the process-global logger. Environment
// overrides still win so operators can crank verbosity without edits.
func ConfigureFrom(cfg Config, app string) {
	configureOnce.Do(func() {
		def := defaultConfig(ProfileRuntime)
		if cfg.Format == "" {
			cfg.Format = def.Format
		}
		if cfg.TimeFormat == "" {
			cfg.TimeFormat = def.TimeFormat
		}
		applyEnvOverrides(&cfg)
		install(cfg, app)
	})
}

func install(cfg Config, app string) {
	logger := New(cfg, app, os.Stdout)
	zerolog.SetGlobalLevel(cfg.Level)
	log.Logger = logger
}

// New builds a logger from cfg without touching the global.
func New(cfg Config, app string, out io.Writer) zerolog.Logger {
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: cfg.TimeFormat,
			NoColor:    cfg.NoColor,
		}
	}
	ctx := zerolog.New(out).Level(cfg.Level).With().Timestamp()
	if app != "" {
		ctx = ctx.Str("app", app)
	}
	if cfg.WithCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

func defaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{
			Level:   zerolog.DebugLevel,
			Format:  "console",
			NoColor: true,
		}
	default:
		return Config{
			Level:      zerolog.InfoLevel,
			Format:     "console",
			TimeFormat: time.RFC3339,
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if format := strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat))); format == "json" || format == "console" {
		cfg.Format = format
	}
	if v, ok := parseBool(os.Getenv(EnvLogCaller)); ok {
		cfg.WithCaller = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

// ParseLevel maps a config or env string onto a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
