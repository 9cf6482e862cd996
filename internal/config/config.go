package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/wisp/internal/logging"
)

// BotConfig is the on-disk shape of a bot deployment. Zero values defer
// to the runtime defaults of the package that owns each knob.
type BotConfig struct {
	Name       string `toml:"name"`
	Token      string `toml:"token"`
	APIBaseURL string `toml:"api_base_url"`
	// GatewayURL overrides bootstrap discovery when set.
	GatewayURL string `toml:"gateway_url"`

	Cluster  ClusterSection  `toml:"cluster"`
	Gateway  GatewaySection  `toml:"gateway"`
	Cache    CacheSection    `toml:"cache"`
	Standby  StandbySection  `toml:"standby"`
	Dispatch DispatchSection `toml:"dispatch"`
	Command  CommandSection  `toml:"command"`
	Admin    AdminSection    `toml:"admin"`
	Logging  LoggingSection  `toml:"logging"`
}

type ClusterSection struct {
	// Shards of zero resolves the count from the API.
	Shards               int `toml:"shards"`
	EventBuffer          int `toml:"event_buffer"`
	StartStaggerMS       int `toml:"start_stagger_ms"`
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
}

type GatewaySection struct {
	Intents            int64          `toml:"intents"`
	ConnectTimeoutMS   int            `toml:"connect_timeout_ms"`
	HandshakeTimeoutMS int            `toml:"handshake_timeout_ms"`
	HeartbeatTolerance int            `toml:"heartbeat_tolerance"`
	Backoff            BackoffSection `toml:"backoff"`
}

type BackoffSection struct {
	InitialDelayMS int     `toml:"initial_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
	MaxDelayMS     int     `toml:"max_delay_ms"`
	NoJitter       bool    `toml:"no_jitter"`
}

type CacheSection struct {
	RecentDeleteLimit int `toml:"recent_delete_limit"`
	MessageLimit      int `toml:"message_limit"`
}

type StandbySection struct {
	MaxPending int `toml:"max_pending"`
}

type DispatchSection struct {
	ShardQueueSize int `toml:"shard_queue_size"`
	CommandWorkers int `toml:"command_workers"`
}

type CommandSection struct {
	Prefix string `toml:"prefix"`
}

type AdminSection struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type LoggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// SimConfig is the on-disk shape of a standalone gateway simulator.
type SimConfig struct {
	Addr                string `toml:"addr"`
	Token               string `toml:"token"`
	TotalShards         int    `toml:"total_shards"`
	HeartbeatIntervalMS int    `toml:"heartbeat_interval_ms"`
	ReplayBufferSize    int    `toml:"replay_buffer_size"`
}

func LoadBotConfig(path string) (BotConfig, error) {
	var cfg BotConfig
	if err := loadToml(path, &cfg); err != nil {
		return BotConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "wisp"
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":9300"
	}
	if err := ValidateBotConfig(cfg); err != nil {
		return BotConfig{}, err
	}
	return cfg, nil
}

func LoadSimConfig(path string) (SimConfig, error) {
	var cfg SimConfig
	if err := loadToml(path, &cfg); err != nil {
		return SimConfig{}, err
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9400"
	}
	if err := ValidateSimConfig(cfg); err != nil {
		return SimConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// ValidateBotConfig checks file-level coherence. The token is allowed to
// be empty here so deployments can inject it from the environment.
func ValidateBotConfig(cfg BotConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("bot config missing name")
	}
	if cfg.Cluster.Shards < 0 {
		return fmt.Errorf("cluster shards must not be negative")
	}
	if cfg.Cluster.MaxReconnectAttempts < 0 {
		return fmt.Errorf("cluster max_reconnect_attempts must not be negative")
	}
	if cfg.Gateway.Backoff.Multiplier < 0 {
		return fmt.Errorf("gateway backoff multiplier must not be negative")
	}
	if prefix := cfg.Command.Prefix; prefix != strings.TrimSpace(prefix) || strings.ContainsAny(prefix, " \t") {
		return fmt.Errorf("command prefix must not contain whitespace")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logging.ParseLevel(lvl); !ok {
			return fmt.Errorf("unknown logging level: %s", lvl)
		}
	}
	if format := strings.TrimSpace(cfg.Logging.Format); format != "" && format != "json" && format != "console" {
		return fmt.Errorf("logging format must be json or console")
	}
	if strings.TrimSpace(cfg.GatewayURL) == "" && strings.TrimSpace(cfg.APIBaseURL) == "" {
		return fmt.Errorf("bot config needs gateway_url or api_base_url")
	}
	return nil
}

func ValidateSimConfig(cfg SimConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("sim config missing addr")
	}
	if cfg.TotalShards < 0 {
		return fmt.Errorf("sim total_shards must not be negative")
	}
	if cfg.HeartbeatIntervalMS < 0 {
		return fmt.Errorf("sim heartbeat_interval_ms must not be negative")
	}
	return nil
}
