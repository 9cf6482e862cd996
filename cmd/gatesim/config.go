package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/wisp/internal/config"
)

// gatesim config.toml key mapping onto simulator runtime settings.
type fileConfig struct {
	Addr                string `toml:"addr"`
	Token               string `toml:"token"`
	TotalShards         int    `toml:"total_shards"`
	HeartbeatIntervalMS int    `toml:"heartbeat_interval_ms"`
	ReplayBufferSize    int    `toml:"replay_buffer_size"`
}

func defaultSimConfig() config.SimConfig {
	return config.SimConfig{
		Addr:  ":9400",
		Token: "sim-token",
	}
}

// gatesim loader for TOML config with default overlay.
func loadSimConfig(path string) (config.SimConfig, error) {
	cfg := defaultSimConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config.SimConfig{}, fmt.Errorf("load sim config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("total_shards") {
		cfg.TotalShards = raw.TotalShards
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		cfg.HeartbeatIntervalMS = raw.HeartbeatIntervalMS
	}
	if meta.IsDefined("replay_buffer_size") {
		cfg.ReplayBufferSize = raw.ReplayBufferSize
	}

	if err := config.ValidateSimConfig(cfg); err != nil {
		return config.SimConfig{}, fmt.Errorf("load sim config: %w", err)
	}
	return cfg, nil
}
