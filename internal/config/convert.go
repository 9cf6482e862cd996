package config

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/wisp/internal/cache"
	"github.com/danmuck/wisp/internal/cluster"
	"github.com/danmuck/wisp/internal/dispatch"
	"github.com/danmuck/wisp/internal/gateway"
	"github.com/danmuck/wisp/internal/logging"
	"github.com/danmuck/wisp/internal/protocol/wire"
	"github.com/danmuck/wisp/internal/rest"
	"github.com/danmuck/wisp/internal/standby"
	"github.com/danmuck/wisp/internal/testutil/gwtest"
)

// GatewaySettings maps the file sections onto one shard's runtime config.
// Zero values stay zero so the gateway package fills its own defaults.
func GatewaySettings(cfg BotConfig) gateway.Config {
	out := gateway.Config{
		URL:                strings.TrimSpace(cfg.GatewayURL),
		Token:              cfg.Token,
		Intents:            wire.Intent(cfg.Gateway.Intents),
		ConnectTimeout:     msDuration(cfg.Gateway.ConnectTimeoutMS),
		HandshakeTimeout:   msDuration(cfg.Gateway.HandshakeTimeoutMS),
		HeartbeatTolerance: cfg.Gateway.HeartbeatTolerance,
	}
	out.Backoff = gateway.BackoffConfig{
		InitialDelay: msDuration(cfg.Gateway.Backoff.InitialDelayMS),
		Multiplier:   cfg.Gateway.Backoff.Multiplier,
		MaxDelay:     msDuration(cfg.Gateway.Backoff.MaxDelayMS),
		Jitter:       !cfg.Gateway.Backoff.NoJitter,
	}
	return out
}

func ClusterSettings(cfg BotConfig) cluster.Config {
	return cluster.Config{
		ShardCount:           cfg.Cluster.Shards,
		Gateway:              GatewaySettings(cfg),
		EventBuffer:          cfg.Cluster.EventBuffer,
		StartStagger:         msDuration(cfg.Cluster.StartStaggerMS),
		MaxReconnectAttempts: cfg.Cluster.MaxReconnectAttempts,
	}
}

func CacheSettings(cfg BotConfig) cache.Config {
	return cache.Config{
		RecentDeleteLimit: cfg.Cache.RecentDeleteLimit,
		MessageLimit:      cfg.Cache.MessageLimit,
	}
}

func StandbySettings(cfg BotConfig) standby.Config {
	return standby.Config{MaxPending: cfg.Standby.MaxPending}
}

func DispatchSettings(cfg BotConfig) dispatch.Config {
	return dispatch.Config{
		ShardQueueSize: cfg.Dispatch.ShardQueueSize,
		CommandWorkers: cfg.Dispatch.CommandWorkers,
	}
}

func RestSettings(cfg BotConfig) rest.Config {
	out := rest.DefaultConfig()
	out.BaseURL = strings.TrimSpace(cfg.APIBaseURL)
	out.Token = cfg.Token
	return out
}

func LoggingSettings(cfg BotConfig) logging.Config {
	out := logging.Config{Format: strings.TrimSpace(cfg.Logging.Format)}
	if lvl, ok := logging.ParseLevel(cfg.Logging.Level); ok {
		out.Level = lvl
	} else {
		out.Level = zerolog.InfoLevel
	}
	return out
}

func SimSettings(cfg SimConfig) gwtest.Config {
	return gwtest.Config{
		Token:               cfg.Token,
		TotalShards:         cfg.TotalShards,
		HeartbeatIntervalMS: cfg.HeartbeatIntervalMS,
		ReplayBufferSize:    cfg.ReplayBufferSize,
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
