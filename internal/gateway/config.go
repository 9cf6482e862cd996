package gateway

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/danmuck/wisp/internal/protocol/wire"
)

var ErrInvalidConfig = errors.New("gateway: invalid config")

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines connection and session reliability defaults for one shard.
type Config struct {
	URL                string
	Token              string
	Intents            wire.Intent
	Properties         wire.IdentifyProperties
	Limits             wire.Limits
	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	HeartbeatTolerance int
	Backoff            BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Intents: wire.DefaultIntents(),
		Properties: wire.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "wisp",
			Device:  "wisp",
		},
		Limits:             wire.DefaultLimits(),
		ConnectTimeout:     5 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		HeartbeatTolerance: 2,
		Backoff: BackoffConfig{
			InitialDelay: 1 * time.Second,
			Multiplier:   2.0,
			MaxDelay:     60 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Intents == 0 {
		c.Intents = def.Intents
	}
	if c.Properties == (wire.IdentifyProperties{}) {
		c.Properties = def.Properties
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits.MaxPayloadBytes = def.Limits.MaxPayloadBytes
	}
	if c.Limits.ReadTimeout == 0 {
		c.Limits.ReadTimeout = def.Limits.ReadTimeout
	}
	if c.Limits.WriteTimeout == 0 {
		c.Limits.WriteTimeout = def.Limits.WriteTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.HeartbeatTolerance == 0 {
		c.HeartbeatTolerance = def.HeartbeatTolerance
	}
	if c.Backoff.InitialDelay == 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay == 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidConfig)
	}
	if c.HeartbeatTolerance < 1 {
		return fmt.Errorf("%w: heartbeat tolerance must be at least 1", ErrInvalidConfig)
	}
	return nil
}
