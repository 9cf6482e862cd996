package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "bot":
		return botTemplate, nil
	case "sim":
		return simTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const botTemplate = `name = "wisp"
# Prefer WISP_TOKEN over writing the token here.
token = ""
api_base_url = "https://chat.example/api/v10"
# gateway_url = "wss://gateway.chat.example"

[cluster]
shards = 0
event_buffer = 256
start_stagger_ms = 5000
max_reconnect_attempts = 0

[gateway]
intents = 0
connect_timeout_ms = 5000
handshake_timeout_ms = 10000
heartbeat_tolerance = 2

[gateway.backoff]
initial_delay_ms = 1000
multiplier = 2.0
max_delay_ms = 60000
no_jitter = false

[cache]
recent_delete_limit = 1024
message_limit = 100

[standby]
max_pending = 1024

[dispatch]
shard_queue_size = 64
command_workers = 16

[command]
prefix = "!"

[admin]
addr = ":9300"
cors_origins = ["http://localhost:3000"]

[logging]
level = "info"
format = "console"
`

const simTemplate = `addr = ":9400"
token = "sim-token"
total_shards = 1
heartbeat_interval_ms = 41250
replay_buffer_size = 256
`
