// gatesim runs the gateway simulator standalone so a bot process can be
// pointed at a local endpoint for manual runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/wisp/internal/config"
	"github.com/danmuck/wisp/internal/logging"
	"github.com/danmuck/wisp/internal/model"
	"github.com/danmuck/wisp/internal/protocol/event"
	"github.com/danmuck/wisp/internal/testutil/gwtest"
)

func main() {
	configPath := flag.String("config", "", "path to sim config (optional)")
	addr := flag.String("addr", "", "listen address override")
	feed := flag.Duration("feed", 0, "scripted event feed interval (0 disables)")
	flag.Parse()

	logging.ConfigureRuntime("gatesim")

	cfg := defaultSimConfig()
	if *configPath != "" {
		loaded, err := loadSimConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gatesim: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
		log.Info().Str("path", *configPath).Msg("loaded sim config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := gwtest.New(config.SimSettings(cfg))
	if *feed > 0 {
		go runScriptedFeed(ctx, sim, *feed)
	}

	log.Info().
		Str("addr", cfg.Addr).
		Int("total_shards", cfg.TotalShards).
		Dur("feed", *feed).
		Msg("gateway simulator listening")
	if err := sim.ListenAndServe(ctx, cfg.Addr); err != nil {
		log.Fatal().Err(err).Msg("simulator stopped")
	}
	log.Info().Msg("simulator shut down")
}

// runScriptedFeed injects a small synthetic event stream into every
// connected shard: one guild on first sight, then periodic messages. A
// "!ping" lands every few rounds so command routing can be watched live.
func runScriptedFeed(ctx context.Context, sim *gwtest.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seeded := make(map[int]bool)
	round := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		round++
		for _, sess := range sim.Sessions() {
			if !sess.Connected {
				continue
			}
			shard := sess.Shard.Index
			if !seeded[shard] {
				guild := model.Guild{
					ID:   fmt.Sprintf("sim.guild.%d", shard),
					Name: fmt.Sprintf("simulated-%d", shard),
				}
				if err := sim.Inject(shard, event.TypeGuildCreate, guild); err != nil {
					log.Debug().Err(err).Int("shard", shard).Msg("feed inject skipped")
					continue
				}
				seeded[shard] = true
			}
			content := fmt.Sprintf("synthetic chatter %d", round)
			if round%5 == 0 {
				content = "!ping"
			}
			msg := model.Message{
				ID:        fmt.Sprintf("sim.msg.%d.%d", shard, round),
				ChannelID: fmt.Sprintf("sim.chan.%d", shard),
				GuildID:   fmt.Sprintf("sim.guild.%d", shard),
				Author:    model.User{ID: "sim.user", Username: "feeder"},
				Content:   content,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			if err := sim.Inject(shard, event.TypeMessageCreate, msg); err != nil {
				log.Debug().Err(err).Int("shard", shard).Msg("feed inject skipped")
			}
		}
	}
}
