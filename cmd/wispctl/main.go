package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/wisp/internal/bot"
	"github.com/danmuck/wisp/internal/config"
	"github.com/danmuck/wisp/internal/logging"
)

const envToken = "WISP_TOKEN"

func main() {
	configPath := flag.String("config", "cmd/wispctl/config.toml", "path to bot config")
	envPath := flag.String("env", ".env", "path to optional dotenv file")
	flag.Parse()

	if err := loadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "wispctl: load env: %v\n", err)
		os.Exit(1)
	}

	fileCfg, err := config.LoadBotConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wispctl: %v\n", err)
		os.Exit(1)
	}
	logging.ConfigureFrom(config.LoggingSettings(fileCfg), fileCfg.Name)
	log.Info().Str("path", *configPath).Msg("loaded bot config")

	cfg := bot.FromBotConfig(fileCfg)
	if token := strings.TrimSpace(os.Getenv(envToken)); token != "" {
		cfg.Token = token
	}

	svc, err := bot.NewService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service construction failed")
	}
	if err := svc.Run(); err != nil {
		log.Fatal().Err(err).Msg("bot stopped")
	}
}

// loadDotEnv loads environment variables from path. A missing file is
// fine; the env file is optional.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
