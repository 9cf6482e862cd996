package main

import (
	"flag"
	"log"

	"github.com/danmuck/wisp/internal/config"
)

func main() {
	kind := flag.String("kind", "bot", "config kind: bot|sim")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			switch *kind {
			case "bot":
				path = "cmd/wispctl/config.toml"
			case "sim":
				path = "cmd/gatesim/config.toml"
			default:
				log.Fatalf("unknown kind: %s", *kind)
			}
		}

		switch *kind {
		case "bot":
			if _, err := config.LoadBotConfig(path); err != nil {
				log.Fatal(err)
			}
		case "sim":
			if _, err := config.LoadSimConfig(path); err != nil {
				log.Fatal(err)
			}
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		switch *kind {
		case "bot":
			target = "cmd/wispctl/config.toml"
		case "sim":
			target = "cmd/gatesim/config.toml"
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
