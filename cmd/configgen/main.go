package main

import (
	"flag"

	"github.com/danmuck/espmctl/internal/config"
	"github.com/danmuck/espmctl/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	logging.ConfigureRuntime()
	output := flag.String("output", "", "output path for the config template (default: user config dir)")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (default: user config dir)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = config.DefaultPath()
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal().Err(err).Msg("config invalid")
		}
		log.Info().Str("path", path).Str("port", cfg.Serial.Port).Int("baud", cfg.Serial.Baud).Msg("config valid")
		return
	}

	target := *output
	if target == "" {
		target = config.DefaultPath()
	}
	if target == "" {
		log.Fatal().Msg("no output path and no user config dir; pass --output")
	}
	if err := config.EnsureDir(target); err != nil {
		log.Fatal().Err(err).Msg("config dir")
	}
	if err := config.WriteTemplate(target, *force); err != nil {
		log.Fatal().Err(err).Msg("write config template")
	}
	log.Info().Str("path", target).Msg("wrote config template")
}
