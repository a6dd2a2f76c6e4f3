package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/milightd/internal/app"
	"github.com/dokzlo13/milightd/internal/config"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	checkOnly := flag.Bool("check", false, "Validate the configuration and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", configPath).Msg("Invalid configuration")
	}
	if *checkOnly {
		fmt.Printf("%s: ok (%d devices, discovery %t, mqtt %t)\n",
			configPath, len(cfg.Devices), cfg.Discovery.Enabled, cfg.MQTT.Enabled)
		return
	}

	setupLogging(cfg.Log)

	log.Info().
		Str("config", configPath).
		Str("hub", cfg.Hub.URL).
		Int("devices", len(cfg.Devices)).
		Bool("mqtt", cfg.MQTT.Enabled).
		Bool("cache", cfg.Database.Path != "").
		Msg("milightd starting")

	bridge, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Bridge setup failed")
	}

	if err := bridge.Start(app.SignalContext()); err != nil {
		log.Fatal().Err(err).Msg("Bridge start failed")
	}
	bridge.Wait()

	if err := bridge.Stop(); err != nil {
		log.Error().Err(err).Msg("Bridge did not stop cleanly")
		os.Exit(1)
	}
}

// setupLogging installs the global zerolog logger. Unknown levels fall back to info.
func setupLogging(c config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339

	if c.JSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.TimeOnly,
			NoColor:    !c.Colors,
		})
	}

	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
