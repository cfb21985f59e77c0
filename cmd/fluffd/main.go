package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mattnigh/PyFluff/bluetooth"
	"github.com/mattnigh/PyFluff/cache"
	"github.com/mattnigh/PyFluff/config"
	"github.com/mattnigh/PyFluff/server"
	"github.com/mattnigh/PyFluff/upload"
	"github.com/mattnigh/PyFluff/utils"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "path to configuration file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			log.Fatal().Err(err).Str("path", configFile).Msg("failed to load configuration")
		}
		cfg = loaded
	}

	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	log.Info().Str("adapter", cfg.Bluetooth.Adapter).Msg("fluffd starting")

	transport, err := bluetooth.NewBluezTransport(cfg.Bluetooth.Adapter, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open bluetooth adapter")
	}

	store, err := cache.Open(cfg.Cache.Path, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Cache.Path).Msg("failed to open device cache")
	}

	session := bluetooth.NewManager(transport, log.Logger)
	session.SetKeepaliveInterval(cfg.Bluetooth.KeepaliveInterval.Std())
	uploads := upload.NewController(session, log.Logger)
	session.OnFailure(func(cause error) {
		uploads.AbortAll(cause)
	})

	hub := utils.NewWebSocketHub(log.Logger)
	srv := server.New(cfg, session, uploads, store, hub, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}

	if err := session.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("disconnect on shutdown")
	}
	log.Info().Msg("fluffd stopped")
}
