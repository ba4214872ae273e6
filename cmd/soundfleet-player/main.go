// Command soundfleet-player runs the playout daemon: it drives a media
// backend from PLAY/SKIP/SET_VOLUME signals and acks the scheduler back on
// the bus. It carries no business logic of its own beyond wiring.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Soundfleet/soundfleet-player/internal/bus"
	"github.com/Soundfleet/soundfleet-player/internal/config"
	"github.com/Soundfleet/soundfleet-player/internal/log"
	"github.com/Soundfleet/soundfleet-player/internal/media"
	"github.com/Soundfleet/soundfleet-player/internal/player"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "soundfleet-player", Version: version})
	logger := log.WithComponent("player")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisBus, err := bus.NewRedisBus(bus.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}

	var backend media.Backend
	switch cfg.MediaBackend {
	case "dummy":
		backend = media.NewDummyBackend()
	default:
		backend = media.NewExecBackend(media.ExecConfig{
			Player: cfg.MediaPlayerBin,
			Args:   cfg.MediaPlayerArgs,
		}, log.WithComponent("media"))
	}

	p := player.New(backend, redisBus, cfg.PlayerRedisChannel, cfg.SchedulerRedisChannel, logger)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	logger.Info().Str("backend", cfg.MediaBackend).Msg("starting player")
	return p.Run(ctx)
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("metrics server exited")
	}
}
