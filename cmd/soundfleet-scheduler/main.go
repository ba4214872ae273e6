// Command soundfleet-scheduler runs the scheduling daemon: it syncs device
// state from the control service, drives the ad/music generators, and
// decides what the player plays next.
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
	"github.com/Soundfleet/soundfleet-player/internal/cache"
	"github.com/Soundfleet/soundfleet-player/internal/config"
	"github.com/Soundfleet/soundfleet-player/internal/device"
	"github.com/Soundfleet/soundfleet-player/internal/log"
	"github.com/Soundfleet/soundfleet-player/internal/remoteclient"
	"github.com/Soundfleet/soundfleet-player/internal/scheduler"
	"github.com/Soundfleet/soundfleet-player/internal/storage"
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

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "soundfleet-scheduler", Version: version})
	logger := log.WithComponent("scheduler")

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

	st, err := storage.New(ctx, cfg.DownloadDir, redisBus, log.WithComponent("storage"))
	if err != nil {
		return fmt.Errorf("init track storage: %w", err)
	}

	caches := device.Caches{
		Device:      cache.NewDeviceCache(redisBus),
		MusicBlocks: cache.NewMusicBlocksCache(redisBus),
		AdBlocks:    cache.NewAdBlocksCache(redisBus),
		AudioTracks: cache.NewAudioTracksCache(redisBus, st),
	}

	remote := remoteclient.New(remoteclient.Config{
		BaseURL:             cfg.AppURL,
		DeviceID:            cfg.DeviceID,
		APIKey:              cfg.APIKey,
		RequestTimeout:      cfg.RequestTimeout,
		ResponseTimeout:     cfg.ResponseTimeout,
		CircuitThreshold:    cfg.CircuitThreshold,
		CircuitMinAttempts:  cfg.CircuitMinAttempts,
		CircuitWindow:       cfg.CircuitWindow,
		CircuitResetTimeout: cfg.CircuitResetTimeout,
	}, log.WithComponent("remote-client"))

	dev := device.New(remote, cfg.DeviceID, caches, redisBus, cfg.SchedulerRedisChannel, log.WithComponent("device"))

	s := scheduler.New(dev, st, remote, redisBus, cfg.DeviceID, cfg.PlayerRedisChannel, cfg.SchedulerRedisChannel, logger)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	logger.Info().Str("device_id", cfg.DeviceID).Msg("starting scheduler")
	return s.Run(ctx)
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("metrics server exited")
	}
}
