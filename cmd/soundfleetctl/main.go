// Command soundfleetctl is an operator convenience for poking at a running
// player/scheduler pair over the same Redis bus they use: make the
// scheduler rebuild its queues from cached device state, ask the player to
// skip the current track, or print cached
// device status. It owns no playout logic of its own.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Soundfleet/soundfleet-player/internal/bus"
	"github.com/Soundfleet/soundfleet-player/internal/cache"
	"github.com/Soundfleet/soundfleet-player/internal/config"
	"github.com/Soundfleet/soundfleet-player/internal/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "soundfleetctl",
		Short:         "operate a running soundfleet player/scheduler pair",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSyncCmd(), newSkipCmd(), newStatusCmd())
	return root
}

func connectBus() (*bus.RedisBus, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("load config: %w", err)
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "soundfleetctl"})
	b, err := bus.NewRedisBus(bus.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log.WithComponent("soundfleetctl"))
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("connect to bus: %w", err)
	}
	return b, cfg, nil
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "ask the scheduler to rebuild its queues and generators from cached device state",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, cfg, err := connectBus()
			if err != nil {
				return err
			}
			ctx := context.Background()
			n, err := b.Publish(ctx, cfg.SchedulerRedisChannel, bus.Signal{Name: bus.SigDeviceSync, Args: []any{}})
			if err != nil {
				return fmt.Errorf("publish sync signal: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("no scheduler subscribed on %s", cfg.SchedulerRedisChannel)
			}
			fmt.Println("sync requested")
			return nil
		},
	}
}

func newSkipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "ask the player to stop the current track and let the scheduler queue the next one",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, cfg, err := connectBus()
			if err != nil {
				return err
			}
			ctx := context.Background()
			n, err := b.Publish(ctx, cfg.PlayerRedisChannel, bus.Signal{Name: bus.SigSkip, Args: []any{}})
			if err != nil {
				return fmt.Errorf("publish skip signal: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("no player subscribed on %s", cfg.PlayerRedisChannel)
			}
			fmt.Println("skip requested")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the device state cached by the last sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := connectBus()
			if err != nil {
				return err
			}
			ctx := context.Background()
			dev, err := cache.NewDeviceCache(b).Get(ctx)
			if err != nil {
				return fmt.Errorf("read device cache: %w", err)
			}
			if dev.ID == "" {
				fmt.Println("no device state cached yet")
				return nil
			}
			fmt.Printf("device:   %s\n", dev.ID)
			fmt.Printf("timezone: %s\n", dev.TimezoneName)
			fmt.Printf("volume:   %d\n", dev.Volume)
			fmt.Printf("priority: %s\n", dev.PlaybackPriority)
			return nil
		},
	}
}
