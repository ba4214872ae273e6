// Package player consumes PLAY/SKIP/SET_VOLUME signals off the player
// channel and drives a media.Backend, acking the scheduler back on the
// scheduler channel. Grounded on the original player's single-threaded
// poll loop: no goroutine fan-out, one tick drains at most one signal.
package player

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Soundfleet/soundfleet-player/internal/bus"
	"github.com/Soundfleet/soundfleet-player/internal/media"
	"github.com/Soundfleet/soundfleet-player/internal/metrics"
	"github.com/Soundfleet/soundfleet-player/internal/soundfleet"
)

const (
	tickInterval     = 100 * time.Millisecond
	idleEveryTicks   = 100 // ~10s at the 100ms tick
	playStartWait    = 10 * time.Second
	playPollInterval = time.Second
)

// Player owns the signal loop described above.
type Player struct {
	backend          media.Backend
	bus              bus.Bus
	playerChannel    string
	schedulerChannel string
	logger           zerolog.Logger

	currentTrack *soundfleet.PlaylistItem
}

// New constructs a Player that receives on playerChannel and acks on
// schedulerChannel.
func New(backend media.Backend, b bus.Bus, playerChannel, schedulerChannel string, logger zerolog.Logger) *Player {
	return &Player{backend: backend, bus: b, playerChannel: playerChannel, schedulerChannel: schedulerChannel, logger: logger}
}

// Run subscribes to the player channel and loops until ctx is cancelled.
func (p *Player) Run(ctx context.Context) error {
	sub, err := p.bus.Subscribe(ctx, p.playerChannel)
	if err != nil {
		return err
	}
	defer sub.Close()

	p.ackReady(ctx)

	counter := 1
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if p.currentTrack != nil && !p.backend.IsPlaying() {
			p.logger.Debug().Str("file", p.currentTrack.File).Msg("player finished playing, sending TRACK_FINISHED")
			p.ackFinish(ctx)
		}

		if sig, ok := sub.Poll(); ok {
			p.dispatch(ctx, sig)
		}

		if counter%idleEveryTicks == 0 {
			if !p.backend.IsPlaying() {
				p.logger.Debug().Msg("player is idle, sending PLAYER_IDLE")
				p.ackIdle(ctx)
			}
			counter = 1
		} else {
			counter++
		}
	}
}

func (p *Player) dispatch(ctx context.Context, sig bus.Signal) {
	switch sig.Name {
	case bus.SigPlay:
		if len(sig.Args) < 1 {
			p.logger.Warn().Msg("PLAY signal missing track argument")
			return
		}
		var track soundfleet.PlaylistItem
		if err := bus.DecodeArg(sig.Args[0], &track); err != nil {
			p.logger.Warn().Err(err).Msg("PLAY signal carried an undecodable track")
			return
		}
		p.play(ctx, track)
	case bus.SigSkip:
		p.skip(ctx)
	case bus.SigSetVolume:
		if len(sig.Args) < 1 {
			p.logger.Warn().Msg("SET_VOLUME signal missing value argument")
			return
		}
		var value float64
		if err := bus.DecodeArg(sig.Args[0], &value); err != nil {
			p.logger.Warn().Err(err).Msg("SET_VOLUME signal carried an undecodable value")
			return
		}
		p.setVolume(int(value))
	default:
		p.logger.Debug().Str("signal", sig.Name).Msg("ignoring unknown signal")
	}
}

// play stops any current playback, starts track, acks TRACK_PLAY, then
// waits up to playStartWait for the backend to report playing, polling
// every playPollInterval, matching the original player's patience for
// slow-starting streams.
func (p *Player) play(ctx context.Context, track soundfleet.PlaylistItem) {
	if p.backend.IsPlaying() {
		if err := p.backend.Stop(); err != nil {
			p.logger.Warn().Err(err).Msg("failed to stop current track before playing next")
		}
	}
	if err := p.backend.Play(track); err != nil {
		p.logger.Error().Err(err).Str("file", track.File).Msg("failed to start playback")
		return
	}
	p.currentTrack = &track
	metrics.RecordTrackPlayed(string(track.TrackType))
	p.ackPlay(ctx, track)

	deadline := time.Now().Add(playStartWait)
	for !p.backend.IsPlaying() {
		if time.Now().After(deadline) {
			break
		}
		p.logger.Warn().Str("file", track.File).Msg("player not yet playing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(playPollInterval):
		}
	}
	if p.backend.IsPlaying() {
		p.logger.Info().Str("file", track.File).Msg("player started playing")
	} else {
		p.logger.Error().Str("file", track.File).Msg("unable to play track")
	}
}

func (p *Player) skip(ctx context.Context) {
	if p.currentTrack == nil || !p.backend.IsPlaying() {
		return
	}
	if err := p.backend.Stop(); err != nil {
		p.logger.Warn().Err(err).Msg("failed to stop track on skip")
	}
	p.ackFinish(ctx)
}

func (p *Player) setVolume(value int) {
	if err := p.backend.SetVolume(value); err != nil {
		p.logger.Warn().Err(err).Int("value", value).Msg("failed to set volume")
	}
}

func (p *Player) ackReady(ctx context.Context) {
	p.publish(ctx, bus.SigPlayerReady, nil)
}

func (p *Player) ackIdle(ctx context.Context) {
	p.publish(ctx, bus.SigPlayerIdle, nil)
}

func (p *Player) ackPlay(ctx context.Context, track soundfleet.PlaylistItem) {
	p.publish(ctx, bus.SigTrackPlay, []any{track})
}

func (p *Player) ackFinish(ctx context.Context) {
	track := p.currentTrack
	p.currentTrack = nil
	var args []any
	if track != nil {
		args = []any{*track}
	}
	p.publish(ctx, bus.SigTrackFinished, args)
}

func (p *Player) publish(ctx context.Context, name string, args []any) {
	if args == nil {
		args = []any{}
	}
	onStall := func(attempts int) { metrics.RecordBusPublishStall(p.schedulerChannel) }
	if err := bus.PublishRetry(ctx, p.bus, p.schedulerChannel, bus.Signal{Name: name, Args: args}, 100*time.Millisecond, onStall); err != nil {
		p.logger.Warn().Err(err).Str("signal", name).Msg("failed to ack scheduler")
	}
}
