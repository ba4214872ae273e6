// Package scheduler drives playout: it tracks player readiness, queues
// downloaded tracks, decides which queue wins under the device's playback
// priority, and keeps the ad/music generators fed. Grounded on the original
// scheduler's single 100ms tick loop: one signal drained per tick, one
// playback decision per tick, generators kicked every 10th tick, a
// day-rollover resync check every 6000th tick.
package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Soundfleet/soundfleet-player/internal/bus"
	"github.com/Soundfleet/soundfleet-player/internal/device"
	"github.com/Soundfleet/soundfleet-player/internal/metrics"
	"github.com/Soundfleet/soundfleet-player/internal/noisegen"
	"github.com/Soundfleet/soundfleet-player/internal/remoteclient"
	"github.com/Soundfleet/soundfleet-player/internal/soundfleet"
	"github.com/Soundfleet/soundfleet-player/internal/storage"
)

const (
	tickInterval       = 100 * time.Millisecond
	generatorEveryTick = 10
	resyncEveryTick    = 6000
)

// Scheduler is the playout control loop.
type Scheduler struct {
	device  *device.Device
	storage *storage.TrackStorage
	remote  *remoteclient.Client
	bus     bus.Bus

	deviceID         string
	playerChannel    string
	schedulerChannel string
	logger           zerolog.Logger

	playerReady bool
	playerIdle  bool

	adsQueue   []soundfleet.PlaylistItem
	musicQueue []soundfleet.PlaylistItem

	adsGenerator       *noisegen.AdGenerator
	musicGenerator     *noisegen.MusicGenerator
	adsGeneratorBusy   bool
	musicGeneratorBusy bool

	currentTrack      *soundfleet.PlaylistItem
	nextTrackDrawTime time.Time
	lastDeviceSync    *time.Time
}

// New constructs a Scheduler. dev is the already-constructed device state
// cache/sync client, st downloads and locates tracks on disk for the
// generators it (re)builds on every DEVICE_SYNC.
func New(dev *device.Device, st *storage.TrackStorage, remote *remoteclient.Client, b bus.Bus, deviceID, playerChannel, schedulerChannel string, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		device:           dev,
		storage:          st,
		remote:           remote,
		bus:              b,
		deviceID:         deviceID,
		playerChannel:    playerChannel,
		schedulerChannel: schedulerChannel,
		logger:           logger,
	}
}

// Run subscribes to the scheduler channel, performs an initial device sync
// (whose completion signal is picked up and dispatched on the first tick,
// exactly like any other DEVICE_SYNC), and loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, s.schedulerChannel)
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := s.device.Sync(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial device sync failed, continuing with cached state")
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	counter := 1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if sig, ok := sub.Poll(); ok {
			s.dispatch(ctx, sig)
		}

		if s.device.PlaybackPriority(ctx) == soundfleet.PriorityAdsOverMusic {
			s.scheduleAdsOverMusic(ctx)
		} else {
			s.scheduleMusicOverAds(ctx)
		}

		if counter%generatorEveryTick == 0 {
			s.runGenerators(ctx)
		}

		if counter%resyncEveryTick == 0 {
			counter = 1
			s.resyncIfDayChanged(ctx)
		} else {
			counter++
		}
	}
}

func (s *Scheduler) scheduleAdsOverMusic(ctx context.Context) {
	if !s.playerReady {
		return
	}
	var track *soundfleet.PlaylistItem
	switch {
	case s.currentTrack == nil:
		track = s.pickNextTrack(ctx)
	case s.currentTrack.TrackType == soundfleet.TrackTypeMusic && len(s.adsQueue) > 0:
		// an ad became ready while music was playing: interrupt it.
		track = s.pickNextTrack(ctx)
	}
	if track != nil {
		s.playTrack(ctx, *track)
	}
}

func (s *Scheduler) scheduleMusicOverAds(ctx context.Context) {
	if !s.playerReady || s.currentTrack != nil {
		return
	}
	if track := s.pickNextTrack(ctx); track != nil {
		s.playTrack(ctx, *track)
	}
}

// pickNextTrack pops the next track (ads always before music) and records
// when the one after it will need to be ready by.
func (s *Scheduler) pickNextTrack(ctx context.Context) *soundfleet.PlaylistItem {
	var pick *soundfleet.PlaylistItem
	if len(s.adsQueue) > 0 {
		pick = &s.adsQueue[0]
		s.adsQueue = s.adsQueue[1:]
	} else if len(s.musicQueue) > 0 {
		pick = &s.musicQueue[0]
		s.musicQueue = s.musicQueue[1:]
	}
	metrics.SetQueueDepth("ads", len(s.adsQueue))
	metrics.SetQueueDepth("music", len(s.musicQueue))

	now := time.Now().In(s.device.Timezone(ctx))
	if pick != nil {
		s.nextTrackDrawTime = now.Add(time.Duration(pick.Length) * time.Second)
		s.logger.Debug().Int("track_id", pick.ID).Msg("picked next track")
	} else {
		s.nextTrackDrawTime = now
	}
	return pick
}

func (s *Scheduler) playTrack(ctx context.Context, track soundfleet.PlaylistItem) {
	s.currentTrack = &track
	s.publishPlayer(ctx, bus.SigPlay, []any{track})
}

func (s *Scheduler) skipTrack(ctx context.Context) {
	s.publishPlayer(ctx, bus.SigSkip, nil)
}

func (s *Scheduler) setPlayerVolume(ctx context.Context, value int) {
	s.publishPlayer(ctx, bus.SigSetVolume, []any{value})
}

func (s *Scheduler) publishPlayer(ctx context.Context, name string, args []any) {
	if args == nil {
		args = []any{}
	}
	onStall := func(attempts int) { metrics.RecordBusPublishStall(s.playerChannel) }
	if err := bus.PublishRetry(ctx, s.bus, s.playerChannel, bus.Signal{Name: name, Args: args}, 100*time.Millisecond, onStall); err != nil {
		s.logger.Warn().Err(err).Str("signal", name).Msg("failed to publish to player")
	}
}

// runGenerators kicks off an ads and/or music draw if the matching queue is
// empty and no draw for it is already in flight. Drawing and downloading
// happen on a goroutine; completion is only observed when the generator's
// finished signal comes back around through dispatch.
func (s *Scheduler) runGenerators(ctx context.Context) {
	s.maybeGenerateAds(ctx)
	s.maybeGenerateMusic(ctx)
}

func (s *Scheduler) maybeGenerateAds(ctx context.Context) {
	if s.adsGenerator == nil || len(s.adsQueue) > 0 || s.adsGeneratorBusy {
		return
	}
	s.adsGeneratorBusy = true

	drawTime := time.Now().In(s.device.Timezone(ctx))
	if s.device.PlaybackPriority(ctx) != soundfleet.PriorityAdsOverMusic && !s.nextTrackDrawTime.IsZero() {
		// music has priority: the next ad slot should line up with when the
		// next music track would otherwise start.
		drawTime = s.nextTrackDrawTime
	}

	gen := s.adsGenerator
	go gen.DrawAndDownload(ctx, drawTime)
}

func (s *Scheduler) maybeGenerateMusic(ctx context.Context) {
	if s.musicGenerator == nil || len(s.musicQueue) > 0 || s.musicGeneratorBusy {
		return
	}
	s.musicGeneratorBusy = true

	drawTime := time.Now().In(s.device.Timezone(ctx))
	if !s.nextTrackDrawTime.IsZero() {
		drawTime = s.nextTrackDrawTime
	}

	gen := s.musicGenerator
	go gen.DrawAndDownload(ctx, drawTime)
}

func (s *Scheduler) resyncIfDayChanged(ctx context.Context) {
	now := time.Now().In(s.device.Timezone(ctx))
	if s.lastDeviceSync != nil && sameDate(now, *s.lastDeviceSync) {
		return
	}
	if err := s.device.Sync(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("day-rollover device sync failed")
	}
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (s *Scheduler) dispatch(ctx context.Context, sig bus.Signal) {
	switch sig.Name {
	case bus.SigPlayerReady:
		s.onPlayerReady(ctx)
	case bus.SigPlayerIdle:
		s.onPlayerIdle()
	case bus.SigTrackPlay:
		s.onTrackPlay(ctx, sig.Args)
	case bus.SigTrackFinished:
		s.onTrackFinished()
	case bus.SigDeviceSync:
		s.onDeviceSync(ctx)
	case bus.SigAdTrackDownloaded:
		s.onAdTrackDownload(sig.Args)
	case bus.SigMusicTrackDownloaded:
		s.onMusicTrackDownload(sig.Args)
	case bus.SigMusicTrackDownloadFailed:
		s.onMusicTrackDownloadFailure(sig.Args)
	case bus.SigAdsGeneratorFinished:
		s.adsGeneratorBusy = false
	case bus.SigMusicGeneratorFinished:
		s.musicGeneratorBusy = false
	default:
		s.logger.Debug().Str("signal", sig.Name).Msg("ignoring unknown signal")
	}
}

func (s *Scheduler) onPlayerReady(ctx context.Context) {
	s.logger.Debug().Msg("received PLAYER_READY")
	s.playerReady = true
	s.setPlayerVolume(ctx, s.device.Volume(ctx))
}

// onPlayerIdle handles a player reporting that it is not playing anything
// (sent every 100th player tick while idle): drop our notion of the current
// track and let the main loop pick a fresh one.
func (s *Scheduler) onPlayerIdle() {
	s.logger.Debug().Msg("received PLAYER_IDLE")
	s.playerReady = true
	s.currentTrack = nil
	s.nextTrackDrawTime = time.Time{}
	s.playerIdle = true
}

func (s *Scheduler) onTrackPlay(ctx context.Context, args []any) {
	var track soundfleet.PlaylistItem
	if len(args) > 0 {
		if err := bus.DecodeArg(args[0], &track); err != nil {
			s.logger.Warn().Err(err).Msg("TRACK_PLAY signal carried an undecodable track")
		}
	}
	s.playerIdle = false
	s.ackPlay(ctx, track)
}

func (s *Scheduler) onTrackFinished() {
	s.currentTrack = nil
}

func (s *Scheduler) onAdTrackDownload(args []any) {
	track, ok := decodePlaylistItem(s.logger, args)
	if !ok {
		return
	}
	s.adsQueue = append(s.adsQueue, track)
	metrics.SetQueueDepth("ads", len(s.adsQueue))
}

func (s *Scheduler) onMusicTrackDownload(args []any) {
	track, ok := decodePlaylistItem(s.logger, args)
	if !ok {
		return
	}
	s.musicQueue = append(s.musicQueue, track)
	metrics.SetQueueDepth("music", len(s.musicQueue))
}

func (s *Scheduler) onMusicTrackDownloadFailure(args []any) {
	track, _ := decodePlaylistItem(s.logger, args)
	s.logger.Debug().Str("file", track.File).Msg("failed to download music track")
}

func decodePlaylistItem(logger zerolog.Logger, args []any) (soundfleet.PlaylistItem, bool) {
	var track soundfleet.PlaylistItem
	if len(args) == 0 {
		return track, false
	}
	if err := bus.DecodeArg(args[0], &track); err != nil {
		logger.Warn().Err(err).Msg("signal carried an undecodable track")
		return track, false
	}
	return track, true
}

// onDeviceSync reacts to the device having finished a sync (either the
// startup one or a day-rollover one): queues and generators no longer
// reflect the current block schedule, so both are thrown away and rebuilt.
func (s *Scheduler) onDeviceSync(ctx context.Context) {
	s.logger.Debug().Msg("received DEVICE_SYNC")
	s.adsQueue = nil
	s.musicQueue = nil
	metrics.SetQueueDepth("ads", 0)
	metrics.SetQueueDepth("music", 0)
	s.adsGenerator = noisegen.NewAdGenerator(s.device, s.storage, s.bus, s.schedulerChannel, s.logger)
	s.musicGenerator = noisegen.NewMusicGenerator(s.device, s.storage, s.bus, s.schedulerChannel, s.logger)
	s.setPlayerVolume(ctx, s.device.Volume(ctx))
	s.skipTrack(ctx) // let the main loop draw a track against the fresh schedule

	now := time.Now().In(s.device.Timezone(ctx))
	s.lastDeviceSync = &now

	s.ackSync(ctx)
}

func (s *Scheduler) ackSyncURL() string {
	return fmt.Sprintf("/api/devices/%s/ack-sync/", s.deviceID)
}

func (s *Scheduler) ackPlayURL() string {
	return fmt.Sprintf("/api/devices/%s/ack-play/", s.deviceID)
}

type ackPlayPayload struct {
	ID        int                  `json:"id"`
	TrackType soundfleet.TrackType `json:"track_type"`
	Timestamp time.Time            `json:"timestamp"`
}

func (s *Scheduler) ackSync(ctx context.Context) {
	if s.remote == nil {
		return
	}
	err := s.remote.Do(ctx, remoteclient.Request{Method: http.MethodPost, Path: s.ackSyncURL()}, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to ack sync with control service")
	}
}

func (s *Scheduler) ackPlay(ctx context.Context, track soundfleet.PlaylistItem) {
	if s.remote == nil {
		return
	}
	payload := ackPlayPayload{
		ID:        track.ID,
		TrackType: track.TrackType,
		Timestamp: time.Now().In(s.device.Timezone(ctx)),
	}
	err := s.remote.Do(ctx, remoteclient.Request{Method: http.MethodPost, Path: s.ackPlayURL(), Body: payload}, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to ack play with control service")
	}
}
