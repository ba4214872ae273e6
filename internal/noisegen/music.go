// Package noisegen draws tracks from the device's block schedule and
// downloads them, publishing the result on the bus for the scheduler to
// pick up. Grounded on the original generators' history-avoiding draw loop
// and ad duration math.
package noisegen

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/Soundfleet/soundfleet-player/internal/bus"
	"github.com/Soundfleet/soundfleet-player/internal/metrics"
	"github.com/Soundfleet/soundfleet-player/internal/soundfleet"
)

// maxDrawAttempts bounds how many times a track id already in history is
// rejected before it is accepted anyway.
const maxDrawAttempts = 100

// historySize is how many recently-played track ids are avoided on redraw.
const historySize = 10

// deviceView is the subset of *device.Device the generators need; declared
// here so tests can fake it without constructing a real Device.
type deviceView interface {
	MusicBlocks(ctx context.Context, now time.Time) ([]soundfleet.ResolvedBlock, error)
	AdBlocks(ctx context.Context, now time.Time) ([]soundfleet.ResolvedBlock, error)
	AudioTrack(ctx context.Context, id int) (soundfleet.AudioTrack, bool, error)
}

// downloader is the subset of *storage.TrackStorage the generators need.
type downloader interface {
	Download(ctx context.Context, track soundfleet.AudioTrack) error
	Path(track soundfleet.AudioTrack) (string, error)
}

// MusicGenerator draws one music track per call, avoiding the last
// historySize picks, and downloads it.
type MusicGenerator struct {
	device  deviceView
	storage downloader
	bus     bus.Bus
	channel string
	logger  zerolog.Logger

	history []int
}

// NewMusicGenerator constructs a MusicGenerator publishing its results on
// channel via b.
func NewMusicGenerator(device deviceView, storage downloader, b bus.Bus, channel string, logger zerolog.Logger) *MusicGenerator {
	return &MusicGenerator{device: device, storage: storage, bus: b, channel: channel, logger: logger}
}

// DrawAndDownload finds the block covering drawTime, draws one track from
// its pool, downloads it, and always publishes MUSIC_GENERATOR_FINISHED
// when done — even if no block matches or nothing was drawable.
func (g *MusicGenerator) DrawAndDownload(ctx context.Context, drawTime time.Time) {
	started := time.Now()
	defer func() { metrics.RecordGeneratorBusy(string(soundfleet.TrackTypeMusic), time.Since(started)) }()
	defer g.notifyFinished(ctx)

	blocks, err := g.device.MusicBlocks(ctx, drawTime)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to load music blocks")
		return
	}

	var population []int
	for _, b := range blocks {
		if b.InBlock(drawTime) {
			population = b.Tracks
			break
		}
	}
	if len(population) == 0 {
		return
	}

	trackID, ok := g.draw(population)
	if !ok {
		return
	}
	g.history = append(g.history, trackID)
	if len(g.history) > historySize {
		g.history = g.history[len(g.history)-historySize:]
	}

	track, found, err := g.device.AudioTrack(ctx, trackID)
	if err != nil || !found {
		g.logger.Error().Err(err).Int("track_id", trackID).Msg("drawn track not found in cache")
		return
	}

	item, err := g.withURI(track)
	if err != nil {
		g.logger.Error().Err(err).Int("track_id", trackID).Msg("could not build track uri")
		return
	}

	g.downloadAndAck(ctx, item)
}

func (g *MusicGenerator) withURI(track soundfleet.AudioTrack) (soundfleet.PlaylistItem, error) {
	path, err := g.storage.Path(track)
	if err != nil {
		return soundfleet.PlaylistItem{}, err
	}
	return soundfleet.PlaylistItem{AudioTrack: track, URI: "file://" + path}, nil
}

// draw picks a uniformly random id from population, retrying up to
// maxDrawAttempts times to avoid recent history; the last draw is accepted
// even if it repeats history.
func (g *MusicGenerator) draw(population []int) (int, bool) {
	if len(population) == 0 {
		return 0, false
	}
	var trackID int
	for i := 0; i < maxDrawAttempts; i++ {
		trackID = population[rand.IntN(len(population))]
		if !g.inHistory(trackID) {
			break
		}
	}
	return trackID, true
}

func (g *MusicGenerator) inHistory(id int) bool {
	for _, h := range g.history {
		if h == id {
			return true
		}
	}
	return false
}

func (g *MusicGenerator) downloadAndAck(ctx context.Context, item soundfleet.PlaylistItem) {
	if err := g.storage.Download(ctx, item.AudioTrack); err != nil {
		g.logger.Warn().Err(err).Str("file", item.File).Msg("music track download failed")
		metrics.RecordDownload(string(soundfleet.TrackTypeMusic), "failure", 0)
		g.publishItem(ctx, bus.SigMusicTrackDownloadFailed, item)
		return
	}
	metrics.RecordDownload(string(soundfleet.TrackTypeMusic), "success", item.AudioTrack.Size)
	g.publishItem(ctx, bus.SigMusicTrackDownloaded, item)
}

func (g *MusicGenerator) notifyFinished(ctx context.Context) {
	g.publish(ctx, bus.SigMusicGeneratorFinished, nil)
}

func (g *MusicGenerator) publish(ctx context.Context, name string, args []any) {
	if args == nil {
		args = []any{}
	}
	onStall := func(attempts int) { metrics.RecordBusPublishStall(g.channel) }
	if err := bus.PublishRetry(ctx, g.bus, g.channel, bus.Signal{Name: name, Args: args}, 50*time.Millisecond, onStall); err != nil {
		g.logger.Warn().Err(err).Str("signal", name).Msg("failed to publish generator signal")
	}
}

func (g *MusicGenerator) publishItem(ctx context.Context, name string, item soundfleet.PlaylistItem) {
	g.publish(ctx, name, []any{item})
}
