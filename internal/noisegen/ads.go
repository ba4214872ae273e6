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

// AdGenerator draws a fresh batch of ads when a block becomes active and
// again each time the redraw deadline passes, drawing nothing in between;
// it tracks that deadline itself rather than re-deriving it every tick.
type AdGenerator struct {
	device  deviceView
	storage downloader
	bus     bus.Bus
	channel string
	logger  zerolog.Logger

	currentBlockID *int
	nextBlock      *time.Time
}

// NewAdGenerator constructs an AdGenerator publishing its results on
// channel via b.
func NewAdGenerator(device deviceView, storage downloader, b bus.Bus, channel string, logger zerolog.Logger) *AdGenerator {
	return &AdGenerator{device: device, storage: storage, bus: b, channel: channel, logger: logger}
}

// DrawAndDownload finds the ad block covering drawTime. If the block
// changed since the last call, or the redraw deadline for the current
// block has passed, it draws a fresh batch and downloads every track in
// it; a download failure aborts the remaining downloads for this call (the
// original generator does not retry partial failures) but
// ADS_GENERATOR_FINISHED is always published so the scheduler's busy flag
// clears.
func (g *AdGenerator) DrawAndDownload(ctx context.Context, drawTime time.Time) {
	started := time.Now()
	defer func() { metrics.RecordGeneratorBusy(string(soundfleet.TrackTypeAd), time.Since(started)) }()
	defer g.publish(ctx, bus.SigAdsGeneratorFinished, nil)

	blocks, err := g.device.AdBlocks(ctx, drawTime)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to load ad blocks")
		return
	}

	var block *soundfleet.ResolvedBlock
	for i := range blocks {
		if blocks[i].InBlock(drawTime) {
			block = &blocks[i]
			break
		}
	}
	if block == nil {
		return
	}

	var tracks []soundfleet.PlaylistItem
	redraw := g.currentBlockID == nil || *g.currentBlockID != block.ID
	if !redraw {
		deadline := drawTime
		if g.nextBlock != nil {
			deadline = *g.nextBlock
		}
		redraw = !drawTime.Before(deadline)
	}

	if redraw {
		id := block.ID
		g.currentBlockID = &id
		var nextIn time.Duration
		tracks, nextIn = g.drawAds(ctx, *block)
		next := drawTime.Add(nextIn)
		g.nextBlock = &next
	}

	for _, track := range tracks {
		if err := g.storage.Download(ctx, track.AudioTrack); err != nil {
			g.logger.Error().Err(err).Str("file", track.File).Msg("ad track download failed, aborting remaining downloads")
			metrics.RecordDownload(string(soundfleet.TrackTypeAd), "failure", 0)
			return
		}
		metrics.RecordDownload(string(soundfleet.TrackTypeAd), "success", track.AudioTrack.Size)
		g.publishItem(ctx, bus.SigAdTrackDownloaded, track)
	}
}

// drawAds picks the tracks for block (every track if PlayAllAds, otherwise
// AdsCountPerBlock draws with replacement) and computes how long until the
// next redraw: the sum of drawn track lengths minus 2 seconds (floored at
// zero, to leave room to redraw before playback starves) plus the block's
// configured playback interval.
func (g *AdGenerator) drawAds(ctx context.Context, block soundfleet.ResolvedBlock) ([]soundfleet.PlaylistItem, time.Duration) {
	if len(block.Tracks) == 0 {
		return nil, block.PlaybackInterval
	}

	var ids []int
	if block.PlayAllAds {
		ids = block.Tracks
	} else {
		ids = make([]int, block.AdsCountPerBlock)
		for i := range ids {
			ids[i] = block.Tracks[rand.IntN(len(block.Tracks))]
		}
	}

	items := make([]soundfleet.PlaylistItem, 0, len(ids))
	var totalLength int
	for _, id := range ids {
		track, found, err := g.device.AudioTrack(ctx, id)
		if err != nil || !found {
			g.logger.Warn().Int("track_id", id).Msg("drawn ad track not found in cache")
			continue
		}
		path, err := g.storage.Path(track)
		if err != nil {
			g.logger.Warn().Err(err).Int("track_id", id).Msg("could not build ad track uri")
			continue
		}
		items = append(items, soundfleet.PlaylistItem{AudioTrack: track, URI: "file://" + path})
		totalLength += track.Length
	}

	durationSeconds := totalLength - 2
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	return items, time.Duration(durationSeconds)*time.Second + block.PlaybackInterval
}

func (g *AdGenerator) publish(ctx context.Context, name string, args []any) {
	if args == nil {
		args = []any{}
	}
	onStall := func(attempts int) { metrics.RecordBusPublishStall(g.channel) }
	if err := bus.PublishRetry(ctx, g.bus, g.channel, bus.Signal{Name: name, Args: args}, 50*time.Millisecond, onStall); err != nil {
		g.logger.Warn().Err(err).Str("signal", name).Msg("failed to publish generator signal")
	}
}

func (g *AdGenerator) publishItem(ctx context.Context, name string, item soundfleet.PlaylistItem) {
	g.publish(ctx, name, []any{item})
}
