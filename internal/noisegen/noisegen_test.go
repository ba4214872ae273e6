package noisegen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Soundfleet/soundfleet-player/internal/bus"
	"github.com/Soundfleet/soundfleet-player/internal/soundfleet"
)

type fakeDevice struct {
	musicBlocks []soundfleet.ResolvedBlock
	adBlocks    []soundfleet.ResolvedBlock
	tracks      map[int]soundfleet.AudioTrack
}

func (f *fakeDevice) MusicBlocks(ctx context.Context, now time.Time) ([]soundfleet.ResolvedBlock, error) {
	return f.musicBlocks, nil
}
func (f *fakeDevice) AdBlocks(ctx context.Context, now time.Time) ([]soundfleet.ResolvedBlock, error) {
	return f.adBlocks, nil
}
func (f *fakeDevice) AudioTrack(ctx context.Context, id int) (soundfleet.AudioTrack, bool, error) {
	t, ok := f.tracks[id]
	return t, ok, nil
}

type fakeStorage struct {
	failIDs map[int]bool
	calls   []int
}

func (f *fakeStorage) Download(ctx context.Context, track soundfleet.AudioTrack) error {
	f.calls = append(f.calls, track.ID)
	if f.failIDs[track.ID] {
		return errors.New("simulated download failure")
	}
	return nil
}

func (f *fakeStorage) Path(track soundfleet.AudioTrack) (string, error) {
	return "/downloads/" + track.File, nil
}

func block(id int, now time.Time, tracks []int) soundfleet.ResolvedBlock {
	return soundfleet.ResolvedBlock{ID: id, Start: now.Add(-time.Hour), End: now.Add(time.Hour), Tracks: tracks}
}

func TestMusicGenerator_DrawsAndDownloads(t *testing.T) {
	now := time.Now()
	dev := &fakeDevice{
		musicBlocks: []soundfleet.ResolvedBlock{block(1, now, []int{1})},
		tracks:      map[int]soundfleet.AudioTrack{1: {ID: 1, File: "a.mp3"}},
	}
	st := &fakeStorage{}
	mb := bus.NewMemoryBus()
	sub, err := mb.Subscribe(context.Background(), "SCHEDULER_REDIS_CHANNEL")
	require.NoError(t, err)

	g := NewMusicGenerator(dev, st, mb, "SCHEDULER_REDIS_CHANNEL", zerolog.Nop())
	g.DrawAndDownload(context.Background(), now)

	require.Equal(t, []int{1}, st.calls)

	sig, ok := sub.Poll()
	require.True(t, ok)
	assert.Equal(t, bus.SigMusicTrackDownloaded, sig.Name)

	sig, ok = sub.Poll()
	require.True(t, ok)
	assert.Equal(t, bus.SigMusicGeneratorFinished, sig.Name)
}

func TestMusicGenerator_NoBlockMatchOnlyNotifiesFinished(t *testing.T) {
	now := time.Now()
	dev := &fakeDevice{}
	st := &fakeStorage{}
	mb := bus.NewMemoryBus()
	sub, err := mb.Subscribe(context.Background(), "SCHEDULER_REDIS_CHANNEL")
	require.NoError(t, err)

	g := NewMusicGenerator(dev, st, mb, "SCHEDULER_REDIS_CHANNEL", zerolog.Nop())
	g.DrawAndDownload(context.Background(), now)

	require.Empty(t, st.calls)
	sig, ok := sub.Poll()
	require.True(t, ok)
	assert.Equal(t, bus.SigMusicGeneratorFinished, sig.Name)
}

func TestMusicGenerator_DownloadFailurePublishesFailedSignal(t *testing.T) {
	now := time.Now()
	dev := &fakeDevice{
		musicBlocks: []soundfleet.ResolvedBlock{block(1, now, []int{1})},
		tracks:      map[int]soundfleet.AudioTrack{1: {ID: 1, File: "a.mp3"}},
	}
	st := &fakeStorage{failIDs: map[int]bool{1: true}}
	mb := bus.NewMemoryBus()
	sub, err := mb.Subscribe(context.Background(), "SCHEDULER_REDIS_CHANNEL")
	require.NoError(t, err)

	g := NewMusicGenerator(dev, st, mb, "SCHEDULER_REDIS_CHANNEL", zerolog.Nop())
	g.DrawAndDownload(context.Background(), now)

	sig, ok := sub.Poll()
	require.True(t, ok)
	assert.Equal(t, bus.SigMusicTrackDownloadFailed, sig.Name)
}

func TestMusicGenerator_AvoidsRecentHistory(t *testing.T) {
	now := time.Now()
	dev := &fakeDevice{
		musicBlocks: []soundfleet.ResolvedBlock{block(1, now, []int{1, 2})},
		tracks: map[int]soundfleet.AudioTrack{
			1: {ID: 1, File: "a.mp3"},
			2: {ID: 2, File: "b.mp3"},
		},
	}
	st := &fakeStorage{}
	mb := bus.NewMemoryBus()
	_, err := mb.Subscribe(context.Background(), "SCHEDULER_REDIS_CHANNEL")
	require.NoError(t, err)
	g := NewMusicGenerator(dev, st, mb, "SCHEDULER_REDIS_CHANNEL", zerolog.Nop())

	for i := 0; i < 20; i++ {
		g.history = []int{1}
		g.DrawAndDownload(context.Background(), now)
	}
	for _, id := range st.calls {
		assert.Equal(t, 2, id, "with 1 in history and only {1,2} as population, every draw should avoid 1")
	}
}

func TestAdGenerator_PlayAllAdsDrawsEveryTrack(t *testing.T) {
	now := time.Now()
	ad := block(1, now, []int{1, 2})
	ad.PlayAllAds = true
	ad.PlaybackInterval = time.Minute
	dev := &fakeDevice{
		adBlocks: []soundfleet.ResolvedBlock{ad},
		tracks: map[int]soundfleet.AudioTrack{
			1: {ID: 1, File: "ad1.mp3", Length: 10},
			2: {ID: 2, File: "ad2.mp3", Length: 20},
		},
	}
	st := &fakeStorage{}
	mb := bus.NewMemoryBus()
	sub, err := mb.Subscribe(context.Background(), "SCHEDULER_REDIS_CHANNEL")
	require.NoError(t, err)

	g := NewAdGenerator(dev, st, mb, "SCHEDULER_REDIS_CHANNEL", zerolog.Nop())
	g.DrawAndDownload(context.Background(), now)

	assert.ElementsMatch(t, []int{1, 2}, st.calls)

	var names []string
	for {
		sig, ok := sub.Poll()
		if !ok {
			break
		}
		names = append(names, sig.Name)
	}
	assert.Contains(t, names, bus.SigAdTrackDownloaded)
	assert.Contains(t, names, bus.SigAdsGeneratorFinished)
}

func TestAdGenerator_SkipsRedrawBeforeDeadline(t *testing.T) {
	now := time.Now()
	ad := block(1, now, []int{1})
	ad.PlayAllAds = true
	ad.PlaybackInterval = time.Hour
	dev := &fakeDevice{
		adBlocks: []soundfleet.ResolvedBlock{ad},
		tracks:   map[int]soundfleet.AudioTrack{1: {ID: 1, File: "ad1.mp3", Length: 10}},
	}
	st := &fakeStorage{}
	mb := bus.NewMemoryBus()
	_, err := mb.Subscribe(context.Background(), "SCHEDULER_REDIS_CHANNEL")
	require.NoError(t, err)
	g := NewAdGenerator(dev, st, mb, "SCHEDULER_REDIS_CHANNEL", zerolog.Nop())

	g.DrawAndDownload(context.Background(), now)
	require.Len(t, st.calls, 1)

	g.DrawAndDownload(context.Background(), now.Add(time.Second))
	require.Len(t, st.calls, 1, "redraw should not happen again before the next-block deadline")
}

func TestAdGenerator_DownloadFailureAbortsRemainingTracks(t *testing.T) {
	now := time.Now()
	ad := block(1, now, []int{1, 2})
	ad.PlayAllAds = true
	dev := &fakeDevice{
		adBlocks: []soundfleet.ResolvedBlock{ad},
		tracks: map[int]soundfleet.AudioTrack{
			1: {ID: 1, File: "ad1.mp3", Length: 10},
			2: {ID: 2, File: "ad2.mp3", Length: 10},
		},
	}
	st := &fakeStorage{failIDs: map[int]bool{1: true}}
	mb := bus.NewMemoryBus()
	sub, err := mb.Subscribe(context.Background(), "SCHEDULER_REDIS_CHANNEL")
	require.NoError(t, err)

	g := NewAdGenerator(dev, st, mb, "SCHEDULER_REDIS_CHANNEL", zerolog.Nop())
	g.DrawAndDownload(context.Background(), now)

	require.Len(t, st.calls, 1, "download should abort after the first failure")

	sig, ok := sub.Poll()
	require.True(t, ok)
	assert.Equal(t, bus.SigAdsGeneratorFinished, sig.Name)
}
