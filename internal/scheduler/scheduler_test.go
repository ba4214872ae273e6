package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Soundfleet/soundfleet-player/internal/bus"
	"github.com/Soundfleet/soundfleet-player/internal/cache"
	"github.com/Soundfleet/soundfleet-player/internal/device"
	"github.com/Soundfleet/soundfleet-player/internal/remoteclient"
	"github.com/Soundfleet/soundfleet-player/internal/soundfleet"
	"github.com/Soundfleet/soundfleet-player/internal/storage"
)

// requestRecorder counts calls made to the control service by path, so
// tests can assert ack-play/ack-sync actually fired without racing on the
// scheduler's background goroutine.
type requestRecorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func newRequestRecorder() *requestRecorder {
	return &requestRecorder{calls: make(map[string]int)}
}

func (r *requestRecorder) record(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[path]++
}

func (r *requestRecorder) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[path]
}

func newControlServer(t *testing.T, rec *requestRecorder, state soundfleet.DeviceState) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r.URL.Path)
		switch {
		case r.Method == http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			if r.URL.Query().Get("task_id") == "" {
				json.NewEncoder(w).Encode(map[string]string{"task_id": "task-1"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"result": state})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
}

func newTestScheduler(t *testing.T, mb *bus.MemoryBus, srvURL string) *Scheduler {
	t.Helper()
	remote := remoteclient.New(remoteclient.Config{BaseURL: srvURL, DeviceID: "dev-1", APIKey: "secret"}, zerolog.Nop())
	caches := device.Caches{
		Device:      cache.NewDeviceCache(mb),
		MusicBlocks: cache.NewMusicBlocksCache(mb),
		AdBlocks:    cache.NewAdBlocksCache(mb),
		AudioTracks: cache.NewAudioTracksCache(mb, nil),
	}
	dev := device.New(remote, "dev-1", caches, mb, "SCHEDULER_REDIS_CHANNEL", zerolog.Nop())

	st, err := storage.New(context.Background(), t.TempDir(), mb, zerolog.Nop())
	require.NoError(t, err)

	return New(dev, st, remote, mb, "dev-1", "PLAYER_REDIS_CHANNEL", "SCHEDULER_REDIS_CHANNEL", zerolog.Nop())
}

func TestScheduler_DeviceSyncSetsVolumeAndSkipsOnStartup(t *testing.T) {
	rec := newRequestRecorder()
	state := soundfleet.DeviceState{Device: soundfleet.Device{ID: "dev-1", Volume: 80, TimezoneName: "UTC"}}
	srv := newControlServer(t, rec, state)
	defer srv.Close()

	mb := bus.NewMemoryBus()
	playerSub, err := mb.Subscribe(context.Background(), "PLAYER_REDIS_CHANNEL")
	require.NoError(t, err)

	s := newTestScheduler(t, mb, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	var sawVolume, sawSkip bool
	for {
		sig, ok := playerSub.Poll()
		if !ok {
			break
		}
		switch sig.Name {
		case bus.SigSetVolume:
			sawVolume = true
			require.Len(t, sig.Args, 1)
			assert.InDelta(t, 80, sig.Args[0], 0.001)
		case bus.SigSkip:
			sawSkip = true
		}
	}
	assert.True(t, sawVolume, "expected SET_VOLUME after device sync")
	assert.True(t, sawSkip, "expected SKIP after device sync")
	assert.Equal(t, 1, rec.count("/api/devices/dev-1/ack-sync/"))
}

func TestScheduler_PlaysQueuedTrackOnceReady(t *testing.T) {
	rec := newRequestRecorder()
	state := soundfleet.DeviceState{Device: soundfleet.Device{ID: "dev-1", Volume: 50, TimezoneName: "UTC"}}
	srv := newControlServer(t, rec, state)
	defer srv.Close()

	mb := bus.NewMemoryBus()
	schedulerPub := "SCHEDULER_REDIS_CHANNEL"
	playerSub, err := mb.Subscribe(context.Background(), "PLAYER_REDIS_CHANNEL")
	require.NoError(t, err)

	s := newTestScheduler(t, mb, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	time.Sleep(150 * time.Millisecond) // let the startup sync's DEVICE_SYNC dispatch land

	_, err = mb.Publish(context.Background(), schedulerPub, bus.Signal{Name: bus.SigPlayerReady, Args: []any{}})
	require.NoError(t, err)

	track := soundfleet.PlaylistItem{AudioTrack: soundfleet.AudioTrack{ID: 5, File: "a.mp3", TrackType: soundfleet.TrackTypeMusic, Length: 3}, URI: "file:///a.mp3"}
	_, err = mb.Publish(context.Background(), schedulerPub, bus.Signal{Name: bus.SigMusicTrackDownloaded, Args: []any{track}})
	require.NoError(t, err)

	var played soundfleet.PlaylistItem
	require.Eventually(t, func() bool {
		sig, ok := playerSub.Poll()
		if !ok {
			return false
		}
		if sig.Name != bus.SigPlay {
			return false
		}
		require.NoError(t, bus.DecodeArg(sig.Args[0], &played))
		return true
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, played.ID)

	_, err = mb.Publish(context.Background(), schedulerPub, bus.Signal{Name: bus.SigTrackPlay, Args: []any{track}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count("/api/devices/dev-1/ack-play/") > 0 }, time.Second, 10*time.Millisecond)

	<-done
}

func TestScheduler_AdsInterruptMusicUnderAdsOverMusicPriority(t *testing.T) {
	rec := newRequestRecorder()
	state := soundfleet.DeviceState{Device: soundfleet.Device{ID: "dev-1", Volume: 50, TimezoneName: "UTC", PlaybackPriority: soundfleet.PriorityAdsOverMusic}}
	srv := newControlServer(t, rec, state)
	defer srv.Close()

	mb := bus.NewMemoryBus()
	schedulerPub := "SCHEDULER_REDIS_CHANNEL"
	playerSub, err := mb.Subscribe(context.Background(), "PLAYER_REDIS_CHANNEL")
	require.NoError(t, err)

	s := newTestScheduler(t, mb, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	time.Sleep(150 * time.Millisecond)

	_, err = mb.Publish(context.Background(), schedulerPub, bus.Signal{Name: bus.SigPlayerReady, Args: []any{}})
	require.NoError(t, err)

	music := soundfleet.PlaylistItem{AudioTrack: soundfleet.AudioTrack{ID: 1, File: "m.mp3", TrackType: soundfleet.TrackTypeMusic, Length: 30}}
	_, err = mb.Publish(context.Background(), schedulerPub, bus.Signal{Name: bus.SigMusicTrackDownloaded, Args: []any{music}})
	require.NoError(t, err)

	var firstPlay soundfleet.PlaylistItem
	require.Eventually(t, func() bool {
		sig, ok := playerSub.Poll()
		if !ok || sig.Name != bus.SigPlay {
			return false
		}
		require.NoError(t, bus.DecodeArg(sig.Args[0], &firstPlay))
		return true
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, firstPlay.ID)

	ad := soundfleet.PlaylistItem{AudioTrack: soundfleet.AudioTrack{ID: 2, File: "ad.mp3", TrackType: soundfleet.TrackTypeAd, Length: 10}}
	_, err = mb.Publish(context.Background(), schedulerPub, bus.Signal{Name: bus.SigAdTrackDownloaded, Args: []any{ad}})
	require.NoError(t, err)

	var secondPlay soundfleet.PlaylistItem
	require.Eventually(t, func() bool {
		sig, ok := playerSub.Poll()
		if !ok || sig.Name != bus.SigPlay {
			return false
		}
		require.NoError(t, bus.DecodeArg(sig.Args[0], &secondPlay))
		return true
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, secondPlay.ID, "ad should interrupt music when ads_over_music is set")
}
