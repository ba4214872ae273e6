package device

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Soundfleet/soundfleet-player/internal/bus"
	"github.com/Soundfleet/soundfleet-player/internal/cache"
	"github.com/Soundfleet/soundfleet-player/internal/remoteclient"
	"github.com/Soundfleet/soundfleet-player/internal/soundfleet"
)

func newTestDevice(t *testing.T, srvURL string, b *bus.MemoryBus) *Device {
	t.Helper()
	remote := remoteclient.New(remoteclient.Config{BaseURL: srvURL, DeviceID: "dev-1", APIKey: "secret"}, zerolog.Nop())
	caches := Caches{
		Device:      cache.NewDeviceCache(b),
		MusicBlocks: cache.NewMusicBlocksCache(b),
		AdBlocks:    cache.NewAdBlocksCache(b),
		AudioTracks: cache.NewAudioTracksCache(b, nil),
	}
	d := New(remote, "dev-1", caches, b, "SCHEDULER_REDIS_CHANNEL", zerolog.Nop())
	d.pollWaitInitial = time.Millisecond
	d.pollWaitMax = 2 * time.Millisecond
	d.syncWaitMin = time.Millisecond
	d.syncWaitMax = 2 * time.Millisecond
	return d
}

func TestDevice_SyncWritesCachesAndAcks(t *testing.T) {
	state := soundfleet.DeviceState{
		Device:      soundfleet.Device{ID: "dev-1", Volume: 77, TimezoneName: "UTC"},
		MusicBlocks: []soundfleet.MusicBlock{{ID: 1, Start: "08:00:00", End: "09:00:00", Tracks: []int{1}}},
		AdBlocks:    []soundfleet.AdBlock{{ID: 1, Start: "08:00:00", End: "08:10:00", Tracks: []int{2}}},
		AudioTracks: []soundfleet.AudioTrack{{ID: 1, File: "a.mp3"}},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("task_id") == "" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"task_id": "task-1"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"result": state})
	}))
	defer srv.Close()

	mb := bus.NewMemoryBus()
	sub, err := mb.Subscribe(context.Background(), "SCHEDULER_REDIS_CHANNEL")
	require.NoError(t, err)

	d := newTestDevice(t, srv.URL, mb)
	require.NoError(t, d.Sync(context.Background()))

	assert.Equal(t, 77, d.Volume(context.Background()))

	sig, ok := sub.Poll()
	require.True(t, ok)
	assert.Equal(t, bus.SigDeviceSync, sig.Name)
}

func TestDevice_SyncInProgressIsNoOp(t *testing.T) {
	mb := bus.NewMemoryBus()
	d := newTestDevice(t, "http://127.0.0.1:0", mb)
	d.syncInProgress = true

	require.NoError(t, d.Sync(context.Background()))
}

func TestDevice_DefaultsWhenCacheEmpty(t *testing.T) {
	mb := bus.NewMemoryBus()
	d := newTestDevice(t, "http://127.0.0.1:0", mb)

	assert.Equal(t, 100, d.Volume(context.Background()))
	assert.Equal(t, time.UTC, d.Timezone(context.Background()))
	assert.Equal(t, soundfleet.PriorityMusic, d.PlaybackPriority(context.Background()))
}

func TestDevice_SyncFailureFallsBackToCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mb := bus.NewMemoryBus()
	_, err := mb.Subscribe(context.Background(), "SCHEDULER_REDIS_CHANNEL")
	require.NoError(t, err)
	d := newTestDevice(t, srv.URL, mb)
	d.syncAttempts = 1

	err = d.Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, 100, d.Volume(context.Background()))
}
