// Package device orchestrates state synchronization with the control
// service: requesting a fresh snapshot, polling until the async job
// resolves, writing the result into the caches, and falling back to the
// last known state on failure. Grounded on the original sync loop's retry
// and countdown semantics.
package device

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Soundfleet/soundfleet-player/internal/bus"
	"github.com/Soundfleet/soundfleet-player/internal/cache"
	"github.com/Soundfleet/soundfleet-player/internal/metrics"
	"github.com/Soundfleet/soundfleet-player/internal/remoteclient"
	"github.com/Soundfleet/soundfleet-player/internal/soundfleet"
)

const (
	startSyncAttempts  = 3
	startSyncWaitMin   = 10 * time.Second
	startSyncWaitMax   = 30 * time.Second
	pollAttempts       = 10
	pollInitialWait    = 10 * time.Second
	pollMaxWait        = 180 * time.Second
	pollResponseTimeout = 60 * time.Second
)

// ErrSyncFailed indicates the remote state could not be fetched after
// exhausting retries; callers should keep using the cached state.
var ErrSyncFailed = fmt.Errorf("device sync failed")

// Device wraps the cached device state plus the sync protocol that
// refreshes it from the control service.
type Device struct {
	remote   *remoteclient.Client
	deviceID string

	deviceCache      *cache.DeviceCache
	musicBlocksCache *cache.MusicBlocksCache
	adBlocksCache    *cache.AdBlocksCache
	audioTracksCache *cache.AudioTracksCache

	bus              bus.Bus
	schedulerChannel string

	logger zerolog.Logger

	mu             sync.Mutex
	syncInProgress bool

	// Retry/poll timing, overridable in tests; production code leaves these
	// at their zero value and getters fall back to the package defaults.
	syncAttempts    int
	syncWaitMin     time.Duration
	syncWaitMax     time.Duration
	pollAttemptsN   int
	pollWaitInitial time.Duration
	pollWaitMax     time.Duration
}

func (d *Device) syncAttemptsOrDefault() int {
	if d.syncAttempts > 0 {
		return d.syncAttempts
	}
	return startSyncAttempts
}

func (d *Device) syncWaitRangeOrDefault() (time.Duration, time.Duration) {
	if d.syncWaitMax > 0 {
		return d.syncWaitMin, d.syncWaitMax
	}
	return startSyncWaitMin, startSyncWaitMax
}

func (d *Device) pollAttemptsOrDefault() int {
	if d.pollAttemptsN > 0 {
		return d.pollAttemptsN
	}
	return pollAttempts
}

func (d *Device) pollWaitInitialOrDefault() time.Duration {
	if d.pollWaitInitial > 0 {
		return d.pollWaitInitial
	}
	return pollInitialWait
}

func (d *Device) pollWaitMaxOrDefault() time.Duration {
	if d.pollWaitMax > 0 {
		return d.pollWaitMax
	}
	return pollMaxWait
}

// Caches bundles the cache dependencies a Device needs.
type Caches struct {
	Device      *cache.DeviceCache
	MusicBlocks *cache.MusicBlocksCache
	AdBlocks    *cache.AdBlocksCache
	AudioTracks *cache.AudioTracksCache
}

// New constructs a Device bound to remote for fetching state and b for
// announcing completed syncs on schedulerChannel.
func New(remote *remoteclient.Client, deviceID string, caches Caches, b bus.Bus, schedulerChannel string, logger zerolog.Logger) *Device {
	return &Device{
		remote:           remote,
		deviceID:         deviceID,
		deviceCache:      caches.Device,
		musicBlocksCache: caches.MusicBlocks,
		adBlocksCache:    caches.AdBlocks,
		audioTracksCache: caches.AudioTracks,
		bus:              b,
		schedulerChannel: schedulerChannel,
		logger:           logger,
	}
}

// Sync requests a fresh state snapshot and writes it into the caches. A
// call made while a sync is already in flight returns nil at once and
// publishes nothing. Otherwise a DEVICE_SYNC signal is published once the
// attempt concludes, whether it succeeded or failed.
func (d *Device) Sync(ctx context.Context) error {
	d.mu.Lock()
	if d.syncInProgress {
		d.mu.Unlock()
		return nil
	}
	d.syncInProgress = true
	d.mu.Unlock()

	started := time.Now()
	defer func() {
		d.mu.Lock()
		d.syncInProgress = false
		d.mu.Unlock()
		d.ackSync(ctx)
	}()

	state, err := d.fetchState(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to sync device, using state from cache")
		metrics.RecordDeviceSync("failure", time.Since(started))
		return err
	}

	if err := d.deviceCache.Set(ctx, state.Device); err != nil {
		metrics.RecordDeviceSync("failure", time.Since(started))
		return fmt.Errorf("persist device: %w", err)
	}
	if err := d.musicBlocksCache.Set(ctx, state.MusicBlocks); err != nil {
		metrics.RecordDeviceSync("failure", time.Since(started))
		return fmt.Errorf("persist music blocks: %w", err)
	}
	if err := d.adBlocksCache.Set(ctx, state.AdBlocks); err != nil {
		metrics.RecordDeviceSync("failure", time.Since(started))
		return fmt.Errorf("persist ad blocks: %w", err)
	}
	if err := d.audioTracksCache.Update(ctx, state.AudioTracks); err != nil {
		metrics.RecordDeviceSync("failure", time.Since(started))
		return fmt.Errorf("reconcile audio tracks: %w", err)
	}
	metrics.RecordDeviceSync("success", time.Since(started))
	d.logger.Info().Msg("successfully synced device state")
	return nil
}

func (d *Device) ackSync(ctx context.Context) {
	onStall := func(attempts int) { metrics.RecordBusPublishStall(d.schedulerChannel) }
	err := bus.PublishRetry(ctx, d.bus, d.schedulerChannel, bus.Signal{Name: bus.SigDeviceSync, Args: []any{}}, 100*time.Millisecond, onStall)
	if err != nil {
		d.logger.Warn().Err(err).Msg("failed to ack device sync")
	}
}

type startSyncResponse struct {
	TaskID string `json:"task_id"`
}

type pollResponse struct {
	Result *soundfleet.DeviceState `json:"result"`
}

func (d *Device) stateURL() string {
	return fmt.Sprintf("/api/devices/%s/get-state/", d.deviceID)
}

// fetchState runs the two-phase sync protocol: start an async task on the
// control service, then poll it until it resolves or attempts run out.
func (d *Device) fetchState(ctx context.Context) (soundfleet.DeviceState, error) {
	taskID, err := d.startSyncTask(ctx)
	if err != nil {
		return soundfleet.DeviceState{}, err
	}
	return d.pollState(ctx, taskID)
}

// startSyncTask retries up to startSyncAttempts times with a random wait in
// [startSyncWaitMin, startSyncWaitMax], matching the control service's
// tolerance for transient failures when kicking off a sync job.
func (d *Device) startSyncTask(ctx context.Context) (string, error) {
	attempts := d.syncAttemptsOrDefault()
	waitMin, waitMax := d.syncWaitRangeOrDefault()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var resp startSyncResponse
		err := d.remote.Do(ctx, remoteclient.Request{Method: http.MethodGet, Path: d.stateURL()}, &resp)
		if err == nil && resp.TaskID != "" {
			return resp.TaskID, nil
		}
		if err == nil {
			err = fmt.Errorf("%w: control service returned no task id", ErrSyncFailed)
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		wait := waitMin
		if waitMax > waitMin {
			wait += time.Duration(rand.Int64N(int64(waitMax - waitMin)))
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", fmt.Errorf("%w: could not start sync task: %v", ErrSyncFailed, lastErr)
}

// pollState polls the task's result up to pollAttempts times, waiting
// pollInitialWait and doubling (capped at pollMaxWait) between attempts.
func (d *Device) pollState(ctx context.Context, taskID string) (soundfleet.DeviceState, error) {
	attempts := d.pollAttemptsOrDefault()
	wait := d.pollWaitInitialOrDefault()
	maxWait := d.pollWaitMaxOrDefault()

	for attempt := 0; attempt < attempts; attempt++ {
		var resp pollResponse
		reqCtx, cancel := context.WithTimeout(ctx, pollResponseTimeout)
		err := d.remote.Do(reqCtx, remoteclient.Request{
			Method: http.MethodGet,
			Path:   d.stateURL(),
			Query:  map[string]string{"task_id": taskID},
		}, &resp)
		cancel()

		if err == nil && resp.Result != nil {
			return *resp.Result, nil
		}

		d.logger.Debug().Dur("wait", wait).Msg("sync task still executing, retrying")
		select {
		case <-ctx.Done():
			return soundfleet.DeviceState{}, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}
	return soundfleet.DeviceState{}, fmt.Errorf("%w: sync task never resolved", ErrSyncFailed)
}

// Volume returns the cached device volume, defaulting to 100.
func (d *Device) Volume(ctx context.Context) int {
	dev, err := d.deviceCache.Get(ctx)
	if err != nil || dev == (soundfleet.Device{}) {
		return 100
	}
	return dev.Volume
}

// Timezone returns the cached device's IANA location, defaulting to UTC.
func (d *Device) Timezone(ctx context.Context) *time.Location {
	dev, err := d.deviceCache.Get(ctx)
	if err != nil || dev.TimezoneName == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(dev.TimezoneName)
	if err != nil {
		d.logger.Warn().Err(err).Str("timezone", dev.TimezoneName).Msg("unknown timezone, falling back to UTC")
		return time.UTC
	}
	return loc
}

// PlaybackPriority returns the cached playback priority, defaulting to
// PriorityMusic.
func (d *Device) PlaybackPriority(ctx context.Context) soundfleet.PlaybackPriority {
	dev, err := d.deviceCache.Get(ctx)
	if err != nil || dev.PlaybackPriority == "" {
		return soundfleet.PriorityMusic
	}
	return dev.PlaybackPriority
}

// MusicBlocks resolves the cached music blocks against now, in the
// device's timezone.
func (d *Device) MusicBlocks(ctx context.Context, now time.Time) ([]soundfleet.ResolvedBlock, error) {
	blocks, err := d.musicBlocksCache.Get(ctx)
	if err != nil {
		return nil, err
	}
	localNow := now.In(d.Timezone(ctx))
	out := make([]soundfleet.ResolvedBlock, 0, len(blocks))
	for _, b := range blocks {
		resolved, err := soundfleet.ResolveMusicBlock(b, localNow)
		if err != nil {
			d.logger.Warn().Err(err).Int("block_id", b.ID).Msg("skipping music block with unparsable time")
			continue
		}
		out = append(out, resolved)
	}
	return out, nil
}

// AdBlocks resolves the cached ad blocks against now, in the device's
// timezone.
func (d *Device) AdBlocks(ctx context.Context, now time.Time) ([]soundfleet.ResolvedBlock, error) {
	blocks, err := d.adBlocksCache.Get(ctx)
	if err != nil {
		return nil, err
	}
	localNow := now.In(d.Timezone(ctx))
	out := make([]soundfleet.ResolvedBlock, 0, len(blocks))
	for _, b := range blocks {
		resolved, err := soundfleet.ResolveAdBlock(b, localNow)
		if err != nil {
			d.logger.Warn().Err(err).Int("block_id", b.ID).Msg("skipping ad block with unparsable time")
			continue
		}
		out = append(out, resolved)
	}
	return out, nil
}

// AudioTracks returns every known track keyed by id.
func (d *Device) AudioTracks(ctx context.Context) (map[int]soundfleet.AudioTrack, error) {
	return d.audioTracksCache.All(ctx)
}

// AudioTrack looks up a single track by id.
func (d *Device) AudioTrack(ctx context.Context, id int) (soundfleet.AudioTrack, bool, error) {
	return d.audioTracksCache.Get(ctx, id)
}
