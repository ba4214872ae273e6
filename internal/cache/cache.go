// Package cache provides typed views over the bus's key-value store: one
// wrapper per spec.md §4.2 cache (device, music blocks, ad blocks, audio
// tracks, download LRU timestamps). Each wrapper owns exactly the key or key
// prefix it is named for and knows nothing about Redis itself.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Soundfleet/soundfleet-player/internal/bus"
	"github.com/Soundfleet/soundfleet-player/internal/soundfleet"
)

// DeviceCache stores the single current Device under key "DEVICE".
type DeviceCache struct{ store bus.Store }

func NewDeviceCache(store bus.Store) *DeviceCache { return &DeviceCache{store: store} }

func (c *DeviceCache) Get(ctx context.Context) (soundfleet.Device, error) {
	val, ok, err := c.store.Get(ctx, "DEVICE")
	if err != nil {
		return soundfleet.Device{}, err
	}
	if !ok {
		return soundfleet.Device{}, nil
	}
	var d soundfleet.Device
	if err := json.Unmarshal([]byte(val), &d); err != nil {
		return soundfleet.Device{}, fmt.Errorf("unmarshal device: %w", err)
	}
	return d, nil
}

func (c *DeviceCache) Set(ctx context.Context, d soundfleet.Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}
	return c.store.Set(ctx, "DEVICE", string(data))
}

// MusicBlocksCache stores the music block list under key "MUSIC_BLOCKS".
type MusicBlocksCache struct{ store bus.Store }

func NewMusicBlocksCache(store bus.Store) *MusicBlocksCache { return &MusicBlocksCache{store: store} }

func (c *MusicBlocksCache) Get(ctx context.Context) ([]soundfleet.MusicBlock, error) {
	val, ok, err := c.store.Get(ctx, "MUSIC_BLOCKS")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var blocks []soundfleet.MusicBlock
	if err := json.Unmarshal([]byte(val), &blocks); err != nil {
		return nil, fmt.Errorf("unmarshal music blocks: %w", err)
	}
	return blocks, nil
}

func (c *MusicBlocksCache) Set(ctx context.Context, blocks []soundfleet.MusicBlock) error {
	data, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("marshal music blocks: %w", err)
	}
	return c.store.Set(ctx, "MUSIC_BLOCKS", string(data))
}

// AdBlocksCache stores the ad block list under key "AD_BLOCKS".
type AdBlocksCache struct{ store bus.Store }

func NewAdBlocksCache(store bus.Store) *AdBlocksCache { return &AdBlocksCache{store: store} }

func (c *AdBlocksCache) Get(ctx context.Context) ([]soundfleet.AdBlock, error) {
	val, ok, err := c.store.Get(ctx, "AD_BLOCKS")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var blocks []soundfleet.AdBlock
	if err := json.Unmarshal([]byte(val), &blocks); err != nil {
		return nil, fmt.Errorf("unmarshal ad blocks: %w", err)
	}
	return blocks, nil
}

func (c *AdBlocksCache) Set(ctx context.Context, blocks []soundfleet.AdBlock) error {
	data, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("marshal ad blocks: %w", err)
	}
	return c.store.Set(ctx, "AD_BLOCKS", string(data))
}

// FileRemover deletes a track's on-disk file, best-effort. Track Storage
// implements this; the cache depends on the narrow interface instead of the
// whole storage package to avoid an import cycle (storage depends on cache
// for the download-LRU cache).
type FileRemover interface {
	RemoveTracks(tracks ...soundfleet.AudioTrack)
}

// AudioTracksCache stores one key per track ("AUDIO_TRACK:<id>"); it is the
// authoritative set of known track ids (spec.md §3 invariant).
type AudioTracksCache struct {
	store   bus.Store
	remover FileRemover
}

func NewAudioTracksCache(store bus.Store, remover FileRemover) *AudioTracksCache {
	return &AudioTracksCache{store: store, remover: remover}
}

func audioTrackKey(id int) string { return fmt.Sprintf("AUDIO_TRACK:%d", id) }

func (c *AudioTracksCache) Get(ctx context.Context, id int) (soundfleet.AudioTrack, bool, error) {
	val, ok, err := c.store.Get(ctx, audioTrackKey(id))
	if err != nil || !ok {
		return soundfleet.AudioTrack{}, false, err
	}
	var t soundfleet.AudioTrack
	if err := json.Unmarshal([]byte(val), &t); err != nil {
		return soundfleet.AudioTrack{}, false, fmt.Errorf("unmarshal audio track %d: %w", id, err)
	}
	return t, true, nil
}

func (c *AudioTracksCache) set(ctx context.Context, t soundfleet.AudioTrack) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal audio track %d: %w", t.ID, err)
	}
	return c.store.Set(ctx, audioTrackKey(t.ID), string(data))
}

// All returns every known track keyed by id.
func (c *AudioTracksCache) All(ctx context.Context) (map[int]soundfleet.AudioTrack, error) {
	keys, err := c.store.Keys(ctx, "AUDIO_TRACK:*")
	if err != nil {
		return nil, err
	}
	out := make(map[int]soundfleet.AudioTrack, len(keys))
	for _, k := range keys {
		val, ok, err := c.store.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var t soundfleet.AudioTrack
		if err := json.Unmarshal([]byte(val), &t); err != nil {
			continue
		}
		out[t.ID] = t
	}
	return out, nil
}

// Update performs the set-reconciliation spec.md §3/§8 requires: the
// current key set minus the new key set is deleted (and those tracks'
// files requested for removal), then every new track is upserted.
func (c *AudioTracksCache) Update(ctx context.Context, newList []soundfleet.AudioTrack) error {
	keys, err := c.store.Keys(ctx, "AUDIO_TRACK:*")
	if err != nil {
		return err
	}
	current := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		current[k] = struct{}{}
	}
	newKeys := make(map[string]struct{}, len(newList))
	for _, t := range newList {
		newKeys[audioTrackKey(t.ID)] = struct{}{}
	}

	var toDelete []string
	for k := range current {
		if _, keep := newKeys[k]; !keep {
			toDelete = append(toDelete, k)
		}
	}

	if len(toDelete) > 0 {
		var removed []soundfleet.AudioTrack
		for _, k := range toDelete {
			val, ok, err := c.store.Get(ctx, k)
			if err == nil && ok {
				var t soundfleet.AudioTrack
				if json.Unmarshal([]byte(val), &t) == nil {
					removed = append(removed, t)
				}
			}
		}
		if err := c.store.Delete(ctx, toDelete...); err != nil {
			return fmt.Errorf("delete stale audio tracks: %w", err)
		}
		if c.remover != nil && len(removed) > 0 {
			c.remover.RemoveTracks(removed...)
		}
	}

	for _, t := range newList {
		if err := c.set(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// DownloadLRUCache stores filename -> last-access timestamp under
// "DL:<filename>". On construction it scans the download directory and
// seeds missing entries with now, so every tracked file has a matching LRU
// entry per spec.md §3's invariant.
type DownloadLRUCache struct{ store bus.Store }

// NewDownloadLRUCache seeds LRU entries for any file already present in
// downloadDir that has no entry yet (untracked files are adopted).
func NewDownloadLRUCache(ctx context.Context, store bus.Store, downloadDir string) (*DownloadLRUCache, error) {
	c := &DownloadLRUCache{store: store}

	entries, err := os.ReadDir(downloadDir)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("scan download dir: %w", err)
	}

	now := time.Now().UTC().Format(lruTimeLayout)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key := downloadLRUKey(e.Name())
		if _, ok, err := store.Get(ctx, key); err == nil && ok {
			continue
		}
		if err := store.Set(ctx, key, now); err != nil {
			return nil, fmt.Errorf("seed lru for %q: %w", e.Name(), err)
		}
	}
	return c, nil
}

const lruTimeLayout = "2006-01-02 15:04:05"

func downloadLRUKey(filename string) string { return "DL:" + filename }

// Touch records filename as accessed now.
func (c *DownloadLRUCache) Touch(ctx context.Context, filename string) error {
	return c.store.Set(ctx, downloadLRUKey(filename), time.Now().UTC().Format(lruTimeLayout))
}

// Remove deletes filename's LRU entry.
func (c *DownloadLRUCache) Remove(ctx context.Context, filename string) error {
	return c.store.Delete(ctx, downloadLRUKey(filename))
}

// All returns every tracked filename mapped to its last-access time.
func (c *DownloadLRUCache) All(ctx context.Context) (map[string]time.Time, error) {
	keys, err := c.store.Keys(ctx, "DL:*")
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(keys))
	for _, k := range keys {
		val, ok, err := c.store.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		t, err := time.Parse(lruTimeLayout, val)
		if err != nil {
			continue
		}
		out[filepath.Base(k[len("DL:"):])] = t
	}
	return out, nil
}

// Oldest returns the filename with the earliest recorded access time, or
// ok=false if the LRU is empty. Ties are broken by filename so ordering is
// deterministic per call.
func (c *DownloadLRUCache) Oldest(ctx context.Context) (filename string, ok bool, err error) {
	all, err := c.All(ctx)
	if err != nil {
		return "", false, err
	}
	if len(all) == 0 {
		return "", false, nil
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ti, tj := all[names[i]], all[names[j]]
		if ti.Equal(tj) {
			return names[i] < names[j]
		}
		return ti.Before(tj)
	})
	return names[0], true, nil
}
