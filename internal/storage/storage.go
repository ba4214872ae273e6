// Package storage manages downloaded track files on disk: confining track
// paths under a download directory, keeping free space above a safety
// buffer by evicting the least-recently-used file, and removing files for
// tracks no longer known to the cache. Grounded on the recording cache
// eviction pass (oldest-first reclaim) and the symlink-safe path
// confinement helper used elsewhere in this tree.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/Soundfleet/soundfleet-player/internal/cache"
	"github.com/Soundfleet/soundfleet-player/internal/fsutil"
	"github.com/Soundfleet/soundfleet-player/internal/metrics"
	"github.com/Soundfleet/soundfleet-player/internal/soundfleet"
)

// safeBuffer is the minimum free space, in bytes, that must remain after a
// download. 1 GiB, matching the margin the original player enforced.
const safeBuffer = 1 << 30

// ErrDownloadFailed wraps the track that could not be downloaded.
type ErrDownloadFailed struct {
	Track soundfleet.AudioTrack
	Err   error
}

func (e *ErrDownloadFailed) Error() string {
	return fmt.Sprintf("download failed for track %d (%s): %v", e.Track.ID, e.Track.File, e.Err)
}

func (e *ErrDownloadFailed) Unwrap() error { return e.Err }

// TrackStorage downloads and evicts audio track files under a single
// directory, tracking last-access time in a DownloadLRUCache.
type TrackStorage struct {
	downloadDir string
	lru         *cache.DownloadLRUCache
	httpClient  *http.Client
	logger      zerolog.Logger
}

// New creates the download directory if missing, seeds the LRU cache from
// its current contents, and returns a ready TrackStorage.
func New(ctx context.Context, downloadDir string, store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}, logger zerolog.Logger) (*TrackStorage, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	lru, err := cache.NewDownloadLRUCache(ctx, store, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("seed download lru: %w", err)
	}
	return &TrackStorage{
		downloadDir: downloadDir,
		lru:         lru,
		httpClient:  &http.Client{Timeout: 3 * time.Second},
		logger:      logger,
	}, nil
}

// Path returns track's confined on-disk path, rejecting any file name that
// would escape downloadDir.
func (s *TrackStorage) Path(track soundfleet.AudioTrack) (string, error) {
	return fsutil.ConfineRelPath(s.downloadDir, track.File)
}

// Exists reports whether track's file is already present on disk.
func (s *TrackStorage) Exists(track soundfleet.AudioTrack) bool {
	path, err := s.Path(track)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Download fetches track's file if not already present, evicting
// least-recently-used files first whenever free space would otherwise drop
// below the safety buffer. The LRU entry is touched either way.
func (s *TrackStorage) Download(ctx context.Context, track soundfleet.AudioTrack) error {
	path, err := s.Path(track)
	if err != nil {
		return &ErrDownloadFailed{Track: track, Err: err}
	}

	if !s.Exists(track) {
		for {
			ok, err := s.canDownload(track)
			if err != nil {
				return &ErrDownloadFailed{Track: track, Err: err}
			}
			if ok {
				break
			}
			s.logger.Debug().Str("file", track.File).Msg("insufficient free space, evicting oldest track")
			if evicted, err := s.ReleaseDiskSpace(ctx); err != nil {
				return &ErrDownloadFailed{Track: track, Err: err}
			} else if !evicted {
				return &ErrDownloadFailed{Track: track, Err: errors.New("no space and nothing left to evict")}
			}
		}

		if err := s.fetch(ctx, track, path); err != nil {
			return &ErrDownloadFailed{Track: track, Err: err}
		}
		s.logger.Debug().Str("file", track.File).Msg("downloaded track")
	} else {
		s.logger.Debug().Str("file", track.File).Msg("track already present on disk")
	}

	if err := s.lru.Touch(ctx, track.File); err != nil {
		return fmt.Errorf("touch lru for %q: %w", track.File, err)
	}
	return nil
}

func (s *TrackStorage) fetch(ctx context.Context, track soundfleet.AudioTrack, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, track.URL, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("download %s: unexpected status %d", track.URL, resp.StatusCode)
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// canDownload reports whether free space minus track.Size still leaves at
// least safeBuffer bytes free.
func (s *TrackStorage) canDownload(track soundfleet.AudioTrack) (bool, error) {
	free, err := freeBytes(s.downloadDir)
	if err != nil {
		return false, fmt.Errorf("check free space: %w", err)
	}
	metrics.SetDiskFreeBytes(free)
	if free < uint64(track.Size) {
		return false, nil
	}
	return free-uint64(track.Size) >= safeBuffer, nil
}

// ReleaseDiskSpace deletes the single least-recently-used track file. It
// reports evicted=false when the LRU has nothing left to delete.
func (s *TrackStorage) ReleaseDiskSpace(ctx context.Context) (evicted bool, err error) {
	oldest, ok, err := s.lru.Oldest(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	s.deleteFile(ctx, oldest)
	metrics.RecordDiskEviction("unknown")
	return true, nil
}

func (s *TrackStorage) deleteFile(ctx context.Context, filename string) {
	path, err := fsutil.ConfineRelPath(s.downloadDir, filename)
	if err == nil {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn().Err(rmErr).Str("file", filename).Msg("failed to remove evicted track file")
		}
	}
	if err := s.lru.Remove(ctx, filename); err != nil {
		s.logger.Warn().Err(err).Str("file", filename).Msg("failed to remove lru entry")
	}
}

// RemoveTracks deletes each track's file and LRU entry, best-effort. It
// implements cache.FileRemover so AudioTracksCache.Update can drop files for
// tracks no longer present in a sync.
func (s *TrackStorage) RemoveTracks(tracks ...soundfleet.AudioTrack) {
	ctx := context.Background()
	for _, t := range tracks {
		path, err := s.Path(t)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", t.File).Msg("refusing to remove track with unsafe path")
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("file", t.File).Msg("failed to remove track file")
		}
		if err := s.lru.Remove(ctx, t.File); err != nil {
			s.logger.Warn().Err(err).Str("file", t.File).Msg("failed to remove lru entry")
		}
	}
}

var _ cache.FileRemover = (*TrackStorage)(nil)
