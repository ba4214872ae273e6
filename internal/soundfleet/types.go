// Package soundfleet holds the shared domain types that cross the message
// bus and the key-value cache: devices, tracks, blocks and the state the
// control service hands down on sync.
package soundfleet

import "time"

// TrackType distinguishes music from advertising tracks.
type TrackType string

const (
	TrackTypeMusic TrackType = "music"
	TrackTypeAd    TrackType = "ad"
)

// PlaybackPriority controls whether ads interrupt music or wait for it.
type PlaybackPriority string

const (
	PriorityMusic        PlaybackPriority = "music"
	PriorityAdsOverMusic PlaybackPriority = "ads_over_music"
)

// Device is the fleet device's identity and playback policy, replaced
// atomically on every successful sync.
type Device struct {
	ID                string           `json:"id"`
	TimezoneName      string           `json:"timezone_name"`
	Volume            int              `json:"volume"`
	PlaybackPriority  PlaybackPriority `json:"playback_priority"`
}

// AudioTrack is a single downloadable track known to the device.
type AudioTrack struct {
	ID       int       `json:"id"`
	File     string    `json:"file"`
	TrackType TrackType `json:"track_type"`
	Length   int       `json:"length"` // seconds
	Size     int64     `json:"size"`   // bytes
	URL      string    `json:"url"`
}

// PlaylistItem is an AudioTrack augmented with a local playable URI, carried
// from a generator to the scheduler to the player over the bus.
type PlaylistItem struct {
	AudioTrack
	URI string `json:"uri"`
}

// BlockTimeOfDay is a wall-clock time of day ("HH:MM:SS") as stored on the
// control service; it is resolved against a device's timezone and today's
// date when a block is evaluated against a draw time.
type BlockTimeOfDay string

// MusicBlock is a window of the day with a pool of eligible track ids.
type MusicBlock struct {
	ID     int              `json:"id"`
	Start  BlockTimeOfDay   `json:"start"`
	End    BlockTimeOfDay   `json:"end"`
	Tracks []int            `json:"tracks"`
}

// AdBlock is a MusicBlock plus ad-specific draw rules.
type AdBlock struct {
	ID                int            `json:"id"`
	Start             BlockTimeOfDay `json:"start"`
	End               BlockTimeOfDay `json:"end"`
	AdsCountPerBlock  int            `json:"ads_count_per_block"`
	PlayAllAds        bool           `json:"play_all_ads"`
	PlaybackInterval  int            `json:"playback_interval"` // minutes
	Tracks            []int          `json:"tracks"`
}

// DeviceState is the full snapshot a sync delivers, decomposed into caches
// on receipt.
type DeviceState struct {
	Device      Device       `json:"device"`
	AudioTracks []AudioTrack `json:"audio_tracks"`
	MusicBlocks []MusicBlock `json:"music_blocks"`
	AdBlocks    []AdBlock    `json:"ad_blocks"`
}

// ResolvedBlock is a MusicBlock or AdBlock with Start/End turned into
// timezone-aware instants anchored on a given day, used by the generators'
// first-match scan.
type ResolvedBlock struct {
	ID     int
	Start  time.Time
	End    time.Time
	Tracks []int

	// Ad-only fields, zero-valued for music blocks.
	AdsCountPerBlock int
	PlayAllAds       bool
	PlaybackInterval time.Duration
}

// ResolveBlockTime combines today's date (taken from `now`) with a stored
// time-of-day string and tags the result with now's location. It is a pure
// function so block resolution never needs a lazily-memoized property.
func ResolveBlockTime(now time.Time, tod BlockTimeOfDay) (time.Time, error) {
	t, err := time.ParseInLocation("15:04:05", string(tod), now.Location())
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location()), nil
}

// ResolveMusicBlock resolves a MusicBlock's start/end against now's date and
// location.
func ResolveMusicBlock(b MusicBlock, now time.Time) (ResolvedBlock, error) {
	start, err := ResolveBlockTime(now, b.Start)
	if err != nil {
		return ResolvedBlock{}, err
	}
	end, err := ResolveBlockTime(now, b.End)
	if err != nil {
		return ResolvedBlock{}, err
	}
	return ResolvedBlock{ID: b.ID, Start: start, End: end, Tracks: b.Tracks}, nil
}

// ResolveAdBlock resolves an AdBlock's start/end against now's date and
// location.
func ResolveAdBlock(b AdBlock, now time.Time) (ResolvedBlock, error) {
	start, err := ResolveBlockTime(now, b.Start)
	if err != nil {
		return ResolvedBlock{}, err
	}
	end, err := ResolveBlockTime(now, b.End)
	if err != nil {
		return ResolvedBlock{}, err
	}
	return ResolvedBlock{
		ID:               b.ID,
		Start:            start,
		End:              end,
		Tracks:           b.Tracks,
		AdsCountPerBlock: b.AdsCountPerBlock,
		PlayAllAds:       b.PlayAllAds,
		PlaybackInterval: time.Duration(b.PlaybackInterval) * time.Minute,
	}, nil
}

// InBlock reports whether t falls within [b.Start, b.End] inclusive.
func (b ResolvedBlock) InBlock(t time.Time) bool {
	return !t.Before(b.Start) && !t.After(b.End)
}
