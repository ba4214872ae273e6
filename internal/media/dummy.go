package media

import (
	"sync"
	"time"

	"github.com/Soundfleet/soundfleet-player/internal/soundfleet"
)

// DummyBackend fakes playback with a timer equal to the track's length,
// for tests and for running the daemons without a real audio device.
type DummyBackend struct {
	mu      sync.Mutex
	playing bool
	volume  int
	timer   *time.Timer
}

// NewDummyBackend returns a backend that starts stopped at full volume.
func NewDummyBackend() *DummyBackend {
	return &DummyBackend{volume: 100}
}

func (b *DummyBackend) Play(track soundfleet.PlaylistItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
	}
	b.playing = true
	length := time.Duration(track.Length) * time.Second
	b.timer = time.AfterFunc(length, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.playing = false
	})
	return nil
}

func (b *DummyBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.playing = false
	return nil
}

func (b *DummyBackend) IsPlaying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing
}

func (b *DummyBackend) SetVolume(value int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.volume = value
	return nil
}

// Volume returns the last volume set, for tests.
func (b *DummyBackend) Volume() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.volume
}

var _ Backend = (*DummyBackend)(nil)
