// Package media plays audio tracks through a pluggable backend: a dummy
// timer-based backend for tests and a backend that execs a real media
// player binary. Grounded on the stub adapter's mutex-guarded state and the
// process group lifecycle helper used for exec-managed subprocesses.
package media

import "github.com/Soundfleet/soundfleet-player/internal/soundfleet"

// Backend plays, stops and reports on a single audio stream.
type Backend interface {
	Play(track soundfleet.PlaylistItem) error
	Stop() error
	IsPlaying() bool
	SetVolume(value int) error
}
