package media

import (
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Soundfleet/soundfleet-player/internal/procgroup"
	"github.com/Soundfleet/soundfleet-player/internal/soundfleet"
)

// ExecConfig configures an ExecBackend.
type ExecConfig struct {
	// Player is the binary to run, e.g. "mpv" or "ffplay".
	Player string
	// Args are appended after Player; "{uri}" is replaced with the track's
	// playable URI and "{volume}" with the current volume (0-100).
	Args []string

	KillGrace   time.Duration
	KillTimeout time.Duration
}

// ExecBackend plays a track by spawning a configured player binary in its
// own process group, so a stuck player can be reaped as a group rather than
// leaking a child process tree.
type ExecBackend struct {
	cfg    ExecConfig
	logger zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	volume int
}

// NewExecBackend returns a backend that starts stopped at full volume.
func NewExecBackend(cfg ExecConfig, logger zerolog.Logger) *ExecBackend {
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 2 * time.Second
	}
	if cfg.KillTimeout == 0 {
		cfg.KillTimeout = 5 * time.Second
	}
	return &ExecBackend{cfg: cfg, logger: logger, volume: 100}
}

func (b *ExecBackend) Play(track soundfleet.PlaylistItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd != nil {
		b.stopLocked()
	}

	args := make([]string, len(b.cfg.Args))
	for i, a := range b.cfg.Args {
		switch a {
		case "{uri}":
			args[i] = track.URI
		case "{volume}":
			args[i] = strconv.Itoa(b.volume)
		default:
			args[i] = a
		}
	}

	cmd := exec.Command(b.cfg.Player, args...)
	procgroup.Set(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	b.cmd = cmd

	go func() {
		_ = cmd.Wait()
		b.mu.Lock()
		if b.cmd == cmd {
			b.cmd = nil
		}
		b.mu.Unlock()
	}()
	return nil
}

func (b *ExecBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopLocked()
}

func (b *ExecBackend) stopLocked() error {
	if b.cmd == nil || b.cmd.Process == nil {
		return nil
	}
	pid := b.cmd.Process.Pid
	b.cmd = nil
	return procgroup.KillGroup(pid, b.cfg.KillGrace, b.cfg.KillTimeout)
}

func (b *ExecBackend) IsPlaying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cmd != nil
}

func (b *ExecBackend) SetVolume(value int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.volume = value
	return nil
}

var _ Backend = (*ExecBackend)(nil)
