package media

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Soundfleet/soundfleet-player/internal/soundfleet"
)

func TestDummyBackend_PlayStopsAfterTrackLength(t *testing.T) {
	b := NewDummyBackend()
	require.False(t, b.IsPlaying())

	require.NoError(t, b.Play(soundfleet.PlaylistItem{AudioTrack: soundfleet.AudioTrack{Length: 1}}))
	assert.True(t, b.IsPlaying())

	require.Eventually(t, func() bool { return !b.IsPlaying() }, 2*time.Second, 10*time.Millisecond)
}

func TestDummyBackend_StopEndsPlaybackEarly(t *testing.T) {
	b := NewDummyBackend()
	require.NoError(t, b.Play(soundfleet.PlaylistItem{AudioTrack: soundfleet.AudioTrack{Length: 30}}))
	assert.True(t, b.IsPlaying())

	require.NoError(t, b.Stop())
	assert.False(t, b.IsPlaying())
}

func TestDummyBackend_SetVolume(t *testing.T) {
	b := NewDummyBackend()
	assert.Equal(t, 100, b.Volume())
	require.NoError(t, b.SetVolume(42))
	assert.Equal(t, 42, b.Volume())
}

func TestExecBackend_PlayAndStop(t *testing.T) {
	cfg := ExecConfig{Player: "sleep", Args: []string{"5"}, KillGrace: 50 * time.Millisecond, KillTimeout: time.Second}
	b := NewExecBackend(cfg, zerolog.Nop())

	require.NoError(t, b.Play(soundfleet.PlaylistItem{}))
	assert.True(t, b.IsPlaying())

	require.NoError(t, b.Stop())
	require.Eventually(t, func() bool { return !b.IsPlaying() }, time.Second, 10*time.Millisecond)
}

func TestExecBackend_PlayExitsOnItsOwn(t *testing.T) {
	cfg := ExecConfig{Player: "true"}
	b := NewExecBackend(cfg, zerolog.Nop())

	require.NoError(t, b.Play(soundfleet.PlaylistItem{}))
	require.Eventually(t, func() bool { return !b.IsPlaying() }, time.Second, 10*time.Millisecond)
}

func TestExecBackend_PlaySubstitutesURI(t *testing.T) {
	cfg := ExecConfig{Player: "sh", Args: []string{"-c", "sleep 0.2", "{uri}"}}
	b := NewExecBackend(cfg, zerolog.Nop())

	require.NoError(t, b.Play(soundfleet.PlaylistItem{URI: "file:///tmp/a.mp3"}))
	assert.True(t, b.IsPlaying())
	b.mu.Lock()
	args := b.cmd.Args
	b.mu.Unlock()
	assert.Equal(t, []string{"sh", "-c", "sleep 0.2", "file:///tmp/a.mp3"}, args)
	require.NoError(t, b.Stop())
}

func TestExecBackend_SecondPlayStopsFirst(t *testing.T) {
	cfg := ExecConfig{Player: "sleep", Args: []string{"5"}, KillGrace: 50 * time.Millisecond, KillTimeout: time.Second}
	b := NewExecBackend(cfg, zerolog.Nop())

	require.NoError(t, b.Play(soundfleet.PlaylistItem{}))
	require.NoError(t, b.Play(soundfleet.PlaylistItem{}))
	assert.True(t, b.IsPlaying())

	require.NoError(t, b.Stop())
}

func TestExecBackend_SetVolume(t *testing.T) {
	b := NewExecBackend(ExecConfig{Player: "true"}, zerolog.Nop())
	require.NoError(t, b.SetVolume(10))
}
