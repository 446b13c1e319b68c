// Package audio drives the background sound bed under a session.
package audio

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/bus"
	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/loqalabs/loqa-meditation/internal/protocol"
)

// Mixer controls background audio. Implementations must not block.
type Mixer interface {
	Play()
	Pause()
	Stop()
	SetVolume(volume float64)
}

// NopMixer discards every command.
type NopMixer struct{}

func (NopMixer) Play()             {}
func (NopMixer) Pause()            {}
func (NopMixer) Stop()             {}
func (NopMixer) SetVolume(float64) {}

// BusMixer publishes mixer commands for a playback target.
type BusMixer struct {
	bus       *bus.Client
	sessionID string
	target    string
	logger    *slog.Logger

	mu      sync.Mutex
	volume  float64
	stopped bool
}

func NewBusMixer(client *bus.Client, sessionID, target string, logger *slog.Logger) *BusMixer {
	return &BusMixer{
		bus:       client,
		sessionID: sessionID,
		target:    target,
		volume:    -1,
		logger:    logger.With(slog.String("component", "mixer")),
	}
}

func (m *BusMixer) Play()  { m.send(protocol.MixerPlay, 0) }
func (m *BusMixer) Pause() { m.send(protocol.MixerPause, 0) }

// Stop is sent once; later commands are dropped.
func (m *BusMixer) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	m.publish(protocol.MixerStop, 0)
}

// SetVolume publishes only when the level changes.
func (m *BusMixer) SetVolume(volume float64) {
	m.mu.Lock()
	if m.volume == volume {
		m.mu.Unlock()
		return
	}
	m.volume = volume
	m.mu.Unlock()
	m.send(protocol.MixerVolume, volume)
}

func (m *BusMixer) send(action string, volume float64) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return
	}
	m.publish(action, volume)
}

func (m *BusMixer) publish(action string, volume float64) {
	cmd := protocol.MixerCommand{
		SessionID: m.sessionID,
		Target:    m.target,
		Action:    action,
		Volume:    volume,
		Timestamp: time.Now().UTC(),
	}
	if err := m.bus.Publish(protocol.SubjectMixer, cmd); err != nil {
		m.logger.Warn("failed to publish mixer command", slog.String("action", action), slog.String("error", err.Error()))
	}
}

// FromConfig returns the mixer selected by cfg.Mixer. A bus mixer needs a
// connected client.
func FromConfig(cfg config.AudioConfig, client *bus.Client, sessionID string, logger *slog.Logger) Mixer {
	if cfg.Mixer == "bus" && client != nil {
		return NewBusMixer(client, sessionID, cfg.Target, logger)
	}
	return NopMixer{}
}
