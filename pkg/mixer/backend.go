package mixer

import (
	"context"
	"errors"
)

var (
	// ErrBackendUnavailable means the audio server could not be reached at all.
	// Fatal during startup
	ErrBackendUnavailable = errors.New("audio backend unavailable")

	// ErrBackendDisconnected means an established connection was lost
	ErrBackendDisconnected = errors.New("audio backend disconnected")
)

// volume percent bounds; values above 100 are backend-permitted amplification
const (
	minVolumePercent = 0
	maxVolumePercent = 150
)

// ClampPercent forces a requested volume into the permitted range.
// Out-of-range input is clamped, never rejected
func ClampPercent(percent int) int {
	if percent < minVolumePercent {
		return minVolumePercent
	}
	if percent > maxVolumePercent {
		return maxVolumePercent
	}
	return percent
}

// BackendEvent is implemented by every notification derived from the audio
// server's subscription stream. Events carry fresh state, re-queried at
// delivery time, so consumers never trust stale payloads
type BackendEvent interface {
	backendEvent()
}

// DeviceChanged reports a new or updated device (add and change collapse into
// an upsert; classification is derived from what actually changed)
type DeviceChanged struct {
	Kind   DeviceKind
	Device Device
}

// DeviceRemoved reports a device disappearing
type DeviceRemoved struct {
	Kind  DeviceKind
	Index uint32
}

// StreamChanged reports a new, updated or moved application stream
type StreamChanged struct {
	Kind   StreamKind
	Stream Stream
}

// StreamRemoved reports an application stream going away
type StreamRemoved struct {
	Kind  StreamKind
	Index uint32
}

// DefaultsChanged reports the server's default routing targets by name
type DefaultsChanged struct {
	DefaultSink   string
	DefaultSource string
}

// PeakChanged reports a new peak meter reading for a device kind's default
type PeakChanged struct {
	Kind  DeviceKind
	Level int
}

// Resynced replaces the whole snapshot, emitted after a reconnect
type Resynced struct {
	Snapshot *MixerSnapshot
}

func (DeviceChanged) backendEvent()   {}
func (DeviceRemoved) backendEvent()   {}
func (StreamChanged) backendEvent()   {}
func (StreamRemoved) backendEvent()   {}
func (DefaultsChanged) backendEvent() {}
func (PeakChanged) backendEvent()     {}
func (Resynced) backendEvent()        {}

// Backend wraps the system audio server's control and event-subscription APIs.
// Mutations are fire-and-confirm: they apply the change and return, and the
// server's own echo event is what updates the snapshot
type Backend interface {
	Connect() error
	Close()

	// Ping verifies the connection is still serving requests
	Ping() error

	// Reconnect re-establishes a lost connection with backoff until it
	// succeeds or ctx is cancelled, then emits a Resynced event
	Reconnect(ctx context.Context) error

	QueryState() (*MixerSnapshot, error)
	Events() <-chan BackendEvent

	SetVolume(kind DeviceKind, index uint32, percent int) error
	SetStreamVolume(kind StreamKind, index uint32, percent int) error
	ToggleMute(kind DeviceKind, index uint32) error
	ToggleStreamMute(kind StreamKind, index uint32) error
	SetDefault(kind DeviceKind, name string) error
	MoveStream(kind StreamKind, index uint32, deviceIndex uint32) error
}
