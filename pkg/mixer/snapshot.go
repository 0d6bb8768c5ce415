package mixer

import (
	"fmt"
	"sort"

	"github.com/thoas/go-funk"
)

// DeviceKind distinguishes playback endpoints from capture endpoints
type DeviceKind string

const (
	KindSink   DeviceKind = "sink"
	KindSource DeviceKind = "source"
)

// StreamKind distinguishes application playback streams from capture streams
type StreamKind string

const (
	KindSinkInput    StreamKind = "sink-input"
	KindSourceOutput StreamKind = "source-output"
)

// ParseDeviceKind maps a control-request token to a DeviceKind
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch s {
	case string(KindSink):
		return KindSink, nil
	case string(KindSource):
		return KindSource, nil
	}

	return "", fmt.Errorf("unknown device kind: %q", s)
}

// ParseStreamKind maps a control-request token to a StreamKind
func ParseStreamKind(s string) (StreamKind, error) {
	switch s {
	case string(KindSinkInput):
		return KindSinkInput, nil
	case string(KindSourceOutput):
		return KindSourceOutput, nil
	}

	return "", fmt.Errorf("unknown stream kind: %q", s)
}

// Device is one audio endpoint. Volume is an integer percent in [0,150];
// values above 100 are backend-permitted amplification
type Device struct {
	Index     uint32 `json:"index"`
	Name      string `json:"name"`
	Volume    int    `json:"volume"`
	Muted     bool   `json:"muted"`
	IsDefault bool   `json:"is_default"`
}

// Stream is one application's active playback or capture session
type Stream struct {
	Index       uint32 `json:"index"`
	DeviceIndex uint32 `json:"device_index"`
	Volume      int    `json:"volume"`
	Muted       bool   `json:"muted"`
	Application string `json:"application"`
}

// MixerSnapshot is the canonical aggregate of every known device and stream.
// The aggregator is its only writer; everyone else gets copies
type MixerSnapshot struct {
	Sinks         []Device `json:"sinks"`
	SinkInputs    []Stream `json:"sink_inputs"`
	Sources       []Device `json:"sources"`
	SourceOutputs []Stream `json:"source_outputs"`
}

// SlowSummary is the full topology listing pushed on device/stream changes.
// It carries the snapshot's shape and no peak data
type SlowSummary = MixerSnapshot

// FastSummary is the cheap projection pushed on level/mute changes
type FastSummary struct {
	VolumePercent int  `json:"volume_percent"`
	VolumeMuted   bool `json:"volume_muted"`
	VolumeLevel   int  `json:"volume_level"`

	MicPercent int  `json:"mic_percent"`
	MicMuted   bool `json:"mic_muted"`
	MicLevel   int  `json:"mic_level"`

	SinkCount         int `json:"sink_count"`
	SinkInputCount    int `json:"sink_input_count"`
	SourceCount       int `json:"source_count"`
	SourceOutputCount int `json:"source_output_count"`
}

// NewMixerSnapshot returns an empty snapshot whose collections marshal as
// empty lists rather than null
func NewMixerSnapshot() *MixerSnapshot {
	return &MixerSnapshot{
		Sinks:         []Device{},
		SinkInputs:    []Stream{},
		Sources:       []Device{},
		SourceOutputs: []Stream{},
	}
}

// Clone returns a deep copy of the snapshot
func (s *MixerSnapshot) Clone() *MixerSnapshot {
	if s == nil {
		return NewMixerSnapshot()
	}

	c := &MixerSnapshot{
		Sinks:         make([]Device, len(s.Sinks)),
		SinkInputs:    make([]Stream, len(s.SinkInputs)),
		Sources:       make([]Device, len(s.Sources)),
		SourceOutputs: make([]Stream, len(s.SourceOutputs)),
	}

	copy(c.Sinks, s.Sinks)
	copy(c.SinkInputs, s.SinkInputs)
	copy(c.Sources, s.Sources)
	copy(c.SourceOutputs, s.SourceOutputs)

	return c
}

// Equal reports structural equality with another snapshot
func (s *MixerSnapshot) Equal(other *MixerSnapshot) bool {
	if s == nil || other == nil {
		return s == other
	}

	return devicesEqual(s.Sinks, other.Sinks) &&
		streamsEqual(s.SinkInputs, other.SinkInputs) &&
		devicesEqual(s.Sources, other.Sources) &&
		streamsEqual(s.SourceOutputs, other.SourceOutputs)
}

func devicesEqual(a, b []Device) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func streamsEqual(a, b []Stream) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// topologyEqual reports whether two snapshots describe the same topology:
// membership, identity, routing and default flags. Volume and mute deltas
// on existing entries don't count
func topologyEqual(a, b *MixerSnapshot) bool {
	if a == nil || b == nil {
		return a == b
	}

	return deviceTopologyEqual(a.Sinks, b.Sinks) &&
		streamTopologyEqual(a.SinkInputs, b.SinkInputs) &&
		deviceTopologyEqual(a.Sources, b.Sources) &&
		streamTopologyEqual(a.SourceOutputs, b.SourceOutputs)
}

func deviceTopologyEqual(a, b []Device) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Index != b[i].Index ||
			a[i].Name != b[i].Name ||
			a[i].IsDefault != b[i].IsDefault {
			return false
		}
	}
	return true
}

func streamTopologyEqual(a, b []Stream) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Index != b[i].Index ||
			a[i].DeviceIndex != b[i].DeviceIndex ||
			a[i].Application != b[i].Application {
			return false
		}
	}
	return true
}

// DefaultSink returns the current default playback device, if one exists
func (s *MixerSnapshot) DefaultSink() (Device, bool) {
	return defaultOf(s.Sinks)
}

// DefaultSource returns the current default capture device, if one exists
func (s *MixerSnapshot) DefaultSource() (Device, bool) {
	return defaultOf(s.Sources)
}

func defaultOf(devices []Device) (Device, bool) {
	found := funk.Find(devices, func(d Device) bool { return d.IsDefault })
	if found == nil {
		return Device{}, false
	}

	return found.(Device), true
}

// Device returns the device of the given kind and index, if present
func (s *MixerSnapshot) Device(kind DeviceKind, index uint32) (Device, bool) {
	found := funk.Find(s.devices(kind), func(d Device) bool { return d.Index == index })
	if found == nil {
		return Device{}, false
	}

	return found.(Device), true
}

// Stream returns the stream of the given kind and index, if present
func (s *MixerSnapshot) Stream(kind StreamKind, index uint32) (Stream, bool) {
	found := funk.Find(s.streams(kind), func(st Stream) bool { return st.Index == index })
	if found == nil {
		return Stream{}, false
	}

	return found.(Stream), true
}

func (s *MixerSnapshot) devices(kind DeviceKind) []Device {
	if kind == KindSink {
		return s.Sinks
	}
	return s.Sources
}

func (s *MixerSnapshot) setDevices(kind DeviceKind, devices []Device) {
	if kind == KindSink {
		s.Sinks = devices
	} else {
		s.Sources = devices
	}
}

func (s *MixerSnapshot) streams(kind StreamKind) []Stream {
	if kind == KindSinkInput {
		return s.SinkInputs
	}
	return s.SourceOutputs
}

func (s *MixerSnapshot) setStreams(kind StreamKind, streams []Stream) {
	if kind == KindSinkInput {
		s.SinkInputs = streams
	} else {
		s.SourceOutputs = streams
	}
}

// upsertDevice inserts or replaces a device by index and restores ordering.
// At most one device per kind keeps the default flag
func (s *MixerSnapshot) upsertDevice(kind DeviceKind, dev Device) {
	devices := s.devices(kind)

	if dev.IsDefault {
		for i := range devices {
			if devices[i].Index != dev.Index {
				devices[i].IsDefault = false
			}
		}
	}

	replaced := false
	for i := range devices {
		if devices[i].Index == dev.Index {
			devices[i] = dev
			replaced = true
			break
		}
	}
	if !replaced {
		devices = append(devices, dev)
	}

	sortDevices(devices)
	s.setDevices(kind, devices)
}

// removeDevice drops a device by index, along with any streams that were
// attached to it (the snapshot never references an absent device)
func (s *MixerSnapshot) removeDevice(kind DeviceKind, index uint32) {
	devices := funk.Filter(s.devices(kind), func(d Device) bool {
		return d.Index != index
	}).([]Device)
	s.setDevices(kind, devices)

	streamKind := KindSinkInput
	if kind == KindSource {
		streamKind = KindSourceOutput
	}

	streams := funk.Filter(s.streams(streamKind), func(st Stream) bool {
		return st.DeviceIndex != index
	}).([]Stream)
	s.setStreams(streamKind, streams)
}

// upsertStream inserts or replaces a stream by index. A stream pointing at a
// device the snapshot doesn't know is dropped to keep the aggregate consistent
func (s *MixerSnapshot) upsertStream(kind StreamKind, st Stream) {
	deviceKind := KindSink
	if kind == KindSourceOutput {
		deviceKind = KindSource
	}

	if _, ok := s.Device(deviceKind, st.DeviceIndex); !ok {
		s.removeStream(kind, st.Index)
		return
	}

	streams := s.streams(kind)

	replaced := false
	for i := range streams {
		if streams[i].Index == st.Index {
			streams[i] = st
			replaced = true
			break
		}
	}
	if !replaced {
		streams = append(streams, st)
	}

	sort.Slice(streams, func(i, j int) bool { return streams[i].Index < streams[j].Index })
	s.setStreams(kind, streams)
}

// removeStream drops a stream by index
func (s *MixerSnapshot) removeStream(kind StreamKind, index uint32) {
	streams := funk.Filter(s.streams(kind), func(st Stream) bool {
		return st.Index != index
	}).([]Stream)
	s.setStreams(kind, streams)
}

// setDefaults flips is_default flags to match the given device names and
// restores the default-first ordering
func (s *MixerSnapshot) setDefaults(defaultSink, defaultSource string) {
	for i := range s.Sinks {
		s.Sinks[i].IsDefault = s.Sinks[i].Name == defaultSink && defaultSink != ""
	}
	for i := range s.Sources {
		s.Sources[i].IsDefault = s.Sources[i].Name == defaultSource && defaultSource != ""
	}

	sortDevices(s.Sinks)
	sortDevices(s.Sources)
}

// sortDevices orders a device list default-first, then by backend index
func sortDevices(devices []Device) {
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].IsDefault != devices[j].IsDefault {
			return devices[i].IsDefault
		}
		return devices[i].Index < devices[j].Index
	})
}

// FastSummaryWith derives the fast projection from the snapshot plus the
// current peak levels
func (s *MixerSnapshot) FastSummaryWith(volumeLevel, micLevel int) FastSummary {
	fast := FastSummary{
		VolumeLevel:       volumeLevel,
		MicLevel:          micLevel,
		SinkCount:         len(s.Sinks),
		SinkInputCount:    len(s.SinkInputs),
		SourceCount:       len(s.Sources),
		SourceOutputCount: len(s.SourceOutputs),
	}

	if def, ok := s.DefaultSink(); ok {
		fast.VolumePercent = def.Volume
		fast.VolumeMuted = def.Muted
	}
	if def, ok := s.DefaultSource(); ok {
		fast.MicPercent = def.Volume
		fast.MicMuted = def.Muted
	}

	return fast
}
