package mixer

import (
	"encoding/json"
	"testing"
)

func TestParseDeviceKind(t *testing.T) {
	if kind, err := ParseDeviceKind("sink"); err != nil || kind != KindSink {
		t.Fatalf("ParseDeviceKind(sink) = %v, %v", kind, err)
	}
	if kind, err := ParseDeviceKind("source"); err != nil || kind != KindSource {
		t.Fatalf("ParseDeviceKind(source) = %v, %v", kind, err)
	}
	if _, err := ParseDeviceKind("sink-input"); err == nil {
		t.Fatalf("expected error for stream kind passed as device kind")
	}
}

func TestParseStreamKind(t *testing.T) {
	if kind, err := ParseStreamKind("sink-input"); err != nil || kind != KindSinkInput {
		t.Fatalf("ParseStreamKind(sink-input) = %v, %v", kind, err)
	}
	if kind, err := ParseStreamKind("source-output"); err != nil || kind != KindSourceOutput {
		t.Fatalf("ParseStreamKind(source-output) = %v, %v", kind, err)
	}
	if _, err := ParseStreamKind("sink"); err == nil {
		t.Fatalf("expected error for device kind passed as stream kind")
	}
}

func TestEmptySnapshotMarshalsAsEmptyLists(t *testing.T) {
	data, err := json.Marshal(NewMixerSnapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	want := `{"sinks":[],"sink_inputs":[],"sources":[],"source_outputs":[]}`
	if string(data) != want {
		t.Fatalf("empty snapshot = %s, want %s", data, want)
	}
}

func TestUpsertDeviceReplacesByIndex(t *testing.T) {
	s := NewMixerSnapshot()
	s.upsertDevice(KindSink, Device{Index: 1, Name: "hdmi", Volume: 40})
	s.upsertDevice(KindSink, Device{Index: 1, Name: "hdmi", Volume: 55})

	if len(s.Sinks) != 1 {
		t.Fatalf("expected 1 sink, got %d", len(s.Sinks))
	}
	if s.Sinks[0].Volume != 55 {
		t.Fatalf("expected volume 55, got %d", s.Sinks[0].Volume)
	}
}

func TestUpsertDeviceKeepsSingleDefault(t *testing.T) {
	s := NewMixerSnapshot()
	s.upsertDevice(KindSink, Device{Index: 1, Name: "hdmi", IsDefault: true})
	s.upsertDevice(KindSink, Device{Index: 2, Name: "analog", IsDefault: true})

	defaults := 0
	for _, sink := range s.Sinks {
		if sink.IsDefault {
			defaults++
			if sink.Index != 2 {
				t.Fatalf("expected sink 2 to be default, got %d", sink.Index)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default sink, got %d", defaults)
	}
}

func TestDevicesSortDefaultFirst(t *testing.T) {
	s := NewMixerSnapshot()
	s.upsertDevice(KindSink, Device{Index: 3, Name: "usb"})
	s.upsertDevice(KindSink, Device{Index: 1, Name: "hdmi"})
	s.upsertDevice(KindSink, Device{Index: 7, Name: "analog", IsDefault: true})

	if s.Sinks[0].Index != 7 {
		t.Fatalf("expected default sink first, got index %d", s.Sinks[0].Index)
	}
	if s.Sinks[1].Index != 1 || s.Sinks[2].Index != 3 {
		t.Fatalf("expected remaining sinks in index order, got %v", s.Sinks)
	}
}

func TestRemoveDeviceDropsAttachedStreams(t *testing.T) {
	s := NewMixerSnapshot()
	s.upsertDevice(KindSink, Device{Index: 1, Name: "hdmi"})
	s.upsertDevice(KindSink, Device{Index: 2, Name: "analog"})
	s.upsertStream(KindSinkInput, Stream{Index: 10, DeviceIndex: 1, Application: "mpv"})
	s.upsertStream(KindSinkInput, Stream{Index: 11, DeviceIndex: 2, Application: "firefox"})

	s.removeDevice(KindSink, 1)

	if len(s.Sinks) != 1 || s.Sinks[0].Index != 2 {
		t.Fatalf("expected only sink 2 to remain, got %v", s.Sinks)
	}
	if len(s.SinkInputs) != 1 || s.SinkInputs[0].Index != 11 {
		t.Fatalf("expected only stream 11 to remain, got %v", s.SinkInputs)
	}
}

func TestUpsertStreamDropsOrphans(t *testing.T) {
	s := NewMixerSnapshot()
	s.upsertDevice(KindSink, Device{Index: 1, Name: "hdmi"})

	// stream pointing at a device we don't know never enters the snapshot
	s.upsertStream(KindSinkInput, Stream{Index: 10, DeviceIndex: 99, Application: "mpv"})
	if len(s.SinkInputs) != 0 {
		t.Fatalf("expected orphan stream to be dropped, got %v", s.SinkInputs)
	}

	// a known stream re-routed to an unknown device is dropped as well
	s.upsertStream(KindSinkInput, Stream{Index: 10, DeviceIndex: 1, Application: "mpv"})
	if len(s.SinkInputs) != 1 {
		t.Fatalf("expected stream to be present, got %v", s.SinkInputs)
	}

	s.upsertStream(KindSinkInput, Stream{Index: 10, DeviceIndex: 99, Application: "mpv"})
	if len(s.SinkInputs) != 0 {
		t.Fatalf("expected re-routed orphan to be dropped, got %v", s.SinkInputs)
	}
}

func TestSetDefaultsFlipsFlagsByName(t *testing.T) {
	s := NewMixerSnapshot()
	s.upsertDevice(KindSink, Device{Index: 1, Name: "hdmi", IsDefault: true})
	s.upsertDevice(KindSink, Device{Index: 2, Name: "analog"})
	s.upsertDevice(KindSource, Device{Index: 5, Name: "mic"})

	s.setDefaults("analog", "mic")

	def, ok := s.DefaultSink()
	if !ok || def.Name != "analog" {
		t.Fatalf("expected analog to be the default sink, got %v (%v)", def, ok)
	}

	def, ok = s.DefaultSource()
	if !ok || def.Name != "mic" {
		t.Fatalf("expected mic to be the default source, got %v (%v)", def, ok)
	}

	// clearing the name clears the flag
	s.setDefaults("", "mic")
	if _, ok := s.DefaultSink(); ok {
		t.Fatalf("expected no default sink after clearing")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewMixerSnapshot()
	s.upsertDevice(KindSink, Device{Index: 1, Name: "hdmi", Volume: 40})

	c := s.Clone()
	c.Sinks[0].Volume = 99

	if s.Sinks[0].Volume != 40 {
		t.Fatalf("mutating the clone changed the original: %v", s.Sinks)
	}

	var nilSnapshot *MixerSnapshot
	if got := nilSnapshot.Clone(); got == nil || len(got.Sinks) != 0 {
		t.Fatalf("nil clone should be an empty snapshot, got %v", got)
	}
}

func TestTopologyEqualIgnoresLevels(t *testing.T) {
	a := NewMixerSnapshot()
	a.upsertDevice(KindSink, Device{Index: 1, Name: "hdmi", Volume: 40, IsDefault: true})
	a.upsertStream(KindSinkInput, Stream{Index: 10, DeviceIndex: 1, Volume: 80, Application: "mpv"})

	b := a.Clone()
	b.Sinks[0].Volume = 70
	b.Sinks[0].Muted = true
	b.SinkInputs[0].Volume = 20

	if !topologyEqual(a, b) {
		t.Fatalf("volume and mute deltas must not count as topology changes")
	}
}

func TestTopologyEqualSeesStructure(t *testing.T) {
	base := NewMixerSnapshot()
	base.upsertDevice(KindSink, Device{Index: 1, Name: "hdmi", IsDefault: true})
	base.upsertDevice(KindSink, Device{Index: 2, Name: "analog"})
	base.upsertStream(KindSinkInput, Stream{Index: 10, DeviceIndex: 1, Application: "mpv"})

	renamed := base.Clone()
	renamed.Sinks[1].Name = "usb"
	if topologyEqual(base, renamed) {
		t.Fatalf("a device rename is a topology change")
	}

	moved := base.Clone()
	moved.SinkInputs[0].DeviceIndex = 2
	if topologyEqual(base, moved) {
		t.Fatalf("a stream moving between devices is a topology change")
	}

	grown := base.Clone()
	grown.upsertStream(KindSinkInput, Stream{Index: 11, DeviceIndex: 2, Application: "firefox"})
	if topologyEqual(base, grown) {
		t.Fatalf("a new stream is a topology change")
	}

	redefaulted := base.Clone()
	redefaulted.setDefaults("analog", "")
	if topologyEqual(base, redefaulted) {
		t.Fatalf("a default change is a topology change")
	}
}

func TestFastSummaryProjection(t *testing.T) {
	s := NewMixerSnapshot()
	s.upsertDevice(KindSink, Device{Index: 1, Name: "hdmi", Volume: 65, Muted: true, IsDefault: true})
	s.upsertDevice(KindSink, Device{Index: 2, Name: "analog", Volume: 30})
	s.upsertDevice(KindSource, Device{Index: 5, Name: "mic", Volume: 80, IsDefault: true})
	s.upsertStream(KindSinkInput, Stream{Index: 10, DeviceIndex: 1, Application: "mpv"})

	fast := s.FastSummaryWith(42, 7)

	want := FastSummary{
		VolumePercent:  65,
		VolumeMuted:    true,
		VolumeLevel:    42,
		MicPercent:     80,
		MicLevel:       7,
		SinkCount:      2,
		SinkInputCount: 1,
		SourceCount:    1,
	}
	if fast != want {
		t.Fatalf("fast summary = %+v, want %+v", fast, want)
	}
}

func TestFastSummaryWithoutDefaults(t *testing.T) {
	s := NewMixerSnapshot()
	s.upsertDevice(KindSink, Device{Index: 1, Name: "hdmi", Volume: 65})

	fast := s.FastSummaryWith(0, 0)
	if fast.VolumePercent != 0 || fast.VolumeMuted {
		t.Fatalf("no default sink means zero volume fields, got %+v", fast)
	}
	if fast.SinkCount != 1 {
		t.Fatalf("counts still reflect the snapshot, got %+v", fast)
	}
}
