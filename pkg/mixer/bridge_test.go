package mixer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

const defaultVolumeLine = `{"percent":0,"muted":false,"level":0}`

// syncBuffer collects bridge output while the bridge writes from its own
// goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (sb *syncBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.buf.Write(p)
}

func (sb *syncBuffer) Lines() []string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	raw := strings.TrimSpace(sb.buf.String())
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

func newTestBridge(t *testing.T, config *CanonicalConfig, channel BridgeChannel, format BridgeFormat, out *syncBuffer) *Bridge {
	t.Helper()

	bridge, err := NewBridge(zap.NewNop().Sugar(), config, channel, format, out)
	if err != nil {
		t.Fatalf("create bridge: %v", err)
	}
	return bridge
}

func TestBridgeRejectsSlowProjections(t *testing.T) {
	config := &CanonicalConfig{RuntimeDir: t.TempDir()}

	for _, format := range []BridgeFormat{FormatVolume, FormatMic} {
		if _, err := NewBridge(zap.NewNop().Sugar(), config, ChannelSlow, format, &bytes.Buffer{}); err == nil {
			t.Fatalf("expected slow channel to reject format %s", format)
		}
	}

	if _, err := NewBridge(zap.NewNop().Sugar(), config, ChannelSlow, FormatRaw, &bytes.Buffer{}); err != nil {
		t.Fatalf("slow channel with raw format: %v", err)
	}
}

func TestParseBridgeFlags(t *testing.T) {
	if _, err := ParseBridgeChannel("medium"); err == nil {
		t.Fatalf("expected unknown channel to be rejected")
	}
	if _, err := ParseBridgeFormat("yaml"); err == nil {
		t.Fatalf("expected unknown format to be rejected")
	}

	channel, err := ParseBridgeChannel("slow")
	if err != nil || channel != ChannelSlow {
		t.Fatalf("ParseBridgeChannel(slow) = %v, %v", channel, err)
	}
	format, err := ParseBridgeFormat("mic")
	if err != nil || format != FormatMic {
		t.Fatalf("ParseBridgeFormat(mic) = %v, %v", format, err)
	}
}

func TestBridgeDefaultFrames(t *testing.T) {
	config := &CanonicalConfig{RuntimeDir: t.TempDir()}

	cases := []struct {
		channel BridgeChannel
		format  BridgeFormat
		want    string
	}{
		{ChannelFast, FormatVolume, defaultVolumeLine},
		{ChannelFast, FormatMic, defaultVolumeLine},
		{ChannelFast, FormatRaw, `{"volume_percent":0,"volume_muted":false,"volume_level":0,"mic_percent":0,"mic_muted":false,"mic_level":0,"sink_count":0,"sink_input_count":0,"source_count":0,"source_output_count":0}`},
		{ChannelSlow, FormatRaw, `{"sinks":[],"sink_inputs":[],"sources":[],"source_outputs":[]}`},
	}

	for _, c := range cases {
		out := &syncBuffer{}
		bridge := newTestBridge(t, config, c.channel, c.format, out)

		if err := bridge.emitDefault(); err != nil {
			t.Fatalf("emit default (%s/%s): %v", c.channel, c.format, err)
		}

		lines := out.Lines()
		if len(lines) != 1 || lines[0] != c.want {
			t.Fatalf("default frame for %s/%s = %v, want %s", c.channel, c.format, lines, c.want)
		}
	}
}

func TestBridgeProjections(t *testing.T) {
	config := &CanonicalConfig{RuntimeDir: t.TempDir()}

	fast := FastSummary{
		VolumePercent: 62, VolumeMuted: true, VolumeLevel: 9,
		MicPercent: 33, MicMuted: false, MicLevel: 2,
		SinkCount: 1, SourceCount: 1,
	}
	frame, err := json.Marshal(fast)
	if err != nil {
		t.Fatalf("marshal fast summary: %v", err)
	}

	volumeOut := &syncBuffer{}
	volumeBridge := newTestBridge(t, config, ChannelFast, FormatVolume, volumeOut)
	if err := volumeBridge.emit(frame); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if got := volumeOut.Lines()[0]; got != `{"percent":62,"muted":true,"level":9}` {
		t.Fatalf("volume projection = %s", got)
	}

	micOut := &syncBuffer{}
	micBridge := newTestBridge(t, config, ChannelFast, FormatMic, micOut)
	if err := micBridge.emit(frame); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if got := micOut.Lines()[0]; got != `{"percent":33,"muted":false,"level":2}` {
		t.Fatalf("mic projection = %s", got)
	}

	rawOut := &syncBuffer{}
	rawBridge := newTestBridge(t, config, ChannelFast, FormatRaw, rawOut)
	if err := rawBridge.emit(frame); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if got := rawOut.Lines()[0]; got != string(frame) {
		t.Fatalf("raw forwarding must be verbatim, got %s", got)
	}

	// a malformed frame is dropped, not fatal and not forwarded
	if err := volumeBridge.emit([]byte(`{broken`)); err != nil {
		t.Fatalf("malformed frame must not error: %v", err)
	}
	if len(volumeOut.Lines()) != 1 {
		t.Fatalf("malformed frame must not produce output, got %v", volumeOut.Lines())
	}
}

func TestBridgeForwardsAndRecovers(t *testing.T) {
	config := &CanonicalConfig{
		RuntimeDir:          t.TempDir(),
		BridgeRetryInterval: 10 * time.Millisecond,
		BridgeRetryBudget:   time.Second,
	}

	listener, err := net.Listen("unix", config.FastSocketPath())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	out := &syncBuffer{}
	bridge := newTestBridge(t, config, ChannelFast, FormatVolume, out)

	done := make(chan error, 1)
	go func() {
		done <- bridge.Run()
	}()

	conn, err := listener.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	fast := FastSummary{VolumePercent: 70, VolumeLevel: 15, SinkCount: 1}
	frame, _ := json.Marshal(fast)
	fmt.Fprintln(conn, string(frame))

	waitUntil(t, 2*time.Second, func() bool {
		return len(out.Lines()) >= 2
	}, "bridge did not forward the live frame")

	lines := out.Lines()
	if lines[0] != defaultVolumeLine {
		t.Fatalf("first line must be the default frame, got %s", lines[0])
	}
	if lines[1] != `{"percent":70,"muted":false,"level":15}` {
		t.Fatalf("live frame projection = %s", lines[1])
	}

	// server goes away: the consumer falls back to the default frame
	conn.Close()

	waitUntil(t, 2*time.Second, func() bool {
		return len(out.Lines()) >= 3
	}, "bridge did not emit a default frame after disconnect")

	if got := out.Lines()[2]; got != defaultVolumeLine {
		t.Fatalf("post-disconnect line must be the default frame, got %s", got)
	}

	bridge.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("bridge run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("bridge did not stop")
	}
}

func TestBridgeRunsWithoutDaemon(t *testing.T) {
	config := &CanonicalConfig{
		RuntimeDir:          t.TempDir(),
		BridgeRetryInterval: 5 * time.Millisecond,
		BridgeRetryBudget:   20 * time.Millisecond,
	}

	out := &syncBuffer{}
	bridge := newTestBridge(t, config, ChannelFast, FormatVolume, out)

	done := make(chan error, 1)
	go func() {
		done <- bridge.Run()
	}()

	// let the retry budget run out while nothing is listening
	waitUntil(t, time.Second, func() bool {
		return len(out.Lines()) >= 1
	}, "bridge did not emit its default frame")

	time.Sleep(50 * time.Millisecond)
	bridge.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon absence must never be an error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("bridge did not stop")
	}

	if lines := out.Lines(); len(lines) != 1 || lines[0] != defaultVolumeLine {
		t.Fatalf("expected exactly the default frame, got %v", lines)
	}
}
