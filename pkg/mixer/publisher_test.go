package mixer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stalexteam/eww-mixer/pkg/mixer/util"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func newTestPublisher(t *testing.T) (*Publisher, *CanonicalConfig, *Aggregator) {
	t.Helper()

	config := &CanonicalConfig{RuntimeDir: t.TempDir()}
	agg := seededAggregator(t)
	pub := NewPublisher(zap.NewNop().Sugar(), config, agg, newFakeBackend(), func() {})

	if err := pub.Start(); err != nil {
		t.Fatalf("start publisher: %v", err)
	}
	t.Cleanup(pub.Stop)

	return pub, config, agg
}

func dialSocket(t *testing.T, path string) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readLine(t *testing.T, scanner *bufio.Scanner) string {
	t.Helper()

	lines := make(chan string, 1)
	go func() {
		if scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	select {
	case line, ok := <-lines:
		if !ok {
			t.Fatalf("connection closed before line arrived: %v", scanner.Err())
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for line")
		return ""
	}
}

func TestControlSocketRoundTrip(t *testing.T) {
	_, config, agg := newTestPublisher(t)

	conn := dialSocket(t, config.ControlSocketPath())
	scanner := bufio.NewScanner(conn)

	// one connection may issue any number of requests
	fmt.Fprintln(conn, "ping")
	if got := readLine(t, scanner); got != okLine {
		t.Fatalf("ping = %s", got)
	}

	fmt.Fprintln(conn, "get-state")
	var snapshot MixerSnapshot
	if err := json.Unmarshal([]byte(readLine(t, scanner)), &snapshot); err != nil {
		t.Fatalf("get-state did not return a snapshot: %v", err)
	}
	if !snapshot.Equal(agg.State()) {
		t.Fatalf("get-state state mismatch")
	}

	fmt.Fprintln(conn, "no-such-verb")
	assertErrorResponse(t, readLine(t, scanner), "")
}

func TestPushSocketDeliversFrames(t *testing.T) {
	pub, config, _ := newTestPublisher(t)

	conn := dialSocket(t, config.FastSocketPath())
	scanner := bufio.NewScanner(conn)

	summary := FastSummary{VolumePercent: 40, SinkCount: 1}
	pub.PublishFast(summary)

	var got FastSummary
	if err := json.Unmarshal([]byte(readLine(t, scanner)), &got); err != nil {
		t.Fatalf("bad fast frame: %v", err)
	}
	if got != summary {
		t.Fatalf("fast frame = %+v, want %+v", got, summary)
	}

	summary.VolumePercent = 45
	pub.PublishFast(summary)
	if err := json.Unmarshal([]byte(readLine(t, scanner)), &got); err != nil {
		t.Fatalf("bad fast frame: %v", err)
	}
	if got.VolumePercent != 45 {
		t.Fatalf("expected follow-up frame, got %+v", got)
	}
}

func TestPushSocketPreloadsLatestFrame(t *testing.T) {
	pub, config, _ := newTestPublisher(t)

	slow := NewMixerSnapshot()
	slow.upsertDevice(KindSink, Device{Index: 1, Name: "hdmi", IsDefault: true})
	pub.PublishSlow(slow)

	// consumer attaching after the fact starts from current state
	conn := dialSocket(t, config.SlowSocketPath())
	scanner := bufio.NewScanner(conn)

	var got MixerSnapshot
	if err := json.Unmarshal([]byte(readLine(t, scanner)), &got); err != nil {
		t.Fatalf("bad slow frame: %v", err)
	}
	if len(got.Sinks) != 1 || got.Sinks[0].Name != "hdmi" {
		t.Fatalf("late joiner should get the latest slow frame, got %+v", got)
	}
}

func TestPublisherStopCleansUp(t *testing.T) {
	config := &CanonicalConfig{RuntimeDir: t.TempDir()}
	pub := NewPublisher(zap.NewNop().Sugar(), config, seededAggregator(t), newFakeBackend(), func() {})

	if err := pub.Start(); err != nil {
		t.Fatalf("start publisher: %v", err)
	}

	conn := dialSocket(t, config.FastSocketPath())

	pub.Stop()

	// the push connection is severed, not left dangling
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected read to fail after stop")
	}

	for _, path := range []string{
		config.ControlSocketPath(),
		config.FastSocketPath(),
		config.SlowSocketPath(),
	} {
		if util.SocketExists(path) {
			t.Fatalf("socket %s still present after stop", path)
		}
	}

	if _, err := net.DialTimeout("unix", config.ControlSocketPath(), 100*time.Millisecond); err == nil {
		t.Fatalf("expected dial to fail after stop")
	}
}

func TestPublisherKillRequest(t *testing.T) {
	config := &CanonicalConfig{RuntimeDir: t.TempDir()}

	killed := make(chan struct{}, 1)
	pub := NewPublisher(zap.NewNop().Sugar(), config, seededAggregator(t), newFakeBackend(), func() {
		killed <- struct{}{}
	})

	if err := pub.Start(); err != nil {
		t.Fatalf("start publisher: %v", err)
	}
	t.Cleanup(pub.Stop)

	response, err := SendRequest(config.ControlSocketPath(), "kill", time.Second)
	if err != nil {
		t.Fatalf("send kill: %v", err)
	}
	if response != okLine {
		t.Fatalf("kill = %s", response)
	}

	select {
	case <-killed:
	case <-time.After(time.Second):
		t.Fatalf("kill request did not reach the daemon")
	}
}

func TestPingHelper(t *testing.T) {
	_, config, _ := newTestPublisher(t)

	if !Ping(config.ControlSocketPath(), time.Second) {
		t.Fatalf("expected ping to succeed against a live publisher")
	}

	if Ping(config.ControlSocketPath()+".missing", 100*time.Millisecond) {
		t.Fatalf("expected ping to fail against a missing socket")
	}
}
