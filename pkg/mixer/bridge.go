package mixer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stalexteam/eww-mixer/pkg/mixer/util"
)

// BridgeChannel selects which push socket a bridge consumes
type BridgeChannel string

const (
	ChannelFast BridgeChannel = "fast"
	ChannelSlow BridgeChannel = "slow"
)

// BridgeFormat selects the projection applied to forwarded frames
type BridgeFormat string

const (
	FormatRaw    BridgeFormat = "raw"
	FormatVolume BridgeFormat = "volume"
	FormatMic    BridgeFormat = "mic"
)

const (
	daemonExecutable = "eww-mixerd"

	// once the retry budget runs out, dialing slows to this pace
	backgroundRetryInterval = time.Second
)

var (
	errBridgeStopped    = errors.New("bridge stopped")
	errDownstreamClosed = errors.New("downstream consumer closed")
)

// ParseBridgeChannel maps a flag value to a BridgeChannel
func ParseBridgeChannel(s string) (BridgeChannel, error) {
	switch s {
	case string(ChannelFast):
		return ChannelFast, nil
	case string(ChannelSlow):
		return ChannelSlow, nil
	}

	return "", fmt.Errorf("unknown channel: %q", s)
}

// ParseBridgeFormat maps a flag value to a BridgeFormat
func ParseBridgeFormat(s string) (BridgeFormat, error) {
	switch s {
	case string(FormatRaw):
		return FormatRaw, nil
	case string(FormatVolume):
		return FormatVolume, nil
	case string(FormatMic):
		return FormatMic, nil
	}

	return "", fmt.Errorf("unknown format: %q", s)
}

// VolumeFrame is the per-device projection consumed by bar widgets
type VolumeFrame struct {
	Percent int  `json:"percent"`
	Muted   bool `json:"muted"`
	Level   int  `json:"level"`
}

// Bridge pumps one push channel to a writer, typically stdout, for consumers
// that speak stdin-line protocols. It outlives the daemon: while nothing is
// serving, the consumer holds a default frame, and the bridge quietly redials
// until frames flow again
type Bridge struct {
	logger *zap.SugaredLogger
	config *CanonicalConfig

	channel BridgeChannel
	format  BridgeFormat

	out io.Writer

	spawnDaemon bool
	daemonCmd   string

	connMu sync.Mutex
	conn   net.Conn

	stopChannel chan bool
	stopOnce    sync.Once
}

// NewBridge creates a bridge pumping the given channel to out
func NewBridge(
	logger *zap.SugaredLogger,
	config *CanonicalConfig,
	channel BridgeChannel,
	format BridgeFormat,
	out io.Writer,
) (*Bridge, error) {
	if channel == ChannelSlow && format != FormatRaw {
		return nil, fmt.Errorf("format %q only applies to the fast channel", format)
	}

	return &Bridge{
		logger:      logger.Named("bridge"),
		config:      config,
		channel:     channel,
		format:      format,
		out:         out,
		daemonCmd:   daemonExecutable,
		stopChannel: make(chan bool),
	}, nil
}

// EnableDaemonSpawn makes the bridge launch a detached daemon whenever none
// answers the control socket
func (b *Bridge) EnableDaemonSpawn() {
	b.spawnDaemon = true
}

// Run pumps frames until Stop. Daemon absence is never an error: it's a
// stretch of default frames while the bridge redials. Only a vanished
// downstream consumer ends the pump early, and even that is a clean exit
func (b *Bridge) Run() error {
	if err := b.emitDefault(); err != nil {
		b.logger.Debug("Downstream consumer gone before the first frame")
		return nil
	}

	for {
		select {
		case <-b.stopChannel:
			return nil
		default:
		}

		conn, err := b.waitForSocket()
		if err != nil {
			return nil
		}

		if err := b.forward(conn); err != nil {
			if errors.Is(err, errDownstreamClosed) {
				b.logger.Info("Downstream consumer went away, exiting")
				return nil
			}
		}

		if err := b.emitDefault(); err != nil {
			return nil
		}
	}
}

// Stop makes Run return after the frame in flight
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChannel)
	})

	b.connMu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.connMu.Unlock()
}

func (b *Bridge) socketPath() string {
	if b.channel == ChannelSlow {
		return b.config.SlowSocketPath()
	}
	return b.config.FastSocketPath()
}

// waitForSocket dials the push socket until it answers: quick retries while
// the budget lasts, background pace afterwards
func (b *Bridge) waitForSocket() (net.Conn, error) {
	socketPath := b.socketPath()

	if b.spawnDaemon && !Ping(b.config.ControlSocketPath(), DefaultControlTimeout) {
		b.logger.Debugw("No daemon answering, spawning one", "command", b.daemonCmd)

		if err := util.SpawnDetached(b.logger, b.daemonCmd); err != nil {
			b.logger.Warnw("Failed to spawn daemon", "error", err)
		}
	}

	deadline := time.Now().Add(b.config.BridgeRetryBudget)
	interval := b.config.BridgeRetryInterval
	announced := false

	for {
		conn, err := net.DialTimeout("unix", socketPath, interval)
		if err == nil {
			b.logger.Debugw("Connected to push socket", "socket", socketPath)
			return conn, nil
		}

		if !announced && time.Now().After(deadline) {
			announced = true
			interval = backgroundRetryInterval
			b.logger.Infow("Daemon still absent, retrying in the background", "socket", socketPath)
		}

		select {
		case <-b.stopChannel:
			return nil, errBridgeStopped
		case <-time.After(interval):
		}
	}
}

// forward copies frames from the socket downstream until either side goes
// away. A nil return means the socket died and the bridge should redial
func (b *Bridge) forward(conn net.Conn) error {
	b.setConn(conn)
	defer b.clearConn()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if err := b.emit(line); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		b.logger.Debugw("Push connection lost", "error", err)
	}

	return nil
}

func (b *Bridge) setConn(conn net.Conn) {
	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()
}

func (b *Bridge) clearConn() {
	b.connMu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.connMu.Unlock()
}

func (b *Bridge) emit(frame []byte) error {
	projected, err := b.project(frame)
	if err != nil {
		b.logger.Debugw("Dropping malformed frame", "error", err)
		return nil
	}

	return b.write(projected)
}

// project applies the configured output shape to one frame
func (b *Bridge) project(frame []byte) ([]byte, error) {
	if b.channel == ChannelSlow || b.format == FormatRaw {
		return frame, nil
	}

	var fast FastSummary
	if err := json.Unmarshal(frame, &fast); err != nil {
		return nil, fmt.Errorf("parse fast frame: %w", err)
	}

	var projected VolumeFrame
	if b.format == FormatMic {
		projected = VolumeFrame{Percent: fast.MicPercent, Muted: fast.MicMuted, Level: fast.MicLevel}
	} else {
		projected = VolumeFrame{Percent: fast.VolumePercent, Muted: fast.VolumeMuted, Level: fast.VolumeLevel}
	}

	return json.Marshal(projected)
}

// emitDefault writes the resting frame consumers hold while no daemon is
// serving
func (b *Bridge) emitDefault() error {
	var defaultValue interface{}

	switch {
	case b.channel == ChannelSlow:
		defaultValue = NewMixerSnapshot()
	case b.format == FormatRaw:
		defaultValue = FastSummary{}
	default:
		defaultValue = VolumeFrame{}
	}

	data, err := json.Marshal(defaultValue)
	if err != nil {
		return fmt.Errorf("marshal default frame: %w", err)
	}

	return b.write(data)
}

func (b *Bridge) write(frame []byte) error {
	if _, err := b.out.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", errDownstreamClosed, err)
	}
	if _, err := b.out.Write(newline); err != nil {
		return fmt.Errorf("%w: %v", errDownstreamClosed, err)
	}
	return nil
}
