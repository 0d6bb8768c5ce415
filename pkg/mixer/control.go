package mixer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// control protocol verbs
const (
	cmdPing              = "ping"
	cmdGetState          = "get-state"
	cmdSetVolume         = "set-volume"
	cmdToggleMute        = "toggle-mute"
	cmdSetDefault        = "set-default"
	cmdMoveStream        = "move-stream"
	cmdVolumeUp          = "volume-up"
	cmdVolumeDown        = "volume-down"
	cmdToggleMuteDefault = "toggle-mute-default"
	cmdKill              = "kill"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

// volumeStep is the increment used by the relative volume verbs
const volumeStep = 5

// DefaultControlTimeout bounds one request/response exchange with the daemon
const DefaultControlTimeout = 2 * time.Second

var (
	// ErrMalformedRequest rejects a control line that doesn't parse
	ErrMalformedRequest = errors.New("malformed request")

	// ErrIndexNotFound rejects an operation on a device or stream the
	// daemon doesn't know about
	ErrIndexNotFound = errors.New("index not found")
)

// Response is the JSON line answering a control request. get-state answers
// with the bare snapshot instead
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

var okLine = `{"status":"ok"}`

func errorLine(err error) string {
	data, _ := json.Marshal(Response{Status: statusError, Error: err.Error()})
	return string(data)
}

// controlHandler executes parsed control requests against the aggregator and
// the backend. Mutations are acknowledged on dispatch; the resulting pushes
// come from the backend's echo events, never from here
type controlHandler struct {
	logger      *zap.SugaredLogger
	aggregator  *Aggregator
	backend     Backend
	requestKill func()
}

func newControlHandler(
	logger *zap.SugaredLogger,
	aggregator *Aggregator,
	backend Backend,
	requestKill func(),
) *controlHandler {
	return &controlHandler{
		logger:      logger.Named("control"),
		aggregator:  aggregator,
		backend:     backend,
		requestKill: requestKill,
	}
}

// handleLine answers one request line with one response line. Failures are
// reported to the caller and never touch mixer state
func (ch *controlHandler) handleLine(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return errorLine(ErrMalformedRequest)
	}

	verb, args := fields[0], fields[1:]

	switch verb {
	case cmdPing:
		return okLine

	case cmdGetState:
		data, err := json.Marshal(ch.aggregator.State())
		if err != nil {
			return errorLine(err)
		}
		return string(data)

	case cmdSetVolume:
		return ch.setVolume(args)

	case cmdToggleMute:
		return ch.toggleMute(args)

	case cmdSetDefault:
		return ch.setDefault(args)

	case cmdMoveStream:
		return ch.moveStream(args)

	case cmdVolumeUp:
		return ch.adjustDefaultVolume(args, volumeStep)

	case cmdVolumeDown:
		return ch.adjustDefaultVolume(args, -volumeStep)

	case cmdToggleMuteDefault:
		return ch.toggleMuteDefault(args)

	case cmdKill:
		ch.logger.Info("Shutdown requested over control socket")
		ch.requestKill()
		return okLine
	}

	ch.logger.Debugw("Rejecting unknown control verb", "verb", verb)
	return errorLine(fmt.Errorf("%w: unknown verb %q", ErrMalformedRequest, verb))
}

func (ch *controlHandler) setVolume(args []string) string {
	if len(args) != 3 {
		return errorLine(fmt.Errorf("%w: set-volume takes kind, index, percent", ErrMalformedRequest))
	}

	index, err := parseIndex(args[1])
	if err != nil {
		return errorLine(err)
	}

	percent, err := strconv.Atoi(args[2])
	if err != nil {
		return errorLine(fmt.Errorf("%w: bad percent %q", ErrMalformedRequest, args[2]))
	}
	percent = ClampPercent(percent)

	if deviceKind, kindErr := ParseDeviceKind(args[0]); kindErr == nil {
		if _, ok := ch.aggregator.LookupDevice(deviceKind, index); !ok {
			return errorLine(ErrIndexNotFound)
		}
		if err := ch.backend.SetVolume(deviceKind, index, percent); err != nil {
			return errorLine(err)
		}
		return okLine
	}

	streamKind, kindErr := ParseStreamKind(args[0])
	if kindErr != nil {
		return errorLine(fmt.Errorf("%w: unknown kind %q", ErrMalformedRequest, args[0]))
	}
	if _, ok := ch.aggregator.LookupStream(streamKind, index); !ok {
		return errorLine(ErrIndexNotFound)
	}
	if err := ch.backend.SetStreamVolume(streamKind, index, percent); err != nil {
		return errorLine(err)
	}
	return okLine
}

func (ch *controlHandler) toggleMute(args []string) string {
	if len(args) != 2 {
		return errorLine(fmt.Errorf("%w: toggle-mute takes kind, index", ErrMalformedRequest))
	}

	index, err := parseIndex(args[1])
	if err != nil {
		return errorLine(err)
	}

	if deviceKind, kindErr := ParseDeviceKind(args[0]); kindErr == nil {
		if _, ok := ch.aggregator.LookupDevice(deviceKind, index); !ok {
			return errorLine(ErrIndexNotFound)
		}
		if err := ch.backend.ToggleMute(deviceKind, index); err != nil {
			return errorLine(err)
		}
		return okLine
	}

	streamKind, kindErr := ParseStreamKind(args[0])
	if kindErr != nil {
		return errorLine(fmt.Errorf("%w: unknown kind %q", ErrMalformedRequest, args[0]))
	}
	if _, ok := ch.aggregator.LookupStream(streamKind, index); !ok {
		return errorLine(ErrIndexNotFound)
	}
	if err := ch.backend.ToggleStreamMute(streamKind, index); err != nil {
		return errorLine(err)
	}
	return okLine
}

func (ch *controlHandler) setDefault(args []string) string {
	if len(args) < 2 {
		return errorLine(fmt.Errorf("%w: set-default takes kind, name", ErrMalformedRequest))
	}

	kind, err := ParseDeviceKind(args[0])
	if err != nil {
		return errorLine(fmt.Errorf("%w: unknown kind %q", ErrMalformedRequest, args[0]))
	}

	name := strings.Join(args[1:], " ")

	found := false
	for _, dev := range ch.aggregator.State().devices(kind) {
		if dev.Name == name {
			found = true
			break
		}
	}
	if !found {
		return errorLine(ErrIndexNotFound)
	}

	if err := ch.backend.SetDefault(kind, name); err != nil {
		return errorLine(err)
	}
	return okLine
}

func (ch *controlHandler) moveStream(args []string) string {
	if len(args) != 3 {
		return errorLine(fmt.Errorf("%w: move-stream takes kind, index, device index", ErrMalformedRequest))
	}

	kind, err := ParseStreamKind(args[0])
	if err != nil {
		return errorLine(fmt.Errorf("%w: unknown kind %q", ErrMalformedRequest, args[0]))
	}

	index, err := parseIndex(args[1])
	if err != nil {
		return errorLine(err)
	}

	deviceIndex, err := parseIndex(args[2])
	if err != nil {
		return errorLine(err)
	}

	if _, ok := ch.aggregator.LookupStream(kind, index); !ok {
		return errorLine(ErrIndexNotFound)
	}

	deviceKind := KindSink
	if kind == KindSourceOutput {
		deviceKind = KindSource
	}
	if _, ok := ch.aggregator.LookupDevice(deviceKind, deviceIndex); !ok {
		return errorLine(ErrIndexNotFound)
	}

	if err := ch.backend.MoveStream(kind, index, deviceIndex); err != nil {
		return errorLine(err)
	}
	return okLine
}

func (ch *controlHandler) adjustDefaultVolume(args []string, delta int) string {
	kind, response := parseOptionalKind(args)
	if response != "" {
		return response
	}

	device, ok := ch.aggregator.DefaultDevice(kind)
	if !ok {
		return errorLine(ErrIndexNotFound)
	}

	if err := ch.backend.SetVolume(kind, device.Index, ClampPercent(device.Volume+delta)); err != nil {
		return errorLine(err)
	}
	return okLine
}

func (ch *controlHandler) toggleMuteDefault(args []string) string {
	kind, response := parseOptionalKind(args)
	if response != "" {
		return response
	}

	device, ok := ch.aggregator.DefaultDevice(kind)
	if !ok {
		return errorLine(ErrIndexNotFound)
	}

	if err := ch.backend.ToggleMute(kind, device.Index); err != nil {
		return errorLine(err)
	}
	return okLine
}

// parseOptionalKind reads an optional device kind argument, defaulting to
// the playback side
func parseOptionalKind(args []string) (DeviceKind, string) {
	if len(args) == 0 {
		return KindSink, ""
	}
	if len(args) > 1 {
		return "", errorLine(fmt.Errorf("%w: too many arguments", ErrMalformedRequest))
	}

	kind, err := ParseDeviceKind(args[0])
	if err != nil {
		return "", errorLine(fmt.Errorf("%w: unknown kind %q", ErrMalformedRequest, args[0]))
	}
	return kind, ""
}

func parseIndex(s string) (uint32, error) {
	value, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad index %q", ErrMalformedRequest, s)
	}
	return uint32(value), nil
}

// SendRequest connects to the daemon's control socket, sends one request
// line and returns the single response line
func SendRequest(socketPath string, request string, timeout time.Duration) (string, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return "", fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()

	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return "", fmt.Errorf("set deadline: %w", err)
		}
	}

	if _, err := fmt.Fprintln(conn, request); err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}
		return "", errors.New("connection closed before response")
	}

	return scanner.Text(), nil
}

// Ping reports whether a live daemon answers on the control socket
func Ping(socketPath string, timeout time.Duration) bool {
	response, err := SendRequest(socketPath, cmdPing, timeout)
	if err != nil {
		return false
	}

	var parsed Response
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return false
	}

	return parsed.Status == statusOK
}
