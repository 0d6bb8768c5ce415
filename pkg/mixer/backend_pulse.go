package mixer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// normal PulseAudio volume (100%)
const maxVolume = 0x10000

// subscription masks and event decoding constants from the native protocol
const (
	paSubscriptionMaskSink         = 0x0001
	paSubscriptionMaskSource       = 0x0002
	paSubscriptionMaskSinkInput    = 0x0004
	paSubscriptionMaskSourceOutput = 0x0008
	paSubscriptionMaskServer       = 0x0080

	paEventFacilityMask = 0x000F
	paEventTypeMask     = 0x0030

	paEventFacilitySink         = 0x0000
	paEventFacilitySource       = 0x0001
	paEventFacilitySinkInput    = 0x0002
	paEventFacilitySourceOutput = 0x0003
	paEventFacilityServer       = 0x0007

	paEventTypeNew    = 0x0000
	paEventTypeChange = 0x0010
	paEventTypeRemove = 0x0020
)

// reconnect backoff bounds
const (
	reconnectInitialDelay = 500 * time.Millisecond
	reconnectMaxDelay     = 8 * time.Second
)

type paBackend struct {
	logger *zap.SugaredLogger
	config *CanonicalConfig

	mu            sync.Mutex
	client        *proto.Client
	conn          net.Conn
	connected     bool
	defaultSink   string
	defaultSource string

	// raw subscription events, handed off from the protocol read callback
	// to our own pump so re-queries never run on the protocol's goroutine
	subEvents chan proto.SubscribeEvent
	events    chan BackendEvent

	peaks *peakMeters

	stopChannel chan bool
	loopsOnce   sync.Once
	stopOnce    sync.Once
}

// NewPulseBackend creates a Backend speaking the PulseAudio native protocol
func NewPulseBackend(logger *zap.SugaredLogger, config *CanonicalConfig) Backend {
	logger = logger.Named("backend")

	pb := &paBackend{
		logger:      logger,
		config:      config,
		subEvents:   make(chan proto.SubscribeEvent, 256),
		events:      make(chan BackendEvent, 64),
		stopChannel: make(chan bool),
	}
	pb.peaks = newPeakMeters(logger)

	logger.Debug("Created PulseAudio backend instance")

	return pb
}

// Connect establishes the PulseAudio connection, subscribes to server events
// and starts the event pump
func (pb *paBackend) Connect() error {
	pb.mu.Lock()
	if pb.connected {
		pb.mu.Unlock()
		return errors.New("pulseaudio backend already connected")
	}
	pb.mu.Unlock()

	if err := pb.establish(); err != nil {
		return err
	}

	pb.loopsOnce.Do(func() {
		go pb.pumpLoop()
		if pb.config.PeakMonitors {
			go pb.peakLoop()
		}
	})

	return nil
}

func (pb *paBackend) establish() error {
	client, conn, err := proto.Connect("")
	if err != nil {
		pb.logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("eww-mixer"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		conn.Close()
		return fmt.Errorf("set client name: %w", err)
	}

	client.Callback = pb.handleCallback

	subscribe := proto.Subscribe{
		Mask: paSubscriptionMaskSink | paSubscriptionMaskSource |
			paSubscriptionMaskSinkInput | paSubscriptionMaskSourceOutput |
			paSubscriptionMaskServer,
	}
	if err := client.Request(&subscribe, nil); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to server events: %w", err)
	}

	serverInfo := proto.GetServerInfoReply{}
	if err := client.Request(&proto.GetServerInfo{}, &serverInfo); err != nil {
		conn.Close()
		return fmt.Errorf("get server info: %w", err)
	}

	pb.mu.Lock()
	pb.client = client
	pb.conn = conn
	pb.connected = true
	pb.defaultSink = serverInfo.DefaultSinkName
	pb.defaultSource = serverInfo.DefaultSourceName
	pb.mu.Unlock()

	pb.logger.Infow("Connected to PulseAudio",
		"server", serverInfo.PackageName,
		"version", serverInfo.PackageVersion,
		"defaultSink", serverInfo.DefaultSinkName,
		"defaultSource", serverInfo.DefaultSourceName)

	if pb.config.PeakMonitors {
		pb.setupPeakMonitors(serverInfo.DefaultSinkName, serverInfo.DefaultSourceName)
	}

	return nil
}

// Close tears the connection down and stops the pump and peak loops
func (pb *paBackend) Close() {
	pb.stopOnce.Do(func() {
		close(pb.stopChannel)
	})

	pb.teardownConn()
	pb.logger.Debug("Released PulseAudio backend")
}

// Ping verifies the connection still answers requests
func (pb *paBackend) Ping() error {
	client := pb.protoClient()
	if client == nil {
		return ErrBackendDisconnected
	}

	reply := proto.GetServerInfoReply{}
	if err := client.Request(&proto.GetServerInfo{}, &reply); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendDisconnected, err)
	}

	return nil
}

// Reconnect re-establishes a lost connection with exponential backoff, then
// re-queries the full state and emits a Resynced event
func (pb *paBackend) Reconnect(ctx context.Context) error {
	pb.teardownConn()

	delay := reconnectInitialDelay

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pb.stopChannel:
			return ErrBackendDisconnected
		case <-time.After(delay):
		}

		if err := pb.establish(); err != nil {
			pb.logger.Warnw("PulseAudio reconnect attempt failed", "error", err, "retryIn", delay)

			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		snapshot, err := pb.QueryState()
		if err != nil {
			pb.logger.Warnw("Failed to re-query state after reconnect", "error", err)
			pb.teardownConn()
			continue
		}

		pb.logger.Info("Reconnected to PulseAudio")
		pb.emit(Resynced{Snapshot: snapshot})

		return nil
	}
}

func (pb *paBackend) teardownConn() {
	pb.mu.Lock()
	conn := pb.conn
	pb.conn = nil
	pb.client = nil
	pb.connected = false
	pb.mu.Unlock()

	pb.peaks.reset()

	if conn != nil {
		conn.Close()
	}
}

func (pb *paBackend) protoClient() *proto.Client {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if !pb.connected {
		return nil
	}
	return pb.client
}

func (pb *paBackend) defaults() (string, string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	return pb.defaultSink, pb.defaultSource
}

func (pb *paBackend) setDefaults(defaultSink, defaultSource string) {
	pb.mu.Lock()
	pb.defaultSink = defaultSink
	pb.defaultSource = defaultSource
	pb.mu.Unlock()
}

// Events returns the typed event stream. It stays open for the backend's
// lifetime; reconnects feed the same channel
func (pb *paBackend) Events() <-chan BackendEvent {
	return pb.events
}

func (pb *paBackend) emit(ev BackendEvent) {
	select {
	case pb.events <- ev:
	case <-pb.stopChannel:
	}
}

// handleCallback runs on the protocol client's read goroutine and must never
// block or issue requests of its own
func (pb *paBackend) handleCallback(val interface{}) {
	switch v := val.(type) {
	case *proto.SubscribeEvent:
		select {
		case pb.subEvents <- *v:
		default:
			pb.logger.Warnw("Subscription event queue full, dropping event",
				"event", v.Event, "index", v.Index)
		}

	case *proto.DataPacket:
		pb.peaks.ingest(v.StreamIndex, v.Data)

	case *proto.RecordStreamKilled:
		pb.peaks.dropStream(v.StreamIndex)
	}
}

func (pb *paBackend) pumpLoop() {
	for {
		select {
		case <-pb.stopChannel:
			return
		case ev := <-pb.subEvents:
			pb.handleSubscribeEvent(ev)
		}
	}
}

func (pb *paBackend) handleSubscribeEvent(ev proto.SubscribeEvent) {
	facility := ev.Event & paEventFacilityMask
	change := ev.Event & paEventTypeMask

	switch facility {
	case paEventFacilitySink:
		if change == paEventTypeRemove {
			pb.emit(DeviceRemoved{Kind: KindSink, Index: ev.Index})
			return
		}

		dev, err := pb.querySink(ev.Index)
		if err != nil {
			pb.logger.Debugw("Failed to query sink after event", "index", ev.Index, "error", err)
			return
		}
		pb.emit(DeviceChanged{Kind: KindSink, Device: dev})

	case paEventFacilitySource:
		if change == paEventTypeRemove {
			pb.emit(DeviceRemoved{Kind: KindSource, Index: ev.Index})
			return
		}

		dev, isMonitor, err := pb.querySource(ev.Index)
		if err != nil {
			pb.logger.Debugw("Failed to query source after event", "index", ev.Index, "error", err)
			return
		}
		if isMonitor {
			return
		}
		pb.emit(DeviceChanged{Kind: KindSource, Device: dev})

	case paEventFacilitySinkInput:
		if change == paEventTypeRemove {
			pb.emit(StreamRemoved{Kind: KindSinkInput, Index: ev.Index})
			return
		}

		st, err := pb.querySinkInput(ev.Index)
		if err != nil {
			pb.logger.Debugw("Failed to query sink input after event", "index", ev.Index, "error", err)
			return
		}
		pb.emit(StreamChanged{Kind: KindSinkInput, Stream: st})

	case paEventFacilitySourceOutput:
		if change == paEventTypeRemove {
			pb.emit(StreamRemoved{Kind: KindSourceOutput, Index: ev.Index})
			return
		}

		st, isPeakProbe, err := pb.querySourceOutput(ev.Index)
		if err != nil {
			pb.logger.Debugw("Failed to query source output after event", "index", ev.Index, "error", err)
			return
		}
		if isPeakProbe {
			return
		}
		pb.emit(StreamChanged{Kind: KindSourceOutput, Stream: st})

	case paEventFacilityServer:
		client := pb.protoClient()
		if client == nil {
			return
		}

		serverInfo := proto.GetServerInfoReply{}
		if err := client.Request(&proto.GetServerInfo{}, &serverInfo); err != nil {
			pb.logger.Debugw("Failed to query server info after event", "error", err)
			return
		}

		pb.setDefaults(serverInfo.DefaultSinkName, serverInfo.DefaultSourceName)
		pb.emit(DefaultsChanged{
			DefaultSink:   serverInfo.DefaultSinkName,
			DefaultSource: serverInfo.DefaultSourceName,
		})

		// peak meters follow the default devices around
		if pb.config.PeakMonitors {
			pb.setupPeakMonitors(serverInfo.DefaultSinkName, serverInfo.DefaultSourceName)
		}
	}
}

// QueryState enumerates the full device and stream topology
func (pb *paBackend) QueryState() (*MixerSnapshot, error) {
	client := pb.protoClient()
	if client == nil {
		return nil, ErrBackendDisconnected
	}

	serverInfo := proto.GetServerInfoReply{}
	if err := client.Request(&proto.GetServerInfo{}, &serverInfo); err != nil {
		return nil, fmt.Errorf("get server info: %w", err)
	}
	pb.setDefaults(serverInfo.DefaultSinkName, serverInfo.DefaultSourceName)

	snapshot := NewMixerSnapshot()

	sinkReply := proto.GetSinkInfoListReply{}
	if err := client.Request(&proto.GetSinkInfoList{}, &sinkReply); err != nil {
		return nil, fmt.Errorf("get sink list: %w", err)
	}
	for _, sink := range sinkReply {
		if sink == nil {
			continue
		}
		snapshot.upsertDevice(KindSink, Device{
			Index:     sink.SinkIndex,
			Name:      sink.SinkName,
			Volume:    percentFromVolumes(sink.ChannelVolumes),
			Muted:     sink.Mute,
			IsDefault: sink.SinkName == serverInfo.DefaultSinkName && serverInfo.DefaultSinkName != "",
		})
	}

	sourceReply := proto.GetSourceInfoListReply{}
	if err := client.Request(&proto.GetSourceInfoList{}, &sourceReply); err != nil {
		return nil, fmt.Errorf("get source list: %w", err)
	}
	for _, source := range sourceReply {
		if source == nil {
			continue
		}
		// skip monitor sources (virtual)
		if source.MonitorSourceIndex != proto.Undefined {
			continue
		}
		snapshot.upsertDevice(KindSource, Device{
			Index:     source.SourceIndex,
			Name:      source.SourceName,
			Volume:    percentFromVolumes(source.ChannelVolumes),
			Muted:     source.Mute,
			IsDefault: source.SourceName == serverInfo.DefaultSourceName && serverInfo.DefaultSourceName != "",
		})
	}

	sinkInputReply := proto.GetSinkInputInfoListReply{}
	if err := client.Request(&proto.GetSinkInputInfoList{}, &sinkInputReply); err != nil {
		return nil, fmt.Errorf("get sink input list: %w", err)
	}
	for _, info := range sinkInputReply {
		if info == nil {
			continue
		}
		snapshot.upsertStream(KindSinkInput, Stream{
			Index:       info.SinkInputIndex,
			DeviceIndex: info.SinkIndex,
			Volume:      percentFromVolumes(info.ChannelVolumes),
			Muted:       info.Muted,
			Application: applicationName(info.Properties, info.MediaName),
		})
	}

	sourceOutputReply := proto.GetSourceOutputInfoListReply{}
	if err := client.Request(&proto.GetSourceOutputInfoList{}, &sourceOutputReply); err != nil {
		return nil, fmt.Errorf("get source output list: %w", err)
	}
	for _, info := range sourceOutputReply {
		if info == nil {
			continue
		}
		// peak-detect probes (ours included) aren't real recorders
		if info.ResampleMethod == resampleMethodPeaks {
			continue
		}
		snapshot.upsertStream(KindSourceOutput, Stream{
			Index:       info.SourceOutpuIndex,
			DeviceIndex: info.SourceIndex,
			Volume:      percentFromVolumes(info.ChannelVolumes),
			Muted:       info.Muted,
			Application: applicationName(info.Properties, info.MediaName),
		})
	}

	return snapshot, nil
}

func (pb *paBackend) querySink(index uint32) (Device, error) {
	client := pb.protoClient()
	if client == nil {
		return Device{}, ErrBackendDisconnected
	}

	request := proto.GetSinkInfo{SinkIndex: index}
	reply := proto.GetSinkInfoReply{}

	if err := client.Request(&request, &reply); err != nil {
		return Device{}, fmt.Errorf("get sink info: %w", err)
	}

	defaultSink, _ := pb.defaults()

	return Device{
		Index:     reply.SinkIndex,
		Name:      reply.SinkName,
		Volume:    percentFromVolumes(reply.ChannelVolumes),
		Muted:     reply.Mute,
		IsDefault: reply.SinkName == defaultSink && defaultSink != "",
	}, nil
}

func (pb *paBackend) querySource(index uint32) (Device, bool, error) {
	client := pb.protoClient()
	if client == nil {
		return Device{}, false, ErrBackendDisconnected
	}

	request := proto.GetSourceInfo{SourceIndex: index}
	reply := proto.GetSourceInfoReply{}

	if err := client.Request(&request, &reply); err != nil {
		return Device{}, false, fmt.Errorf("get source info: %w", err)
	}

	if reply.MonitorSourceIndex != proto.Undefined {
		return Device{}, true, nil
	}

	_, defaultSource := pb.defaults()

	return Device{
		Index:     reply.SourceIndex,
		Name:      reply.SourceName,
		Volume:    percentFromVolumes(reply.ChannelVolumes),
		Muted:     reply.Mute,
		IsDefault: reply.SourceName == defaultSource && defaultSource != "",
	}, false, nil
}

func (pb *paBackend) querySinkInput(index uint32) (Stream, error) {
	client := pb.protoClient()
	if client == nil {
		return Stream{}, ErrBackendDisconnected
	}

	request := proto.GetSinkInputInfo{SinkInputIndex: index}
	reply := proto.GetSinkInputInfoReply{}

	if err := client.Request(&request, &reply); err != nil {
		return Stream{}, fmt.Errorf("get sink input info: %w", err)
	}

	return Stream{
		Index:       reply.SinkInputIndex,
		DeviceIndex: reply.SinkIndex,
		Volume:      percentFromVolumes(reply.ChannelVolumes),
		Muted:       reply.Muted,
		Application: applicationName(reply.Properties, reply.MediaName),
	}, nil
}

func (pb *paBackend) querySourceOutput(index uint32) (Stream, bool, error) {
	client := pb.protoClient()
	if client == nil {
		return Stream{}, false, ErrBackendDisconnected
	}

	request := proto.GetSourceOutputInfo{SourceOutpuIndex: index}
	reply := proto.GetSourceOutputInfoReply{}

	if err := client.Request(&request, &reply); err != nil {
		return Stream{}, false, fmt.Errorf("get source output info: %w", err)
	}

	if reply.ResampleMethod == resampleMethodPeaks {
		return Stream{}, true, nil
	}

	return Stream{
		Index:       reply.SourceOutpuIndex,
		DeviceIndex: reply.SourceIndex,
		Volume:      percentFromVolumes(reply.ChannelVolumes),
		Muted:       reply.Muted,
		Application: applicationName(reply.Properties, reply.MediaName),
	}, false, nil
}

// SetVolume clamps the requested percent and dispatches the change. The
// confirmation is the server's echo event, not this call's success
func (pb *paBackend) SetVolume(kind DeviceKind, index uint32, percent int) error {
	client := pb.protoClient()
	if client == nil {
		return ErrBackendDisconnected
	}

	percent = ClampPercent(percent)

	channels, err := pb.deviceChannels(kind, index)
	if err != nil {
		return err
	}

	volumes := channelVolumes(channels, percent)

	var request proto.RequestArgs
	if kind == KindSink {
		request = &proto.SetSinkVolume{SinkIndex: index, ChannelVolumes: volumes}
	} else {
		request = &proto.SetSourceVolume{SourceIndex: index, ChannelVolumes: volumes}
	}

	if err := client.Request(request, nil); err != nil {
		pb.logger.Warnw("Failed to set device volume", "kind", kind, "index", index, "error", err)
		return fmt.Errorf("set %s volume: %w", kind, err)
	}

	pb.logger.Debugw("Dispatched volume change", "kind", kind, "index", index, "percent", percent)

	return nil
}

// SetStreamVolume clamps the requested percent and dispatches a volume change
// for an application stream
func (pb *paBackend) SetStreamVolume(kind StreamKind, index uint32, percent int) error {
	client := pb.protoClient()
	if client == nil {
		return ErrBackendDisconnected
	}

	percent = ClampPercent(percent)

	channels, err := pb.streamChannels(kind, index)
	if err != nil {
		return err
	}

	volumes := channelVolumes(channels, percent)

	var request proto.RequestArgs
	if kind == KindSinkInput {
		request = &proto.SetSinkInputVolume{SinkInputIndex: index, ChannelVolumes: volumes}
	} else {
		request = &proto.SetSourceOutputVolume{SourceOutputIndex: index, ChannelVolumes: volumes}
	}

	if err := client.Request(request, nil); err != nil {
		pb.logger.Warnw("Failed to set stream volume", "kind", kind, "index", index, "error", err)
		return fmt.Errorf("set %s volume: %w", kind, err)
	}

	pb.logger.Debugw("Dispatched stream volume change", "kind", kind, "index", index, "percent", percent)

	return nil
}

// ToggleMute reads the device's current mute state and dispatches the inverse
func (pb *paBackend) ToggleMute(kind DeviceKind, index uint32) error {
	client := pb.protoClient()
	if client == nil {
		return ErrBackendDisconnected
	}

	var request proto.RequestArgs

	if kind == KindSink {
		reply := proto.GetSinkInfoReply{}
		if err := client.Request(&proto.GetSinkInfo{SinkIndex: index}, &reply); err != nil {
			return fmt.Errorf("get sink info: %w", err)
		}
		request = &proto.SetSinkMute{SinkIndex: index, Mute: !reply.Mute}
	} else {
		reply := proto.GetSourceInfoReply{}
		if err := client.Request(&proto.GetSourceInfo{SourceIndex: index}, &reply); err != nil {
			return fmt.Errorf("get source info: %w", err)
		}
		request = &proto.SetSourceMute{SourceIndex: index, Mute: !reply.Mute}
	}

	if err := client.Request(request, nil); err != nil {
		pb.logger.Warnw("Failed to toggle mute", "kind", kind, "index", index, "error", err)
		return fmt.Errorf("toggle %s mute: %w", kind, err)
	}

	pb.logger.Debugw("Dispatched mute toggle", "kind", kind, "index", index)

	return nil
}

// ToggleStreamMute reads an application stream's current mute state and
// dispatches the inverse
func (pb *paBackend) ToggleStreamMute(kind StreamKind, index uint32) error {
	client := pb.protoClient()
	if client == nil {
		return ErrBackendDisconnected
	}

	var request proto.RequestArgs

	if kind == KindSinkInput {
		reply := proto.GetSinkInputInfoReply{}
		if err := client.Request(&proto.GetSinkInputInfo{SinkInputIndex: index}, &reply); err != nil {
			return fmt.Errorf("get sink input info: %w", err)
		}
		request = &proto.SetSinkInputMute{SinkInputIndex: index, Mute: !reply.Muted}
	} else {
		reply := proto.GetSourceOutputInfoReply{}
		if err := client.Request(&proto.GetSourceOutputInfo{SourceOutpuIndex: index}, &reply); err != nil {
			return fmt.Errorf("get source output info: %w", err)
		}
		request = &proto.SetSourceOutputMute{SourceOutputIndex: index, Mute: !reply.Muted}
	}

	if err := client.Request(request, nil); err != nil {
		pb.logger.Warnw("Failed to toggle stream mute", "kind", kind, "index", index, "error", err)
		return fmt.Errorf("toggle %s mute: %w", kind, err)
	}

	pb.logger.Debugw("Dispatched stream mute toggle", "kind", kind, "index", index)

	return nil
}

// SetDefault makes the named device the default routing target for its kind
func (pb *paBackend) SetDefault(kind DeviceKind, name string) error {
	client := pb.protoClient()
	if client == nil {
		return ErrBackendDisconnected
	}

	var request proto.RequestArgs
	if kind == KindSink {
		request = &proto.SetDefaultSink{SinkName: name}
	} else {
		request = &proto.SetDefaultSource{SourceName: name}
	}

	if err := client.Request(request, nil); err != nil {
		pb.logger.Warnw("Failed to set default device", "kind", kind, "name", name, "error", err)
		return fmt.Errorf("set default %s: %w", kind, err)
	}

	pb.logger.Debugw("Dispatched default device change", "kind", kind, "name", name)

	return nil
}

// MoveStream reroutes an application stream onto another device
func (pb *paBackend) MoveStream(kind StreamKind, index uint32, deviceIndex uint32) error {
	client := pb.protoClient()
	if client == nil {
		return ErrBackendDisconnected
	}

	var request proto.RequestArgs
	if kind == KindSinkInput {
		request = &proto.MoveSinkInput{SinkInputIndex: index, DeviceIndex: deviceIndex}
	} else {
		request = &proto.MoveSourceOutput{SourceOutputIndex: index, DeviceIndex: deviceIndex}
	}

	if err := client.Request(request, nil); err != nil {
		pb.logger.Warnw("Failed to move stream", "kind", kind, "index", index, "device", deviceIndex, "error", err)
		return fmt.Errorf("move %s: %w", kind, err)
	}

	pb.logger.Debugw("Dispatched stream move", "kind", kind, "index", index, "device", deviceIndex)

	return nil
}

func (pb *paBackend) deviceChannels(kind DeviceKind, index uint32) (int, error) {
	client := pb.protoClient()
	if client == nil {
		return 0, ErrBackendDisconnected
	}

	if kind == KindSink {
		reply := proto.GetSinkInfoReply{}
		if err := client.Request(&proto.GetSinkInfo{SinkIndex: index}, &reply); err != nil {
			return 0, fmt.Errorf("get sink info: %w", err)
		}
		return len(reply.ChannelVolumes), nil
	}

	reply := proto.GetSourceInfoReply{}
	if err := client.Request(&proto.GetSourceInfo{SourceIndex: index}, &reply); err != nil {
		return 0, fmt.Errorf("get source info: %w", err)
	}
	return len(reply.ChannelVolumes), nil
}

func (pb *paBackend) streamChannels(kind StreamKind, index uint32) (int, error) {
	client := pb.protoClient()
	if client == nil {
		return 0, ErrBackendDisconnected
	}

	if kind == KindSinkInput {
		reply := proto.GetSinkInputInfoReply{}
		if err := client.Request(&proto.GetSinkInputInfo{SinkInputIndex: index}, &reply); err != nil {
			return 0, fmt.Errorf("get sink input info: %w", err)
		}
		return len(reply.ChannelVolumes), nil
	}

	reply := proto.GetSourceOutputInfoReply{}
	if err := client.Request(&proto.GetSourceOutputInfo{SourceOutpuIndex: index}, &reply); err != nil {
		return 0, fmt.Errorf("get source output info: %w", err)
	}
	return len(reply.ChannelVolumes), nil
}

// applicationName digs the human-facing name out of a stream's property list
func applicationName(props proto.PropList, fallback string) string {
	if props != nil {
		if prop, ok := props["application.name"]; ok {
			if name := prop.String(); name != "" {
				return name
			}
		}
		if prop, ok := props["application.process.binary"]; ok {
			if name := prop.String(); name != "" {
				return name
			}
		}
	}

	if fallback == "" {
		return "Unknown"
	}
	return fallback
}

// percentFromVolumes converts channel volumes to an integer percent,
// averaging across channels
func percentFromVolumes(volumes []uint32) int {
	if len(volumes) == 0 {
		return 0
	}

	var total uint64
	for _, v := range volumes {
		total += uint64(v)
	}

	avg := float64(total) / float64(len(volumes))

	return int(math.Round(avg * 100 / maxVolume))
}

// channelVolumes builds a uniform per-channel volume list for a percent value
func channelVolumes(channels int, percent int) []uint32 {
	if channels < 1 {
		channels = 1
	}

	volume := uint32(float64(percent) / 100 * maxVolume)

	volumes := make([]uint32, channels)
	for i := range volumes {
		volumes[i] = volume
	}

	return volumes
}
