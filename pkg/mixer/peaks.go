package mixer

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// peak metering parameters
const (
	resampleMethodPeaks = "peaks"

	peakSampleRate       = 44100
	peakUpdatesPerSecond = 25

	peakReferenceLevel = 12000.0
	peakCompression    = 0.7
	peakGain           = 115.0
)

// peakMeters holds the live meter levels for the default sink and source.
// Sample data arrives on the protocol read goroutine, the decay loop reads
// and steps the levels down, so both sides go through atomics
type peakMeters struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	byStream map[uint32]DeviceKind

	levels [2]int32
}

func newPeakMeters(logger *zap.SugaredLogger) *peakMeters {
	return &peakMeters{
		logger:   logger,
		byStream: make(map[uint32]DeviceKind),
	}
}

func meterSlot(kind DeviceKind) int {
	if kind == KindSink {
		return 0
	}
	return 1
}

func (pm *peakMeters) register(streamIndex uint32, kind DeviceKind) {
	pm.mu.Lock()
	pm.byStream[streamIndex] = kind
	pm.mu.Unlock()
}

func (pm *peakMeters) registered() []uint32 {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	indices := make([]uint32, 0, len(pm.byStream))
	for streamIndex := range pm.byStream {
		indices = append(indices, streamIndex)
	}
	return indices
}

func (pm *peakMeters) dropStream(streamIndex uint32) {
	pm.mu.Lock()
	kind, ok := pm.byStream[streamIndex]
	delete(pm.byStream, streamIndex)
	pm.mu.Unlock()

	if ok {
		atomic.StoreInt32(&pm.levels[meterSlot(kind)], 0)
		pm.logger.Debugw("Peak monitor stream gone", "stream", streamIndex, "kind", kind)
	}
}

func (pm *peakMeters) reset() {
	pm.mu.Lock()
	pm.byStream = make(map[uint32]DeviceKind)
	pm.mu.Unlock()

	atomic.StoreInt32(&pm.levels[0], 0)
	atomic.StoreInt32(&pm.levels[1], 0)
}

// ingest runs on the protocol read goroutine: pure math plus one atomic
// update, nothing that can block
func (pm *peakMeters) ingest(streamIndex uint32, data []byte) {
	pm.mu.Lock()
	kind, ok := pm.byStream[streamIndex]
	pm.mu.Unlock()

	if !ok {
		return
	}

	peak := int32(calculatePeakVolume(data))
	level := &pm.levels[meterSlot(kind)]

	// keep the loudest reading since the last decay tick
	for {
		current := atomic.LoadInt32(level)
		if peak <= current || atomic.CompareAndSwapInt32(level, current, peak) {
			return
		}
	}
}

// decayAndRead returns the current levels, then steps each toward zero
func (pm *peakMeters) decayAndRead(step int) (sinkLevel, sourceLevel int) {
	sinkLevel = readAndDecay(&pm.levels[0], int32(step))
	sourceLevel = readAndDecay(&pm.levels[1], int32(step))
	return sinkLevel, sourceLevel
}

func readAndDecay(level *int32, step int32) int {
	for {
		current := atomic.LoadInt32(level)

		next := current - step
		if next < 0 {
			next = 0
		}

		if current == next || atomic.CompareAndSwapInt32(level, current, next) {
			return int(current)
		}
	}
}

// calculatePeakVolume reduces a chunk of signed 16-bit little-endian PCM to
// a 0-100 meter level. RMS is normalized against a fixed reference amplitude
// and compressed so quiet audio still registers
func calculatePeakVolume(data []byte) int {
	sampleCount := len(data) / 2
	if sampleCount == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(data); i += 2 {
		sample := float64(int16(binary.LittleEndian.Uint16(data[i:])))
		sum += sample * sample
	}

	rms := math.Sqrt(sum / float64(sampleCount))

	normalized := rms / peakReferenceLevel
	if normalized > 1.0 {
		normalized = 1.0
	}

	level := math.Pow(normalized, peakCompression) * peakGain
	if level > 100 {
		level = 100
	}

	return int(math.Round(level))
}

// setupPeakMonitors (re)creates the record streams feeding the peak meters.
// They follow the default devices around, so a default change tears down the
// old probes and creates fresh ones
func (pb *paBackend) setupPeakMonitors(defaultSink, defaultSource string) {
	pb.removePeakMonitors()

	if defaultSink != "" {
		monitorSource := defaultSink + ".monitor"

		if streamIndex, err := pb.createPeakStream(monitorSource, 2); err != nil {
			pb.logger.Warnw("Failed to create playback peak monitor", "source", monitorSource, "error", err)
		} else {
			pb.peaks.register(streamIndex, KindSink)
			pb.logger.Debugw("Created playback peak monitor", "source", monitorSource, "stream", streamIndex)
		}
	}

	if defaultSource != "" {
		if streamIndex, err := pb.createPeakStream(defaultSource, 1); err != nil {
			pb.logger.Warnw("Failed to create capture peak monitor", "source", defaultSource, "error", err)
		} else {
			pb.peaks.register(streamIndex, KindSource)
			pb.logger.Debugw("Created capture peak monitor", "source", defaultSource, "stream", streamIndex)
		}
	}
}

func (pb *paBackend) removePeakMonitors() {
	client := pb.protoClient()

	for _, streamIndex := range pb.peaks.registered() {
		if client == nil {
			continue
		}
		if err := client.Request(&proto.DeleteRecordStream{StreamIndex: streamIndex}, nil); err != nil {
			pb.logger.Debugw("Failed to delete peak monitor stream", "stream", streamIndex, "error", err)
		}
	}

	pb.peaks.reset()
}

func (pb *paBackend) createPeakStream(sourceName string, channels byte) (uint32, error) {
	client := pb.protoClient()
	if client == nil {
		return 0, ErrBackendDisconnected
	}

	channelMap := proto.ChannelMap{proto.ChannelMono}
	if channels == 2 {
		channelMap = proto.ChannelMap{proto.ChannelLeft, proto.ChannelRight}
	}

	byteRate := uint32(peakSampleRate) * uint32(channels) * 2

	request := proto.CreateRecordStream{
		SampleSpec: proto.SampleSpec{
			Format:   proto.FormatInt16LE,
			Channels: channels,
			Rate:     peakSampleRate,
		},
		ChannelMap:         channelMap,
		SourceIndex:        proto.Undefined,
		SourceName:         sourceName,
		BufferMaxLength:    proto.Undefined,
		BufferFragSize:     byteRate / peakUpdatesPerSecond,
		PeakDetect:         true,
		AdjustLatency:      true,
		DirectOnInputIndex: proto.Undefined,
		Properties: proto.PropList{
			"application.name": proto.PropListString("eww-mixer"),
			"media.name":       proto.PropListString("Peak detect"),
		},
	}
	reply := proto.CreateRecordStreamReply{}

	if err := client.Request(&request, &reply); err != nil {
		return 0, fmt.Errorf("create record stream on %s: %w", sourceName, err)
	}

	return reply.StreamIndex, nil
}

// peakLoop decays the meters on a fixed cadence and emits changed readings
func (pb *paBackend) peakLoop() {
	lastSink, lastSource := -1, -1

	for {
		select {
		case <-pb.stopChannel:
			return
		case <-time.After(pb.config.PeakDecayInterval):
		}

		sinkLevel, sourceLevel := pb.peaks.decayAndRead(pb.config.PeakDecayStep)

		if sinkLevel != lastSink {
			lastSink = sinkLevel
			pb.emit(PeakChanged{Kind: KindSink, Level: sinkLevel})
		}

		if sourceLevel != lastSource {
			lastSource = sourceLevel
			pb.emit(PeakChanged{Kind: KindSource, Level: sourceLevel})
		}
	}
}
