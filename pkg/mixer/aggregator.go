package mixer

import (
	"sync"

	"go.uber.org/zap"
)

// Aggregator owns the canonical mixer snapshot. The daemon's event loop is
// the single writer: backend events go through Apply one at a time, and the
// returned summaries are exactly what should be pushed out (nil means the
// corresponding channel has nothing new)
type Aggregator struct {
	logger *zap.SugaredLogger

	lock     sync.RWMutex
	snapshot *MixerSnapshot

	sinkLevel   int
	sourceLevel int

	lastFast    FastSummary
	emittedFast bool
	lastSlow    *MixerSnapshot
}

// NewAggregator creates an aggregator holding an empty snapshot
func NewAggregator(logger *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		logger:   logger.Named("aggregator"),
		snapshot: NewMixerSnapshot(),
	}
}

// Apply folds one backend event into the snapshot and classifies the result
// by what actually changed, never by the event's own tag: a fast summary
// when the level projection moved, a slow summary when the topology did.
// When both are returned the caller publishes slow first
func (agg *Aggregator) Apply(ev BackendEvent) (fast *FastSummary, slow *SlowSummary) {
	agg.lock.Lock()
	defer agg.lock.Unlock()

	switch e := ev.(type) {
	case DeviceChanged:
		agg.snapshot.upsertDevice(e.Kind, e.Device)
	case DeviceRemoved:
		agg.snapshot.removeDevice(e.Kind, e.Index)
	case StreamChanged:
		agg.snapshot.upsertStream(e.Kind, e.Stream)
	case StreamRemoved:
		agg.snapshot.removeStream(e.Kind, e.Index)
	case DefaultsChanged:
		agg.snapshot.setDefaults(e.DefaultSink, e.DefaultSource)
	case PeakChanged:
		if e.Kind == KindSink {
			agg.sinkLevel = e.Level
		} else {
			agg.sourceLevel = e.Level
		}
	case Resynced:
		agg.snapshot = e.Snapshot.Clone()
	default:
		agg.logger.Warnw("Ignoring unknown backend event", "event", ev)
		return nil, nil
	}

	if !topologyEqual(agg.snapshot, agg.lastSlow) {
		agg.lastSlow = agg.snapshot.Clone()
		slow = agg.snapshot.Clone()

		agg.logger.Debugw("Topology changed",
			"sinks", len(agg.snapshot.Sinks),
			"sinkInputs", len(agg.snapshot.SinkInputs),
			"sources", len(agg.snapshot.Sources),
			"sourceOutputs", len(agg.snapshot.SourceOutputs))
	}

	newFast := agg.snapshot.FastSummaryWith(agg.sinkLevel, agg.sourceLevel)
	if !agg.emittedFast || newFast != agg.lastFast {
		agg.lastFast = newFast
		agg.emittedFast = true
		fast = &newFast
	}

	return fast, slow
}

// State returns a deep copy of the current snapshot
func (agg *Aggregator) State() *MixerSnapshot {
	agg.lock.RLock()
	defer agg.lock.RUnlock()

	return agg.snapshot.Clone()
}

// FastState returns the fast projection of the current state
func (agg *Aggregator) FastState() FastSummary {
	agg.lock.RLock()
	defer agg.lock.RUnlock()

	return agg.snapshot.FastSummaryWith(agg.sinkLevel, agg.sourceLevel)
}

// DefaultDevice returns the current default device of the given kind
func (agg *Aggregator) DefaultDevice(kind DeviceKind) (Device, bool) {
	agg.lock.RLock()
	defer agg.lock.RUnlock()

	if kind == KindSink {
		return agg.snapshot.DefaultSink()
	}
	return agg.snapshot.DefaultSource()
}

// LookupDevice returns the device of the given kind and index, if known
func (agg *Aggregator) LookupDevice(kind DeviceKind, index uint32) (Device, bool) {
	agg.lock.RLock()
	defer agg.lock.RUnlock()

	return agg.snapshot.Device(kind, index)
}

// LookupStream returns the stream of the given kind and index, if known
func (agg *Aggregator) LookupStream(kind StreamKind, index uint32) (Stream, bool) {
	agg.lock.RLock()
	defer agg.lock.RUnlock()

	return agg.snapshot.Stream(kind, index)
}
