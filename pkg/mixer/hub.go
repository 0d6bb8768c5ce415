package mixer

import (
	"sync"

	"go.uber.org/zap"
)

// Hub fans published frames out to any number of consumers. Every consumer
// holds a one-slot mailbox: a consumer that cannot keep up has its stale
// frame replaced by the newest one, so it skips ahead instead of building a
// backlog or stalling the publisher and the other consumers
type Hub struct {
	logger *zap.SugaredLogger

	lock      sync.Mutex
	consumers map[*hubConsumer]struct{}
	last      []byte
	closed    bool
}

type hubConsumer struct {
	frames chan []byte
}

// NewHub creates an empty hub for the named channel
func NewHub(logger *zap.SugaredLogger, channel string) *Hub {
	return &Hub{
		logger:    logger.Named("hub").With("channel", channel),
		consumers: make(map[*hubConsumer]struct{}),
	}
}

// Subscribe attaches a consumer and returns its frame channel plus a cancel
// function. The newest published frame, if any, is already waiting in the
// channel so late joiners start from current state
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	consumer := &hubConsumer{frames: make(chan []byte, 1)}

	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed {
		close(consumer.frames)
		return consumer.frames, func() {}
	}

	if h.last != nil {
		consumer.frames <- h.last
	}

	h.consumers[consumer] = struct{}{}
	h.logger.Debugw("Consumer attached", "consumers", len(h.consumers))

	return consumer.frames, func() { h.unsubscribe(consumer) }
}

func (h *Hub) unsubscribe(consumer *hubConsumer) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if _, ok := h.consumers[consumer]; !ok {
		return
	}

	delete(h.consumers, consumer)
	close(consumer.frames)
	h.logger.Debugw("Consumer detached", "consumers", len(h.consumers))
}

// Publish stores the frame as the channel's latest and offers it to every
// consumer without ever blocking
func (h *Hub) Publish(frame []byte) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed {
		return
	}

	h.last = frame

	for consumer := range h.consumers {
		select {
		case consumer.frames <- frame:
			continue
		default:
		}

		// slot occupied: replace the stale frame with the new one
		select {
		case <-consumer.frames:
		default:
		}
		select {
		case consumer.frames <- frame:
		default:
		}
	}
}

// Last returns the most recently published frame, if any
func (h *Hub) Last() ([]byte, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.last == nil {
		return nil, false
	}
	return h.last, true
}

// Count returns the number of attached consumers
func (h *Hub) Count() int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return len(h.consumers)
}

// Close detaches every consumer and rejects future subscriptions
func (h *Hub) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for consumer := range h.consumers {
		close(consumer.frames)
	}
	h.consumers = make(map[*hubConsumer]struct{})
}
