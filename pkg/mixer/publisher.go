package mixer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var newline = []byte("\n")

// Publisher owns the daemon's three unix sockets: the request/response
// control socket and the fast/slow push sockets. Push consumers get
// newline-delimited JSON frames from attachment forward, starting with the
// latest frame so they never wait for the next change
type Publisher struct {
	logger  *zap.SugaredLogger
	config  *CanonicalConfig
	handler *controlHandler

	fastHub *Hub
	slowHub *Hub

	listeners []net.Listener

	connsLock sync.Mutex
	conns     map[net.Conn]struct{}

	stopChannel chan bool
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewPublisher creates a publisher serving the given aggregator and backend
func NewPublisher(
	logger *zap.SugaredLogger,
	config *CanonicalConfig,
	aggregator *Aggregator,
	backend Backend,
	requestKill func(),
) *Publisher {
	logger = logger.Named("publisher")

	return &Publisher{
		logger:      logger,
		config:      config,
		handler:     newControlHandler(logger, aggregator, backend, requestKill),
		fastHub:     NewHub(logger, "fast"),
		slowHub:     NewHub(logger, "slow"),
		conns:       make(map[net.Conn]struct{}),
		stopChannel: make(chan bool),
	}
}

// Start brings up all three listeners. It either returns with every socket
// accepting or cleans up whatever it managed to open
func (pub *Publisher) Start() error {
	sockets := []struct {
		path  string
		serve func(net.Conn)
	}{
		{pub.config.ControlSocketPath(), pub.serveControlConn},
		{pub.config.FastSocketPath(), func(conn net.Conn) { pub.servePushConn(conn, pub.fastHub) }},
		{pub.config.SlowSocketPath(), func(conn net.Conn) { pub.servePushConn(conn, pub.slowHub) }},
	}

	for _, socket := range sockets {
		listener, err := net.Listen("unix", socket.path)
		if err != nil {
			pub.Stop()
			return fmt.Errorf("listen on %s: %w", socket.path, err)
		}

		pub.listeners = append(pub.listeners, listener)

		serve := socket.serve
		pub.wg.Add(1)
		go pub.acceptLoop(listener, serve)

		pub.logger.Debugw("Listening", "socket", socket.path)
	}

	return nil
}

// Stop closes the listeners and every open connection, then waits for the
// serving goroutines to drain. Socket files are unlinked by the listeners
func (pub *Publisher) Stop() {
	pub.stopOnce.Do(func() {
		close(pub.stopChannel)
	})

	for _, listener := range pub.listeners {
		if err := listener.Close(); err != nil {
			pub.logger.Debugw("Failed to close listener", "error", err)
		}
	}
	pub.listeners = nil

	pub.fastHub.Close()
	pub.slowHub.Close()

	pub.connsLock.Lock()
	for conn := range pub.conns {
		conn.Close()
	}
	pub.connsLock.Unlock()

	pub.wg.Wait()
	pub.logger.Debug("Publisher stopped")
}

// PublishFast marshals and fans out a fast summary
func (pub *Publisher) PublishFast(summary FastSummary) {
	data, err := json.Marshal(summary)
	if err != nil {
		pub.logger.Warnw("Failed to marshal fast summary", "error", err)
		return
	}

	pub.fastHub.Publish(data)
}

// PublishSlow marshals and fans out a slow summary
func (pub *Publisher) PublishSlow(summary *SlowSummary) {
	data, err := json.Marshal(summary)
	if err != nil {
		pub.logger.Warnw("Failed to marshal slow summary", "error", err)
		return
	}

	pub.slowHub.Publish(data)
}

// FastHub exposes the fast channel's hub
func (pub *Publisher) FastHub() *Hub {
	return pub.fastHub
}

// SlowHub exposes the slow channel's hub
func (pub *Publisher) SlowHub() *Hub {
	return pub.slowHub
}

func (pub *Publisher) acceptLoop(listener net.Listener, serve func(net.Conn)) {
	defer pub.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			select {
			case <-pub.stopChannel:
				return
			default:
			}

			pub.logger.Warnw("Failed to accept connection", "error", err)
			continue
		}

		pub.trackConn(conn)

		pub.wg.Add(1)
		go func() {
			defer pub.wg.Done()
			defer pub.untrackConn(conn)

			serve(conn)
		}()
	}
}

func (pub *Publisher) trackConn(conn net.Conn) {
	pub.connsLock.Lock()
	pub.conns[conn] = struct{}{}
	pub.connsLock.Unlock()
}

func (pub *Publisher) untrackConn(conn net.Conn) {
	pub.connsLock.Lock()
	delete(pub.conns, conn)
	pub.connsLock.Unlock()

	conn.Close()
}

// serveControlConn answers request lines until the peer hangs up. One
// connection may issue any number of requests
func (pub *Publisher) serveControlConn(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4*1024), 64*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		response := pub.handler.handleLine(line)

		if _, err := fmt.Fprintln(conn, response); err != nil {
			pub.logger.Debugw("Failed to write control response", "error", err)
			return
		}
	}
}

// servePushConn streams hub frames to one consumer until it hangs up
func (pub *Publisher) servePushConn(conn net.Conn, hub *Hub) {
	frames, cancel := hub.Subscribe()
	defer cancel()

	// consumers never send anything; a read returning means the peer is gone
	go func() {
		io.Copy(io.Discard, conn)
		cancel()
	}()

	for {
		select {
		case <-pub.stopChannel:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}

			if _, err := conn.Write(frame); err != nil {
				return
			}
			if _, err := conn.Write(newline); err != nil {
				return
			}
		}
	}
}
