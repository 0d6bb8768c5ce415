package mixer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"
)

// SseServer mirrors the fast and slow channels over HTTP server-sent events,
// for consumers that prefer an EventSource stream to unix sockets. It rides
// the same hubs as the socket consumers, so every client sees identical
// frames. Disabled unless configured
type SseServer struct {
	logger    *zap.SugaredLogger
	config    *CanonicalConfig
	publisher *Publisher
	server    *http.Server

	stopChannel chan bool
	running     int32 // Atomic flag: 1 = running, 0 = stopped

	// ConnectionManager manages all active SSE connections
	manager *eventsource.ConnectionManager

	// Event counter for SSE id field
	eventID int64

	// Current port (for tracking changes)
	currentPort int
	portMutex   sync.Mutex
}

const (
	// SSE retry timeout in milliseconds
	sseRetryTimeout = 30000

	// Ping interval
	ssePingInterval = 10 * time.Second

	sseEventFast = "fast"
	sseEventSlow = "slow"
	sseEventPing = "ping"
)

// NewSseServer creates a new SSE server instance
func NewSseServer(logger *zap.SugaredLogger, config *CanonicalConfig, publisher *Publisher) (*SseServer, error) {
	logger = logger.Named("sse_server")

	manager := eventsource.NewConnectionManager()

	manager.SetOnConnect(func(encoder *eventsource.Encoder) {
		logger.Infow("New SSE client connected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	manager.SetOnDisconnect(func(encoder *eventsource.Encoder) {
		logger.Debugw("SSE client disconnected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	srv := &SseServer{
		logger:      logger,
		config:      config,
		publisher:   publisher,
		stopChannel: make(chan bool),
		manager:     manager,
		eventID:     1,
		currentPort: 0,
	}

	logger.Debug("Created SSE server instance")

	return srv, nil
}

// Start starts the SSE server on the configured port. A disabled or
// unconfigured mirror is not an error
func (srv *SseServer) Start() error {
	if !srv.config.SSE.Enabled {
		srv.logger.Debug("SSE mirror disabled, server will not start")
		return nil
	}

	port := srv.config.SSE.Port
	if port <= 0 {
		srv.logger.Debug("SSE port not configured, server will not start")
		return nil
	}

	srv.portMutex.Lock()
	currentPort := srv.currentPort
	srv.portMutex.Unlock()

	// If already running on the same port, no need to restart
	if atomic.LoadInt32(&srv.running) == 1 && currentPort == port {
		srv.logger.Debugw("SSE server already running on the same port", "port", port)
		return nil
	}

	// If running on a different port, stop first
	if atomic.LoadInt32(&srv.running) == 1 {
		srv.logger.Infow("SSE server port changed, restarting", "old_port", currentPort, "new_port", port)
		srv.Stop()
		time.Sleep(100 * time.Millisecond)
	}

	handler := eventsource.HandlerV2(func(
		info *eventsource.ConnectionInfo,
		encoder *eventsource.Encoder,
		stop <-chan bool,
	) {
		if err := encoder.SetRetry(sseRetryTimeout); err != nil {
			if eventsource.IsConnectionError(err) {
				srv.logger.Debugw("Error sending retry, connection closed", "error", err)
			} else {
				srv.logger.Debugw("Error sending retry field", "error", err)
			}
			return
		}

		// late joiners start from the current summaries, slow first
		srv.sendCurrentToEncoder(encoder)

		// Wait for client disconnect or server stop
		select {
		case <-stop:
			return
		case <-srv.stopChannel:
			return
		}
	})

	handlerWithManager := eventsource.HandlerWithManager(srv.manager, handler)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handlerWithManager.ServeHTTP)

	addr := fmt.Sprintf("localhost:%d", port)
	srv.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	srv.portMutex.Lock()
	srv.currentPort = port
	srv.portMutex.Unlock()

	atomic.StoreInt32(&srv.running, 1)

	go func() {
		srv.logger.Infow("Starting SSE server", "addr", addr)
		if err := srv.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srv.logger.Errorw("SSE server error", "error", err)
			atomic.StoreInt32(&srv.running, 0)
		}
	}()

	go srv.forwardLoop(srv.publisher.FastHub(), sseEventFast)
	go srv.forwardLoop(srv.publisher.SlowHub(), sseEventSlow)
	go srv.pingLoop()

	return nil
}

// Stop stops the SSE server
func (srv *SseServer) Stop() {
	if atomic.LoadInt32(&srv.running) == 0 {
		return
	}

	srv.logger.Debug("Stopping SSE server")

	select {
	case srv.stopChannel <- true:
	default:
	}

	if srv.manager != nil {
		srv.manager.CloseAll()
		srv.logger.Debugw("Closed all SSE connections", "count", srv.manager.Count())
	}

	if srv.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.server.Shutdown(ctx); err != nil {
			srv.logger.Warnw("Error during SSE server shutdown", "error", err)
			srv.server.Close()
		}
	}

	atomic.StoreInt32(&srv.running, 0)

	srv.portMutex.Lock()
	srv.currentPort = 0
	srv.portMutex.Unlock()

	srv.logger.Info("SSE server stopped")
}

// GetCurrentPort returns the current port the server is running on (0 if not running)
func (srv *SseServer) GetCurrentPort() int {
	srv.portMutex.Lock()
	defer srv.portMutex.Unlock()
	return srv.currentPort
}

// IsRunning returns whether the server is currently running
func (srv *SseServer) IsRunning() bool {
	return atomic.LoadInt32(&srv.running) == 1
}

// sendCurrentToEncoder sends the latest published frames to one client,
// slow before fast so topology always precedes levels
func (srv *SseServer) sendCurrentToEncoder(encoder *eventsource.Encoder) {
	if frame, ok := srv.publisher.SlowHub().Last(); ok {
		srv.sendFrameToEncoder(encoder, sseEventSlow, frame)
	}
	if frame, ok := srv.publisher.FastHub().Last(); ok {
		srv.sendFrameToEncoder(encoder, sseEventFast, frame)
	}
}

func (srv *SseServer) sendFrameToEncoder(encoder *eventsource.Encoder, eventType string, frame []byte) {
	eventID := atomic.AddInt64(&srv.eventID, 1)

	event := eventsource.Event{
		ID:   fmt.Sprintf("%d", eventID),
		Type: eventType,
		Data: frame,
	}

	if err := encoder.Encode(event); err != nil {
		if eventsource.IsConnectionError(err) {
			srv.logger.Debugw("Error sending frame, connection closed", "error", err, "type", eventType)
		} else {
			srv.logger.Debugw("Error sending frame event", "error", err, "type", eventType)
		}
		// ConnectionManager will automatically unregister failed connections
		return
	}
}

// forwardLoop mirrors one hub's frames to every SSE client
func (srv *SseServer) forwardLoop(hub *Hub, eventType string) {
	frames, cancel := hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-srv.stopChannel:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}

			if atomic.LoadInt32(&srv.running) == 0 {
				return
			}

			srv.broadcast(eventType, frame)
		}
	}
}

func (srv *SseServer) broadcast(eventType string, frame []byte) {
	if srv.manager == nil {
		return
	}

	eventID := atomic.AddInt64(&srv.eventID, 1)
	event := eventsource.Event{
		ID:   fmt.Sprintf("%d", eventID),
		Type: eventType,
		Data: frame,
	}

	if err := srv.manager.Broadcast(event); err != nil {
		if eventsource.IsConnectionError(err) {
			srv.logger.Debugw("Some connections failed during broadcast", "error", err)
		}
		// ConnectionManager automatically removes failed connections
	}
}

// pingLoop sends ping events periodically to all clients
func (srv *SseServer) pingLoop() {
	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-srv.stopChannel:
			return
		case <-ticker.C:
			if atomic.LoadInt32(&srv.running) == 0 {
				return
			}

			if srv.manager == nil {
				continue
			}

			pingData, err := json.Marshal(map[string]interface{}{
				"title": "eww-mixer",
			})
			if err != nil {
				srv.logger.Warnw("Failed to marshal ping data", "error", err)
				continue
			}

			eventID := atomic.AddInt64(&srv.eventID, 1)
			event := eventsource.Event{
				ID:   fmt.Sprintf("%d", eventID),
				Type: sseEventPing,
				Data: pingData,
			}

			if err := srv.manager.Broadcast(event); err != nil {
				if eventsource.IsConnectionError(err) {
					srv.logger.Debugw("Some connections failed during ping broadcast", "error", err)
				}
			}
		}
	}
}
