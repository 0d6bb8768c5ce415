// Package mixer provides the machine-side daemon that mirrors the system
// audio server's mixer state into push channels for status-bar widgets,
// plus the client pieces that consume them.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stalexteam/eww-mixer/pkg/mixer/util"
)

// healthCheckInterval paces the backend liveness probe
const healthCheckInterval = 5 * time.Second

// Mixer is the main entity managing access to all sub-components
type Mixer struct {
	logger   *zap.SugaredLogger
	notifier Notifier
	config   *CanonicalConfig

	backend    Backend
	aggregator *Aggregator
	publisher  *Publisher
	sse        *SseServer

	lifecycle *lifecycle
	lock      *FileLock

	stopChannel     chan bool
	shutdownChannel chan struct{}
	version         string
	verbose         bool
	stopping        sync.Once // Ensures signalStop is only called once
}

// NewMixer creates a Mixer instance. An empty configPath means the default
// config file next to the working directory
func NewMixer(logger *zap.SugaredLogger, verbose bool, configPath string) (*Mixer, error) {
	logger = logger.Named("mixer")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}
	if configPath != "" {
		config.SetConfigFile(configPath)
	}

	m := &Mixer{
		logger:          logger,
		notifier:        notifier,
		config:          config,
		stopChannel:     make(chan bool),
		shutdownChannel: make(chan struct{}),
		verbose:         verbose,
	}

	m.lifecycle = newLifecycle(logger)
	m.aggregator = NewAggregator(logger)
	m.backend = NewPulseBackend(logger, config)
	m.publisher = NewPublisher(logger, config, m.aggregator, m.backend, m.signalStop)

	sse, err := NewSseServer(logger, config, m.publisher)
	if err != nil {
		logger.Errorw("Failed to create SSE server", "error", err)
		return nil, fmt.Errorf("create new SSE server: %w", err)
	}
	m.sse = sse

	logger.Debug("Created mixer instance")

	return m, nil
}

// Initialize brings the daemon up and blocks until shutdown completes.
// ErrLockHeld means another instance is already serving and this one should
// exit quietly
func (m *Mixer) Initialize() error {
	m.logger.Debug("Initializing")

	// load the config for the first time
	if err := m.config.Load(); err != nil {
		m.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if err := m.lifecycle.transition(StateStarting); err != nil {
		return err
	}

	// a daemon that answers ping is already Ready; no point racing its lock
	if Ping(m.config.ControlSocketPath(), DefaultControlTimeout) {
		m.logger.Info("Another daemon is already serving, declining to start")
		return ErrLockHeld
	}

	if err := util.EnsureDirExists(m.config.RuntimeDir); err != nil {
		m.logger.Errorw("Failed to ensure runtime directory", "error", err, "path", m.config.RuntimeDir)
		return fmt.Errorf("ensure runtime dir: %w", err)
	}

	lock, err := AcquireLock(m.logger, m.config.LockFilePath())
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			m.logger.Info("Daemon lock held by a live instance, declining to start")
			return err
		}
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	m.lock = lock

	// owning the lock proves any leftover sockets are stale
	cleanStaleResources(m.logger, m.config)

	if err := m.backend.Connect(); err != nil {
		m.logger.Errorw("Failed to connect to audio backend", "error", err)
		m.notifier.Notify("Can't connect to PulseAudio!",
			"Make sure the audio server is running, then start eww-mixerd again.")
		m.failStartup()
		return fmt.Errorf("connect audio backend: %w", err)
	}

	snapshot, err := m.backend.QueryState()
	if err != nil {
		m.logger.Errorw("Failed to query initial mixer state", "error", err)
		m.backend.Close()
		m.failStartup()
		return fmt.Errorf("query initial state: %w", err)
	}

	if err := m.publisher.Start(); err != nil {
		m.logger.Errorw("Failed to start publisher", "error", err)
		m.backend.Close()
		m.failStartup()
		return fmt.Errorf("start publisher: %w", err)
	}

	if err := m.sse.Start(); err != nil {
		m.logger.Warnw("Failed to start SSE mirror", "error", err)
	}

	// seed the summaries before declaring Ready, so the very first consumer
	// already finds a frame waiting
	m.applyAndPublish(Resynced{Snapshot: snapshot})

	if err := m.lifecycle.transition(StateReady); err != nil {
		m.publisher.Stop()
		m.backend.Close()
		m.failStartup()
		return err
	}

	m.logger.Infow("Daemon ready",
		"version", m.version,
		"runtimeDir", m.config.RuntimeDir,
		"sinks", len(snapshot.Sinks),
		"sources", len(snapshot.Sources))

	m.setupInterruptHandler()
	m.run()

	return nil
}

// SetVersion attaches a version string for logging if called before Initialize
func (m *Mixer) SetVersion(version string) {
	m.version = version
}

// Verbose returns a boolean indicating whether the mixer is running in verbose mode
func (m *Mixer) Verbose() bool {
	return m.verbose
}

// CurrentState returns the daemon's lifecycle state
func (m *Mixer) CurrentState() LifecycleState {
	return m.lifecycle.current()
}

func (m *Mixer) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		m.logger.Debugw("Interrupted", "signal", signal)
		m.signalStop()
	}()
}

func (m *Mixer) run() {
	m.logger.Info("Run loop starting")

	// watch the config file for changes
	go m.config.WatchConfigFileChanges()
	m.setupOnConfigReload()

	go m.eventLoop()
	go m.healthLoop()

	// wait until stopped (gracefully)
	<-m.stopChannel
	m.logger.Debug("Stop channel signaled, terminating")

	m.stop()
}

func (m *Mixer) signalStop() {
	m.stopping.Do(func() {
		m.logger.Debug("Signalling stop channel")
		select {
		case m.stopChannel <- true:
		default:
			// Channel already has a signal, ignore
		}
	})
}

func (m *Mixer) stop() {
	m.logger.Info("Stopping")

	m.mustTransition(StateShuttingDown)

	close(m.shutdownChannel)

	m.config.StopWatchingConfigFile()

	m.sse.Stop()
	m.publisher.Stop()
	m.backend.Close()

	// the lock goes last: releasing it announces that every other runtime
	// resource is already gone
	m.lock.Release()
	m.lock = nil

	m.mustTransition(StateNotRunning)

	// attempt to sync on exit - this won't necessarily work but can't harm
	m.logger.Sync()
}

// failStartup rolls a partially started daemon back to NotRunning
func (m *Mixer) failStartup() {
	m.mustTransition(StateShuttingDown)

	m.lock.Release()
	m.lock = nil

	m.mustTransition(StateNotRunning)
}

func (m *Mixer) mustTransition(to LifecycleState) {
	if err := m.lifecycle.transition(to); err != nil {
		m.logger.Errorw("Lifecycle violation", "error", err)
	}
}

// eventLoop is the snapshot's single writer: backend events are folded in
// one at a time and whatever changed is pushed out
func (m *Mixer) eventLoop() {
	events := m.backend.Events()

	for {
		select {
		case <-m.shutdownChannel:
			return
		case ev := <-events:
			m.applyAndPublish(ev)
		}
	}
}

// applyAndPublish folds one event and pushes the changed summaries. Slow
// always goes out ahead of fast, so a consumer that sees a count change has
// already been handed the topology behind it
func (m *Mixer) applyAndPublish(ev BackendEvent) {
	fast, slow := m.aggregator.Apply(ev)

	if slow != nil {
		m.publisher.PublishSlow(slow)
	}
	if fast != nil {
		m.publisher.PublishFast(*fast)
	}
}

// healthLoop probes the backend and drives reconnects. Losing the backend
// while Ready is not fatal; failing to ever get it back is
func (m *Mixer) healthLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-m.shutdownChannel
		cancel()
	}()

	for {
		select {
		case <-m.shutdownChannel:
			return
		case <-time.After(healthCheckInterval):
		}

		if err := m.backend.Ping(); err == nil {
			continue
		}

		m.logger.Warn("Audio backend stopped answering, reconnecting")

		if err := m.backend.Reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			m.logger.Errorw("Failed to reconnect to audio backend", "error", err)
			m.signalStop()
			return
		}
	}
}

// setupOnConfigReload reacts to configuration file changes
func (m *Mixer) setupOnConfigReload() {
	configReloadedChannel := m.config.SubscribeToChanges()

	go func() {
		for {
			select {
			case <-m.shutdownChannel:
				return
			case _, ok := <-configReloadedChannel:
				if !ok {
					return
				}

				// peak cadence and bridge pacing pick their new values up on
				// the next tick; the SSE mirror may need an explicit restart
				if m.config.SSE.Enabled {
					if err := m.sse.Start(); err != nil {
						m.logger.Warnw("Failed to apply SSE config change", "error", err)
					}
				} else if m.sse.IsRunning() {
					m.sse.Stop()
				}
			}
		}
	}()
}
