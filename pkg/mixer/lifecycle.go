package mixer

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// LifecycleState names the daemon's externally observable phases
type LifecycleState int32

const (
	StateNotRunning LifecycleState = iota
	StateStarting
	StateReady
	StateShuttingDown
)

func (s LifecycleState) String() string {
	switch s {
	case StateNotRunning:
		return "not-running"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// legalTransitions enumerates the permitted state changes. Starting may fall
// straight to ShuttingDown when bring-up fails
var legalTransitions = map[LifecycleState][]LifecycleState{
	StateNotRunning:   {StateStarting},
	StateStarting:     {StateReady, StateShuttingDown},
	StateReady:        {StateShuttingDown},
	StateShuttingDown: {StateNotRunning},
}

// lifecycle tracks the daemon's state and enforces legal transitions
type lifecycle struct {
	logger *zap.SugaredLogger

	mu    sync.Mutex
	state LifecycleState
}

func newLifecycle(logger *zap.SugaredLogger) *lifecycle {
	return &lifecycle{
		logger: logger.Named("lifecycle"),
		state:  StateNotRunning,
	}
}

// transition moves to the requested state, failing on anything the state
// machine doesn't permit
func (lc *lifecycle) transition(to LifecycleState) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	for _, allowed := range legalTransitions[lc.state] {
		if allowed == to {
			lc.logger.Debugw("State transition", "from", lc.state, "to", to)
			lc.state = to
			return nil
		}
	}

	return fmt.Errorf("illegal state transition: %s -> %s", lc.state, to)
}

func (lc *lifecycle) current() LifecycleState {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	return lc.state
}

// cleanStaleResources removes socket files a crashed daemon left behind.
// Only the lock holder may call this: anything found here is guaranteed
// stale, because a live daemon would be holding the lock
func cleanStaleResources(logger *zap.SugaredLogger, config *CanonicalConfig) {
	for _, path := range []string{
		config.ControlSocketPath(),
		config.FastSocketPath(),
		config.SlowSocketPath(),
	} {
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				logger.Warnw("Failed to remove stale socket", "path", path, "error", err)
			}
			continue
		}

		logger.Debugw("Removed stale socket", "path", path)
	}
}
