package mixer

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for the mixer's configuration file
type CanonicalConfig struct {
	RuntimeDir string

	PeakMonitors      bool
	PeakDecayInterval time.Duration
	PeakDecayStep     int

	SSE struct {
		Enabled bool
		Port    int
	}

	BridgeRetryInterval time.Duration
	BridgeRetryBudget   time.Duration

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper
}

const (
	userConfigFilepath = "eww-mixer.yaml"

	userConfigName = "eww-mixer"
	userConfigPath = "."

	configType = "yaml"

	configKey_RuntimeDir = "runtime_dir"

	configKey_PeakMonitors        = "peak_monitors"
	configKey_PeakDecayIntervalMS = "peak_decay_interval_ms"
	configKey_PeakDecayStep       = "peak_decay_step"

	configKey_SSE_Enabled = "sse_enabled"
	configKey_SSE_Port    = "sse_port"

	configKey_BridgeRetryIntervalMS = "bridge_retry_interval_ms"
	configKey_BridgeRetryBudgetMS   = "bridge_retry_budget_ms"

	default_PeakMonitors        = true
	default_PeakDecayIntervalMS = 50
	default_PeakDecayStep       = 3

	default_SSE_Enabled = false
	default_SSE_Port    = 16204

	default_BridgeRetryIntervalMS = 100
	default_BridgeRetryBudgetMS   = 18000

	// decay ticks faster than this are a busy loop, not a meter
	minPeakDecayIntervalMS = 10
)

// defaultRuntimeDir resolves where sockets and the lock file live when the
// config doesn't say otherwise
func defaultRuntimeDir() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "eww-mixer")
	}

	return filepath.Join(os.TempDir(), "eww-mixer")
}

// NewConfig creates a config instance for the mixer and sets up its viper instance
func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKey_RuntimeDir, defaultRuntimeDir())
	userConfig.SetDefault(configKey_PeakMonitors, default_PeakMonitors)
	userConfig.SetDefault(configKey_PeakDecayIntervalMS, default_PeakDecayIntervalMS)
	userConfig.SetDefault(configKey_PeakDecayStep, default_PeakDecayStep)
	userConfig.SetDefault(configKey_SSE_Enabled, default_SSE_Enabled)
	userConfig.SetDefault(configKey_SSE_Port, default_SSE_Port)
	userConfig.SetDefault(configKey_BridgeRetryIntervalMS, default_BridgeRetryIntervalMS)
	userConfig.SetDefault(configKey_BridgeRetryBudgetMS, default_BridgeRetryBudgetMS)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// SetConfigFile overrides the config file location (from a command-line flag).
// Must be called before Load
func (cc *CanonicalConfig) SetConfigFile(path string) {
	cc.userConfig.SetConfigFile(path)
}

// Load reads the config file from disk if one exists and parses it; a missing
// file is fine, the daemon runs on defaults
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	if err := cc.userConfig.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound || os.IsNotExist(err) {
			cc.logger.Debug("No config file found, using defaults")
		} else {
			cc.logger.Warnw("Viper failed to read user config", "error", err)
			cc.notifier.Notify("Invalid configuration!",
				"Please make sure "+userConfigFilepath+" is in a valid YAML format.")
			return err
		}
	}

	cc.populateFromViper()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"runtimeDir", cc.RuntimeDir,
		"peakMonitors", cc.PeakMonitors,
		"peakDecayInterval", cc.PeakDecayInterval,
		"peakDecayStep", cc.PeakDecayStep,
		"sseEnabled", cc.SSE.Enabled,
		"ssePort", cc.SSE.Port,
		"bridgeRetryInterval", cc.BridgeRetryInterval,
		"bridgeRetryBudget", cc.BridgeRetryBudget,
	)

	return nil
}

// ControlSocketPath returns the control socket's location under the runtime directory
func (cc *CanonicalConfig) ControlSocketPath() string {
	return filepath.Join(cc.RuntimeDir, "control.sock")
}

// FastSocketPath returns the fast channel socket's location under the runtime directory
func (cc *CanonicalConfig) FastSocketPath() string {
	return filepath.Join(cc.RuntimeDir, "fast.sock")
}

// SlowSocketPath returns the slow channel socket's location under the runtime directory
func (cc *CanonicalConfig) SlowSocketPath() string {
	return filepath.Join(cc.RuntimeDir, "slow.sock")
}

// LockFilePath returns the daemon lock file's location under the runtime directory
func (cc *CanonicalConfig) LockFilePath() string {
	return filepath.Join(cc.RuntimeDir, "daemon.lock")
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				previousRuntimeDir := cc.RuntimeDir

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")

					// socket and lock paths are bound at startup
					if cc.RuntimeDir != previousRuntimeDir {
						cc.logger.Warnw("Runtime directory changed in config, restart required for it to apply",
							"active", previousRuntimeDir,
							"configured", cc.RuntimeDir)
						cc.RuntimeDir = previousRuntimeDir
					}

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true

	// Close all reload consumer channels to signal goroutines to exit
	cc.closeReloadChannels()
}

// closeReloadChannels closes all reload consumer channels to signal goroutines to exit
func (cc *CanonicalConfig) closeReloadChannels() {
	for _, ch := range cc.reloadConsumers {
		close(ch)
	}
	cc.reloadConsumers = nil
	cc.logger.Debug("Closed all config reload channels")
}

func (cc *CanonicalConfig) populateFromViper() {
	cc.RuntimeDir = cc.userConfig.GetString(configKey_RuntimeDir)
	if cc.RuntimeDir == "" {
		cc.RuntimeDir = defaultRuntimeDir()
	}

	cc.PeakMonitors = cc.userConfig.GetBool(configKey_PeakMonitors)

	decayIntervalMS := cc.userConfig.GetInt(configKey_PeakDecayIntervalMS)
	if decayIntervalMS < minPeakDecayIntervalMS {
		cc.logger.Warnw("Peak decay interval too low, using minimum",
			"configured", decayIntervalMS, "minimum", minPeakDecayIntervalMS)
		decayIntervalMS = minPeakDecayIntervalMS
	}
	cc.PeakDecayInterval = time.Duration(decayIntervalMS) * time.Millisecond

	cc.PeakDecayStep = cc.userConfig.GetInt(configKey_PeakDecayStep)
	if cc.PeakDecayStep < 1 {
		cc.logger.Warnw("Peak decay step out of range, using default",
			"configured", cc.PeakDecayStep, "default", default_PeakDecayStep)
		cc.PeakDecayStep = default_PeakDecayStep
	}

	cc.SSE.Enabled = cc.userConfig.GetBool(configKey_SSE_Enabled)
	cc.SSE.Port = cc.userConfig.GetInt(configKey_SSE_Port)
	if cc.SSE.Port <= 0 || cc.SSE.Port > 65535 {
		cc.logger.Warnw("SSE port out of range, using default",
			"configured", cc.SSE.Port, "default", default_SSE_Port)
		cc.SSE.Port = default_SSE_Port
	}

	retryIntervalMS := cc.userConfig.GetInt(configKey_BridgeRetryIntervalMS)
	if retryIntervalMS < 1 {
		retryIntervalMS = default_BridgeRetryIntervalMS
	}
	cc.BridgeRetryInterval = time.Duration(retryIntervalMS) * time.Millisecond

	retryBudgetMS := cc.userConfig.GetInt(configKey_BridgeRetryBudgetMS)
	if retryBudgetMS < 0 {
		retryBudgetMS = default_BridgeRetryBudgetMS
	}
	cc.BridgeRetryBudget = time.Duration(retryBudgetMS) * time.Millisecond

	cc.logger.Debug("Populated config fields from viper")
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		// Safely send to channel, handling closed channels
		func() {
			defer func() {
				if r := recover(); r != nil {
					// Channel is closed, ignore
					cc.logger.Debugw("Config reload channel closed, skipping notification", "recover", r)
				}
			}()
			select {
			case consumer <- true:
			default:
				// Channel is full, skip
			}
		}()
	}
}
