package main

import (
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/stalexteam/eww-mixer/pkg/mixer"
)

// set via ldflags by the build script
var (
	gitCommit  string
	versionTag string
	buildType  string
)

func main() {
	verbose := flag.BoolP("verbose", "v", false, "show verbose logs (useful for debugging)")
	configPath := flag.String("config", "", "path to the config file (default: eww-mixer.yaml in the working directory)")
	flag.Parse()

	// first we need a logger
	logger, err := mixer.NewLogger(buildType, *verbose)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	m, err := mixer.NewMixer(logger, *verbose, *configPath)
	if err != nil {
		named.Fatalw("Failed to create mixer daemon", "error", err)
	}

	m.SetVersion(versionTag)

	// blocks until a kill request or termination signal brings the daemon down
	if err := m.Initialize(); err != nil {

		// an instance already serving this machine is a clean no-op, not a failure
		if errors.Is(err, mixer.ErrLockHeld) {
			named.Debug("Another instance is already running, nothing to do")
			os.Exit(0)
		}

		named.Fatalw("Failed to initialize mixer daemon", "error", err)
	}
}
