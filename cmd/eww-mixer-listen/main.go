package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/stalexteam/eww-mixer/pkg/mixer"
	"github.com/stalexteam/eww-mixer/pkg/mixer/util"
)

// set via ldflags by the build script
var buildType string

func main() {
	channelFlag := flag.String("channel", "fast", "push channel to consume: fast or slow")
	formatFlag := flag.String("format", "raw", "output shape: raw, volume or mic (fast channel only)")
	spawnDaemon := flag.Bool("spawn-daemon", false, "launch eww-mixerd if no daemon answers")
	verbose := flag.BoolP("verbose", "v", false, "show verbose logs")
	configPath := flag.String("config", "", "path to the config file (default: eww-mixer.yaml in the working directory)")
	flag.Parse()

	logger, err := mixer.NewLogger(buildType, *verbose)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")

	channel, err := mixer.ParseBridgeChannel(*channelFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	format, err := mixer.ParseBridgeFormat(*formatFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	notifier, err := mixer.NewToastNotifier(logger)
	if err != nil {
		named.Fatalw("Failed to create notifier", "error", err)
	}

	config, err := mixer.NewConfig(logger, notifier)
	if err != nil {
		named.Fatalw("Failed to create config", "error", err)
	}

	if *configPath != "" {
		config.SetConfigFile(*configPath)
	}

	if err := config.Load(); err != nil {
		named.Fatalw("Failed to load config", "error", err)
	}

	bridge, err := mixer.NewBridge(logger, config, channel, format, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	if *spawnDaemon {
		bridge.EnableDaemonSpawn()
	}

	go func() {
		<-util.SetupCloseHandler()
		named.Debug("Interrupted, stopping bridge")
		bridge.Stop()
	}()

	// frames flow to stdout until the consumer or a signal ends the run;
	// daemon absence only ever shows up as default frames
	if err := bridge.Run(); err != nil {
		named.Warnw("Bridge stopped with error", "error", err)
	}
}
