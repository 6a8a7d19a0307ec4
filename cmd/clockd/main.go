// Command clockd runs the word-clock device daemon.
//
// # Usage
//
//	clockd --config /etc/clockd/clockd.yaml
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (CLOCKD_*)
// - Config file (--config)
//
// # Examples
//
// Run with flags:
//
//	clockd --name clock-livingroom --broker mqtt://broker.local:1883
//
// Run with environment variables:
//
//	CLOCKD_DEVICE_NAME=clock-livingroom \
//	CLOCKD_BROKER_URL=mqtt://broker.local:1883 \
//	clockd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wordclock-io/clockd"
	"github.com/wordclock-io/clockd/internal/config"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to config file")
		name       = flag.String("name", "", "Device name (topic segment)")
		brokerURL  = flag.String("broker", "", "MQTT broker URL")
		dataDir    = flag.String("data-dir", "", "State directory")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("clockd %s\n", clockd.Version)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()

	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	cfg.ApplyEnvOverrides()

	if *name != "" {
		cfg.Device.Name = *name
	}
	if *brokerURL != "" {
		cfg.Broker.URL = *brokerURL
	}
	if *dataDir != "" {
		cfg.Device.DataDir = *dataDir
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	logLevel := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	app, err := clockd.New(cfg, logger)
	if err != nil {
		logger.Error("failed to assemble daemon", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("clockd shutdown complete")
}
