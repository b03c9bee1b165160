// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the pollpilot server. It
// hosts the decision orchestration layer between a UI-driving agent and
// an LLM-backed decision service, exposing decide/feedback/stats over
// HTTP plus a websocket event stream.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/pollpilot/pollpilot/internal/api"
	"github.com/pollpilot/pollpilot/internal/buildinfo"
	"github.com/pollpilot/pollpilot/internal/config"
	"github.com/pollpilot/pollpilot/internal/decision"
	"github.com/pollpilot/pollpilot/internal/events"
	"github.com/pollpilot/pollpilot/internal/logging"
	"github.com/pollpilot/pollpilot/internal/oracle"
	"github.com/pollpilot/pollpilot/internal/plugin"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Optional; env vars override file settings either way.
	if err := godotenv.Load(); err == nil {
		log.Debug("Loaded environment from .env")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.SetDebug(cfg.Debug)
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogsDir); err != nil {
		log.Warnf("Falling back to stdout logging: %v", err)
	}

	log.Infof("Starting pollpilot %s (%s, built %s)", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	bus := events.NewBus()
	defer bus.Shutdown()

	luaEngine := plugin.NewEngine(plugin.Config{
		Enabled:   cfg.Fallback.PluginsEnabled,
		PluginDir: cfg.Fallback.PluginDir,
	})
	defer luaEngine.Close()

	orch := decision.New(cfg, oracle.NewClient(cfg.Oracle), decision.Options{
		Bus:  bus,
		Hook: luaEngine.FallbackHook(),
	})
	defer orch.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(cfg, orch, bus)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Info("Shutdown complete")
}
