// Package main runs the ChatBridge relay broker. It wires together
// configuration, the client directory, the Lua handler manager, and the
// TCP acceptor.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/R1ckyH/chatbridge/internal/config"
	"github.com/R1ckyH/chatbridge/internal/observability"
	"github.com/R1ckyH/chatbridge/internal/plugin"
	"github.com/R1ckyH/chatbridge/internal/relay"
	"github.com/R1ckyH/chatbridge/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/server.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Initialize logger
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting ChatBridge relay",
		zap.String("addr", cfg.Server.Addr()),
	)

	// Load the client directory
	entries, err := config.LoadClients(cfg.Server.ClientsFile)
	if err != nil {
		logger.Fatal("loading client directory", zap.Error(err))
	}
	logger.Info("client directory loaded",
		zap.Int("clients", len(entries)),
		zap.String("file", cfg.Server.ClientsFile),
	)

	// Load Lua handlers, if configured
	ctx := context.Background()
	var manager *plugin.Manager
	if cfg.Plugins.Dir != "" {
		manager = plugin.NewManager(cfg.Timeouts.PluginBudget, logger)
		if err := manager.LoadDir(cfg.Plugins.Dir); err != nil {
			logger.Fatal("loading handlers", zap.Error(err))
		}
	}

	// Build the relay
	var dispatcher relay.EventDispatcher
	if manager != nil {
		dispatcher = manager
	}
	srv := relay.NewServer(cfg, entries, dispatcher, logger)

	// Give handlers their bridge capabilities once the relay exists.
	if manager != nil {
		manager.OnlineClients = srv.OnlineClients
		manager.SendChat = srv.SendChat
		manager.Command = func(target, command string) (string, error) {
			res, err := srv.Command(ctx, target, command)
			if err != nil {
				return "", err
			}
			return res.Result, nil
		}
	}

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("relay", srv)
	if manager != nil {
		lifecycle.Add("handlers", &server.FuncService{
			StartFn: func() error { select {} },
			StopFn:  manager.Close,
		})
	}

	logger.Info("relay initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("relay error", zap.Error(err))
	}
}
