// Package main runs a terminal ChatBridge client: it relays lines typed on
// stdin to the broker as chat and prints chat arriving from other bridges.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/R1ckyH/chatbridge/internal/client"
	"github.com/R1ckyH/chatbridge/internal/config"
	"github.com/R1ckyH/chatbridge/internal/observability"
	"github.com/R1ckyH/chatbridge/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/client.yaml", "path to configuration file")
	player := flag.String("player", "console", "player name attached to sent chat")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Initialize logger
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting ChatBridge client",
		zap.String("name", cfg.Client.Name),
		zap.String("server", cfg.Client.Addr()),
	)

	c := client.New(cfg.Client, cfg.Timeouts, logger)
	c.OnMessage(func(from, player, message string) {
		fmt.Printf("[%s] <%s> %s\n", from, player, message)
	})

	// Relay stdin lines as chat. Sends while disconnected are dropped with
	// a notice; the reconnect guardian restores the link on its own.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if err := c.SendChat(*player, line, ""); err != nil {
				logger.Warn("chat not sent", zap.Error(err))
			}
		}
	}()

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("bridge", c)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("client error", zap.Error(err))
	}
}
