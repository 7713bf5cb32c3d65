package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"campus-chat/go-e2ee/internal/composition/agentservice"
	"campus-chat/go-e2ee/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to agent.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for agent local data (optional)")
	relayURL := flag.String("relay", "", "Relay base URL override")
	flag.Parse()
	if *showVersion {
		fmt.Printf("e2ee-agent version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *dataDir != "" {
		_ = os.Setenv("CC_DATA_DIR", *dataDir)
	}
	if *relayURL != "" {
		_ = os.Setenv("CC_RELAY_BASE_URL", *relayURL)
	}

	svc, err := agentservice.Build(config.LoadFromPath(*configPath))
	if err != nil {
		log.Fatalf("e2ee-agent failed to initialize: %v", err)
	}

	log.Println("e2ee-agent starting")
	if err := svc.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("e2ee-agent failed: %v", err)
	}
	log.Println("e2ee-agent stopped")
}
