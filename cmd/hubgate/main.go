package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hubgate/hubgate/config"
	"github.com/hubgate/hubgate/internal/catalog"
	"github.com/hubgate/hubgate/internal/gateway"
	"github.com/hubgate/hubgate/internal/logging"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/hubgate.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	genKey := flag.Bool("genkey", false, "Generate an API key and print its storage fields")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hubgate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if *genKey {
		key, err := catalog.GenerateKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
			os.Exit(1)
		}
		// The raw key is shown once; only prefix and hash are stored.
		fmt.Printf("key:    %s\nprefix: %s\nhash:   %s\n",
			key, catalog.KeyLookupPrefix(key), catalog.HashKey(key))
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting hubgate",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("base_domain", cfg.Server.BaseDomain),
		zap.Bool("redis", cfg.Redis.Enabled),
	)

	server, err := gateway.NewServer(cfg)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(context.Background()); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
