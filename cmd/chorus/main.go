package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chorus/internal/infra/config"
	"chorus/internal/infra/logger"
	"chorus/internal/infra/tracer"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'chorus --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`chorus - one character in a multi-agent group chat

USAGE:
    chorus [COMMAND] [FLAGS]

COMMANDS:
    doctor      Check the config and the relay connection
    encrypt     Encrypt a secret for use as an enc: config value
                Reads the value from stdin, key from CHORUS_CONFIG_KEY

    (no command) - Join the relay and start talking

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./chorus.yaml)

CONFIGURATION:
    Config file: ./chorus.yaml
    Environment: CHORUS_* variables override config

EXAMPLES:
    chorus                                   # Run with chorus.yaml
    chorus --config agents/linda.yaml        # Run one character per process
    CHORUS_AGENT_ID=bob chorus               # Override the agent id
    chorus doctor                            # Check relay connectivity`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("CHORUS_CONFIG"); p != "" {
		return p
	}
	return "chorus.yaml"
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run() error {
	// 1. Config
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger, cfg.Agent.AgentID)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Runtime (state, routing, relay, platform, scheduler)
	rt, err := initRuntime(cfg, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			log.Error("runtime shutdown error", logger.Err(err))
		}
	}()

	// 5. Start
	if err := rt.Start(ctx); err != nil {
		return err
	}
	log.Info("chorus starting",
		"username", cfg.Agent.Username,
		"relay", cfg.Relay.URL,
		"groups", len(cfg.Groups),
		"relay_connected", rt.Transport.Connected(),
		"fallback", rt.Telegram != nil,
		"initiator", rt.Initiator != nil,
	)

	<-ctx.Done()
	log.Info("chorus shutting down")
	return nil
}
