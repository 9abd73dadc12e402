package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/prmonitor/internal/config"
	"git.home.luguber.info/inful/prmonitor/internal/daemon"
)

var CLI struct {
	Config   string `short:"c" help:"Configuration file path" default:"config.yaml"`
	LogLevel string `help:"Log level (debug, info, warn, error)" default:"info"`

	Daemon struct {
	} `cmd:"" help:"Run the discovery daemon"`

	Status struct {
		Addr string `short:"a" help:"Daemon admin address" default:"http://localhost:8080"`
	} `cmd:"" help:"Fetch and print the daemon status"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`
}

func main() {
	ctx := kong.Parse(&CLI)

	level := &slog.LevelVar{}
	level.Set(parseLevel(CLI.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	switch ctx.Command() {
	case "daemon":
		if err := runDaemon(CLI.Config, logger, level); err != nil {
			slog.Error("Daemon failed", "error", err)
			os.Exit(1)
		}
	case "status":
		if err := runStatus(CLI.Status.Addr); err != nil {
			slog.Error("Status failed", "error", err)
			os.Exit(1)
		}
	case "init":
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration file created: %s\n", CLI.Config)
	}
}

func runDaemon(configPath string, logger *slog.Logger, level *slog.LevelVar) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cfg.Logging.Level != "" {
		level.Set(cfg.Logging.SlogLevel())
	}

	supervisor, err := daemon.NewSupervisor(cfg, configPath, logger)
	if err != nil {
		return err
	}
	supervisor.WithLogLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return supervisor.Run(ctx)
}

func runStatus(addr string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/status")
	if err != nil {
		return fmt.Errorf("reach daemon at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		return fmt.Errorf("parse status response: %w", err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
