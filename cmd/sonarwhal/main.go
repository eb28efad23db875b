// Command sonarwhal runs one collection against a URL and writes the
// lifecycle event stream to stdout as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/iansealy/sonarwhal/internal/browser"
	"github.com/iansealy/sonarwhal/internal/config"
	"github.com/iansealy/sonarwhal/internal/connector"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <url>\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	targetURL := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	setupLogging(cfg, "sonarwhal.log")

	slog.Info("starting collection", "target", targetURL,
		"cdp_address", cfg.CDPAddress, "cdp_port", cfg.CDPPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()
	}()

	launcher := browser.NewLauncher(browser.Config{
		CDPAddress: cfg.CDPAddress,
		CDPPort:    cfg.CDPPort,
	})

	conn := connector.New(cfg, nil, launcher)
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Warn("connector close failed", "error", err)
		}
	}()

	enc := json.NewEncoder(os.Stdout)
	conn.Emitter().OnAny(func(event string, payload any) {
		line := struct {
			Event   string `json:"event"`
			Payload any    `json:"payload"`
		}{Event: event, Payload: payload}
		if err := enc.Encode(line); err != nil {
			slog.Warn("event not serializable", "event", event, "error", err)
		}
	})

	if err := conn.Collect(ctx, targetURL); err != nil {
		slog.Error("collection failed", "target", targetURL, "error", err)
		os.Exit(1)
	}
	slog.Info("collection finished", "final_href", conn.FinalHref())
}

func setupLogging(cfg *config.Config, filename string) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		slog.Debug("log directory creation failed", "error", err)
	}

	logWriter := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, filename),
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	// Events go to stdout; logs go to stderr and the rotated file.
	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, logWriter), &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
}
