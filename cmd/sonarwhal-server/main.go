// Command sonarwhal-server exposes the connector over HTTP: scans are
// triggered with POST /api/v1/scan and the lifecycle event stream is
// available as SSE on /api/v1/events.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/iansealy/sonarwhal/internal/api"
	"github.com/iansealy/sonarwhal/internal/browser"
	"github.com/iansealy/sonarwhal/internal/config"
	"github.com/iansealy/sonarwhal/internal/connector"
	"github.com/iansealy/sonarwhal/internal/events"
	"github.com/iansealy/sonarwhal/internal/relay"
)

type scanService struct {
	conn *connector.Connector
	rec  *events.Recorder
}

func (s *scanService) Scan(ctx context.Context, target string) (api.ScanResult, error) {
	s.rec.Reset()
	if err := s.conn.Collect(ctx, target); err != nil {
		return api.ScanResult{}, err
	}

	result := api.ScanResult{
		Resource:  target,
		FinalHref: s.conn.FinalHref(),
		Events:    len(s.rec.Events()),
	}
	if data := s.conn.TargetNetworkData(); data != nil {
		result.StatusCode = data.Response.StatusCode
		result.MediaType = data.Response.MediaType
		result.Charset = data.Response.Charset
		result.Hops = data.Response.Hops
	}
	return result, nil
}

func (s *scanService) Evaluate(ctx context.Context, source string) (json.RawMessage, error) {
	return s.conn.Evaluate(ctx, source)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	setupLogging(cfg, "sonarwhal-server.log")

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

	rec := events.NewRecorder()
	conn.Emitter().OnAny(rec.Handle)

	broker := relay.NewBroker()
	broker.Attach(conn.Emitter())

	svc := &scanService{conn: conn, rec: rec}
	srv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewServer(svc, broker),
	}

	go func() {
		slog.Info("API server listening", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown failed", "error", err)
	}
	slog.Info("server stopped")
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

	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
}
