package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/switchboard/internal/api"
	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/connwatch"
	"github.com/nugget/switchboard/internal/mqtt"
)

const shutdownTimeout = 30 * time.Second

// runServe is the primary operating mode: it builds every provider,
// starts health watchers, the optional MQTT exporter and the API
// server, and blocks until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels ctx; in-flight agent runs are cancelled remotely
//  2. The API server drains
//  3. Remote agents and threads are deleted and the stores closed
//  4. MQTT publishes "offline" and disconnects
//  5. Health watchers stop
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, logger, err := setup(stdout, opts)
	if err != nil {
		return err
	}
	logger.Info("starting switchboard", "version", buildinfo.Version)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	watch := connwatch.NewManager(logger, a.bus)
	if a.agents != nil {
		watch.WatchPinger(ctx, connwatch.ServiceAgent, a.agents, connwatch.BackoffConfig{})
	}
	if a.probe != nil {
		watch.Watch(ctx, connwatch.WatcherConfig{
			Name:    connwatch.ServiceToolBridge,
			Probe:   a.probe.Ping,
			OnReady: func() { a.checkBridgeTools(ctx) },
		})
	}
	if a.models != nil {
		watch.WatchPinger(ctx, connwatch.ServiceModels, a.models, connwatch.BackoffConfig{})
	}

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, a.bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		watch.Watch(ctx, connwatch.WatcherConfig{
			Name:  connwatch.ServiceMQTT,
			Probe: mqttPub.AwaitConnection,
		})
	}

	// Typed nil clients must not reach the server as non-nil interfaces.
	var steps api.StepLister
	if a.agents != nil {
		steps = a.agents
	}

	server := api.NewServer(api.Config{
		Address:    cfg.Listen.Address,
		Port:       cfg.Listen.Port,
		Dispatcher: a.router,
		Router:     a.router,
		Runs:       a.runs,
		Steps:      steps,
		Health:     watch,
		Usage:      a.usage,
		Events:     a.bus,
		RateLimit:  cfg.RateLimit,
		Logger:     logger,
	})

	serveErr := serveUntilDrained(ctx, cancel, server, logger)

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cleanupCancel()

	if err := a.Close(cleanupCtx); err != nil {
		logger.Error("cleanup failed", "error", err)
	}
	if mqttPub != nil {
		if err := mqttPub.Stop(cleanupCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	watch.Stop()

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	logger.Info("switchboard stopped")
	return nil
}

// httpServer is the part of *api.Server that serveUntilDrained drives.
type httpServer interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// serveUntilDrained runs srv until ctx ends, then returns once Shutdown
// has finished draining in-flight requests. Start alone is not enough:
// it returns as soon as Shutdown begins. cancel is called when Start
// fails on its own so the shutdown goroutine still runs.
func serveUntilDrained(ctx context.Context, cancel context.CancelFunc, srv httpServer, logger *slog.Logger) error {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	err := srv.Start(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	cancel()
	<-drained
	return err
}
