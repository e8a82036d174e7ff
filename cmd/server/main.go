// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Hyper-Int/browser-broker/internal/browser"
	"github.com/Hyper-Int/browser-broker/internal/cdp"
	"github.com/Hyper-Int/browser-broker/internal/config"
	"github.com/Hyper-Int/browser-broker/internal/httpapi"
	"github.com/Hyper-Int/browser-broker/internal/observability"
	"github.com/Hyper-Int/browser-broker/internal/ports"
	"github.com/Hyper-Int/browser-broker/internal/sessions"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet; config must be valid before anything else starts.
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	metrics := observability.NewMetrics()

	allocator, err := ports.NewAllocator(cfg.PortRangeLow, cfg.PortRangeHigh)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid port range")
	}

	supervisor := browser.NewSupervisor(cfg.BrowserBin, cfg.StartupCheck, cfg.TerminateGrace, logger)
	tailer := cdp.NewTailer(cfg.AttachTimeout, cfg.AttachRetries, cfg.AttachBackoff, logger)

	registry := sessions.NewRegistry(sessions.RegistryConfig{
		Ports:        allocator,
		Launcher:     supervisorLauncher{supervisor},
		Attacher:     tailerAttacher{tailer},
		LogCap:       cfg.LogCap,
		CDPHost:      cfg.CDPHost,
		UserDataBase: cfg.UserDataBase,
		Logger:       logger,
		Metrics:      metrics,
	})

	api := httpapi.NewServer(registry, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.Handler(),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().Str("addr", cfg.Addr).
			Int("port_low", cfg.PortRangeLow).Int("port_high", cfg.PortRangeHigh).
			Msg("broker listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := <-shutdown
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}

	// Tear down every live session: browsers killed, ports released.
	registry.Shutdown(ctx)

	logger.Info().Msg("broker stopped")
}

// supervisorLauncher adapts *browser.Supervisor to the registry's Launcher
// interface (the concrete Launch returns *browser.Process).
type supervisorLauncher struct {
	s *browser.Supervisor
}

func (l supervisorLauncher) Launch(ctx context.Context, port int, profile browser.Profile) (sessions.ProcessHandle, error) {
	p, err := l.s.Launch(ctx, port, profile)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// tailerAttacher adapts *cdp.Tailer the same way.
type tailerAttacher struct {
	t *cdp.Tailer
}

func (a tailerAttacher) Attach(ctx context.Context, port int, opts cdp.AttachOptions) (sessions.TailerHandle, error) {
	s, err := a.t.Attach(ctx, port, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}
