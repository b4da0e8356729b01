package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/apiserver"
	"github.com/giapdangle/sapphire-tools/config"
	"github.com/giapdangle/sapphire-tools/discovery"
	"github.com/giapdangle/sapphire-tools/exchange"
	"github.com/giapdangle/sapphire-tools/longpoll"
)

func newAPICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP API, long-poll events and LAN discovery",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAPI(cmd)
		},
	}
}

func runAPI(cmd *cobra.Command) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	settings, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger := newLogger(settings.LogLevel)
	defer logger.Sync()

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	flush := initTelemetry(context.Background(), "sapphire-api", logger)
	defer flush()

	// ── Vault secrets ──────────────────────────────────────────────────────
	fillFromVault(&settings, logger)

	// ── Broker & object exchange ───────────────────────────────────────────
	bus, err := newBus(settings.BrokerURL, logger)
	if err != nil {
		logger.Fatal("broker connection failed", zap.Error(err))
	}
	defer bus.Close()

	disp := exchange.NewDispatcher(logger)
	objects := exchange.NewManager(bus, disp, logger)
	if err := objects.Start(); err != nil {
		logger.Fatal("exchange start failed", zap.Error(err))
	}

	// ── Long-poll sessions ─────────────────────────────────────────────────
	sessions := longpoll.New(longpoll.Config{Logger: logger})
	sessions.Feed(disp)

	// ── LAN discovery ──────────────────────────────────────────────────────
	responder, err := discovery.NewResponder(
		fmt.Sprintf(":%d", discovery.Port),
		discovery.Announcement{Version: config.Version, Port: apiPortOf(settings.APIAddr)},
		logger,
	)
	if err != nil {
		logger.Fatal("discovery responder failed", zap.Error(err))
	}
	responder.Start()

	// ── HTTP API ───────────────────────────────────────────────────────────
	srv := apiserver.New(apiserver.Config{
		Exchange: objects,
		Sessions: sessions,
		Logger:   logger,
		Addr:     settings.APIAddr,
	})
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	responder.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	sessions.Stop()
	objects.Stop()
	logger.Info("sapphire api shut down cleanly")
	return nil
}
