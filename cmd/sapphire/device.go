package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/giapdangle/sapphire-tools/config"
	"github.com/giapdangle/sapphire-tools/device"
	"github.com/giapdangle/sapphire-tools/exchange"
	"github.com/giapdangle/sapphire-tools/fwimage"
	"github.com/giapdangle/sapphire-tools/kvstore"
	"github.com/giapdangle/sapphire-tools/monitor"
	"github.com/giapdangle/sapphire-tools/netscan"
	"github.com/giapdangle/sapphire-tools/notify"
	"github.com/giapdangle/sapphire-tools/udpx"
)

// poolSize caps the command sockets open at once across all device
// sessions.
const poolSize = 4

func newDeviceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Scan the network and manage device sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDevice(cmd)
		},
	}
}

func runDevice(cmd *cobra.Command) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	settings, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger := newLogger(settings.LogLevel)
	defer logger.Sync()

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	flush := initTelemetry(context.Background(), "sapphire-device", logger)
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

	// ── Local stores ───────────────────────────────────────────────────────
	metaCache, err := kvstore.Open(filepath.Join(settings.DataDir, "kvmeta.db"))
	if err != nil {
		logger.Fatal("metadata cache open failed", zap.Error(err))
	}
	defer metaCache.Close()

	firmware := fwimage.NewStore(settings.FirmwareDir, logger)
	if err := firmware.Load(); err != nil {
		logger.Warn("firmware images unavailable",
			zap.String("dir", settings.FirmwareDir),
			zap.Error(err))
	}

	// ── Device sessions ────────────────────────────────────────────────────
	factory := device.NewFactory(device.FactoryConfig{
		Pool:      udpx.NewPool(poolSize, logger),
		Exchange:  objects,
		MetaCache: metaCache,
		Firmware:  firmware,
		Logger:    logger,
	})
	registry := device.NewRegistry(factory, logger)
	detach := registry.BindFeedback(disp)

	// ── Notification intake ────────────────────────────────────────────────
	intake, err := notify.New(fmt.Sprintf("0.0.0.0:%d", settings.NotifyPort), registry, logger)
	if err != nil {
		logger.Fatal("notification server failed", zap.Error(err))
	}
	intake.Start()

	// ── Monitor & scanner ──────────────────────────────────────────────────
	mon := monitor.New(monitor.Config{
		Dispatcher: disp,
		Logger:     logger,
		NotifyIP:   settings.NotifyIP,
		NotifyPort: settings.NotifyPort,
	})
	mon.Start()

	scanner := netscan.New(netscan.Config{
		Registry: registry,
		Exchange: objects,
		Logger:   logger,
	})
	scanner.Start()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	scanner.Stop()
	mon.Stop()
	intake.Stop()
	detach()
	objects.Stop()
	logger.Info("sapphire device manager shut down cleanly")
	return nil
}
