package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/giapdangle/sapphire-tools/broker"
	"github.com/giapdangle/sapphire-tools/config"
	"github.com/giapdangle/sapphire-tools/telemetry"
)

func main() {
	root := &cobra.Command{
		Use:           "sapphire [command]",
		Long:          "Sapphire control plane: object exchange, device manager and HTTP API for embedded wireless networks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "",
		"settings file (default sapphire.conf in the working directory)")

	root.AddCommand(newAPICommand())
	root.AddCommand(newDeviceCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// initTelemetry starts OTel tracing and metrics when an OTLP endpoint
// is configured. The returned function flushes both.
func initTelemetry(ctx context.Context, service string, logger *zap.Logger) func() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func() {}
	}

	tp, err := telemetry.InitTracer(ctx, service, config.Version, endpoint)
	if err != nil {
		logger.Error("failed to init OTel tracer", zap.Error(err))
	}
	mp, err := telemetry.InitMeterProvider(ctx, service, config.Version, endpoint)
	if err != nil {
		logger.Error("failed to init OTel meter provider", zap.Error(err))
	}
	if tp != nil || mp != nil {
		logger.Info("OTel initialized", zap.String("endpoint", endpoint))
	}

	return func() {
		if tp != nil {
			_ = tp.Shutdown(context.Background())
		}
		if mp != nil {
			_ = mp.Shutdown(context.Background())
		}
	}
}

// fillFromVault overlays secrets onto the settings when the operator
// points the process at Vault. Absent VAULT_ADDR this is a no-op.
func fillFromVault(settings *config.Settings, logger *zap.Logger) {
	vaultAddr := os.Getenv("VAULT_ADDR")
	if vaultAddr == "" {
		return
	}
	vaultToken := os.Getenv("VAULT_TOKEN")
	if vaultToken == "" {
		vaultToken = "root"
	}
	secretPath := os.Getenv("VAULT_SECRET_PATH")
	if secretPath == "" {
		secretPath = "secret/data/sapphire"
	}

	manager, err := config.NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Fatal("Vault connection failed", zap.Error(err))
	}
	secrets, err := manager.GetKV2(secretPath)
	if err != nil {
		logger.Fatal("failed to load secrets from Vault", zap.Error(err))
	}

	settings.ApplySecrets(secrets)
	logger.Info("settings overlaid from Vault", zap.String("path", secretPath))
}

// newBus picks the exchange transport by URL scheme.
func newBus(rawURL string, logger *zap.Logger) (broker.Bus, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("broker url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "nats":
		return broker.NewNATS(rawURL, logger)
	case "redis", "rediss":
		return broker.NewRedis(rawURL, logger)
	case "memory":
		return broker.NewMemory(logger), nil
	default:
		return nil, fmt.Errorf("broker url %q: unsupported scheme", rawURL)
	}
}

// apiPortOf extracts the numeric port of a listen address for the
// discovery announcement.
func apiPortOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
