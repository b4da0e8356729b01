// Package config loads process settings from sapphire.conf, the
// environment and, in the mains, Vault. Precedence is defaults, then
// file, then SAPPHIRE_* environment variables, then secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/giapdangle/sapphire-tools/protocols"
)

// Version is the release reported to peers and discovery clients.
const Version = "0.9.2"

// DefaultFile is the settings file looked up in the working directory
// when no path is given.
const DefaultFile = "sapphire.conf"

// Settings holds everything the sapphire processes read at boot. JSON
// keys match the settings file; each field also answers to the
// SAPPHIRE_* environment variable named in its comment.
type Settings struct {
	// BrokerURL selects the exchange transport by scheme: nats://,
	// redis:// or memory://. SAPPHIRE_BROKER_URL.
	BrokerURL string `json:"broker_url"`

	// APIAddr is the HTTP API listen address. SAPPHIRE_API_ADDR.
	APIAddr string `json:"api_addr"`

	// NotifyIP overrides the push target installed on devices. Empty
	// derives it per device from the route to it. SAPPHIRE_NOTIFY_IP.
	NotifyIP string `json:"notify_ip"`

	// NotifyPort is the UDP port the notification server binds.
	// SAPPHIRE_NOTIFY_PORT.
	NotifyPort uint16 `json:"notify_port"`

	// DataDir holds the parameter metadata cache database.
	// SAPPHIRE_DATA_DIR.
	DataDir string `json:"data_dir"`

	// FirmwareDir is scanned for .hex firmware images.
	// SAPPHIRE_FIRMWARE_DIR.
	FirmwareDir string `json:"firmware_dir"`

	// LogLevel is one of debug, info, warn, error. SAPPHIRE_LOG_LEVEL.
	LogLevel string `json:"log_level"`
}

// Default returns the settings used when nothing overrides them: a
// local broker and the standard ports.
func Default() Settings {
	return Settings{
		BrokerURL:   "nats://127.0.0.1:4222",
		APIAddr:     ":8080",
		NotifyPort:  protocols.NotificationPort,
		DataDir:     ".",
		FirmwareDir: "firmware",
		LogLevel:    "info",
	}
}

// Load reads the settings file at path and layers the environment on
// top. An empty path means DefaultFile in the working directory, and
// then a missing file is fine; a path given explicitly must exist.
func Load(path string) (Settings, error) {
	s := Default()

	explicit := path != ""
	if path == "" {
		path = DefaultFile
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s); err != nil {
			return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := s.applyEnv(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) applyEnv() error {
	for _, v := range []struct {
		name string
		dst  *string
	}{
		{"SAPPHIRE_BROKER_URL", &s.BrokerURL},
		{"SAPPHIRE_API_ADDR", &s.APIAddr},
		{"SAPPHIRE_NOTIFY_IP", &s.NotifyIP},
		{"SAPPHIRE_DATA_DIR", &s.DataDir},
		{"SAPPHIRE_FIRMWARE_DIR", &s.FirmwareDir},
		{"SAPPHIRE_LOG_LEVEL", &s.LogLevel},
	} {
		if val := os.Getenv(v.name); val != "" {
			*v.dst = val
		}
	}

	if val := os.Getenv("SAPPHIRE_NOTIFY_PORT"); val != "" {
		port, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return fmt.Errorf("config: SAPPHIRE_NOTIFY_PORT %q: %w", val, err)
		}
		s.NotifyPort = uint16(port)
	}
	return nil
}

// ApplySecrets folds a Vault secret map into the settings. Only keys
// the settings know are picked up, so one secret path can serve
// several services.
func (s *Settings) ApplySecrets(secrets map[string]interface{}) {
	if v, ok := secrets["BROKER_URL"].(string); ok && v != "" {
		s.BrokerURL = v
	}
	if v, ok := secrets["API_ADDR"].(string); ok && v != "" {
		s.APIAddr = v
	}
}
