// Package config loads the sctl JSON configuration file, with an
// environment-variable fallback for a single device.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// DeviceEntry describes how to reach one device through a relay.
type DeviceEntry struct {
	URL          string `json:"url"`
	APIKey       string `json:"api_key"`
	PlaybooksDir string `json:"playbooks_dir,omitempty"`
}

// LogConfig controls the zap/lumberjack sink (internal/logging.Options).
type LogConfig struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// TransferConfig holds gawdxfer tuning knobs (internal/xfer.Config).
type TransferConfig struct {
	MaxTransfers    int   `json:"max_transfers"`
	MaxUploadSize   int64 `json:"max_upload_size"`
	DefaultChunk    int   `json:"default_chunk_size"`
	IdlePauseSecs   int   `json:"idle_pause_secs"`
	TerminalTTLSecs int   `json:"terminal_ttl_secs"`
}

// TunnelConfig holds relay/client timing knobs. DeviceListen is the
// device's own HTTP listener, serving the STP surface to clients that
// can reach the device directly. Only the STP routes are mounted there;
// the relay refuses to proxy streaming requests.
type TunnelConfig struct {
	Listen              string `json:"listen"`
	DeviceListen        string `json:"device_listen"`
	RequestTimeoutSecs  int    `json:"request_timeout_secs"`
	BinaryTimeoutSecs   int    `json:"binary_timeout_secs"`
	WriteQueueSize      int    `json:"write_queue_size"`
	StableThresholdSecs int    `json:"stable_threshold_secs"`
}

// fileConfig is the raw top-level JSON shape.
type fileConfig struct {
	Log           LogConfig              `json:"log"`
	Devices       map[string]DeviceEntry `json:"devices"`
	DefaultDevice string                 `json:"default_device"`
	Transfer      TransferConfig         `json:"transfer"`
	Tunnel        TunnelConfig           `json:"tunnel"`
}

// Config is the validated, default-filled configuration ready for use.
type Config struct {
	Log           LogConfig
	Devices       map[string]DeviceEntry
	DefaultDevice string
	Transfer      TransferConfig
	Tunnel        TunnelConfig
}

// GlobalCfg is the process-wide configuration, populated at init from
// SCTL_CONFIG and by Reload. Load only returns a Config.
var GlobalCfg *Config

func init() {
	path := os.Getenv("SCTL_CONFIG")
	if path == "" {
		return
	}
	cfg, err := Load(path)
	if err != nil {
		fmt.Printf("failed to load config from %s: %s\n", path, err.Error())
		return
	}
	GlobalCfg = cfg
}

// Load reads and validates a config file at path, filling in defaults.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw fileConfig
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return validate(&raw)
}

// LoadFromEnv builds a single "default" device from SCTL_URL/SCTL_API_KEY,
// for running without a config file.
func LoadFromEnv() (*Config, error) {
	url := os.Getenv("SCTL_URL")
	apiKey := os.Getenv("SCTL_API_KEY")
	if url == "" {
		return nil, fmt.Errorf("no config file and SCTL_URL not set")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no config file and SCTL_API_KEY not set")
	}
	raw := fileConfig{
		Devices:       map[string]DeviceEntry{"default": {URL: url, APIKey: apiKey}},
		DefaultDevice: "default",
	}
	return validate(&raw)
}

// Reload re-reads path into GlobalCfg. A bad reload does not clobber
// the previous GlobalCfg.
func Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	GlobalCfg = cfg
	return nil
}

func validate(raw *fileConfig) (*Config, error) {
	if len(raw.Devices) == 0 {
		return nil, fmt.Errorf("config contains no devices")
	}
	for name, d := range raw.Devices {
		if d.URL == "" {
			return nil, fmt.Errorf("device %q has empty url", name)
		}
		if d.APIKey == "" {
			return nil, fmt.Errorf("device %q has empty api_key", name)
		}
	}
	defaultDevice := raw.DefaultDevice
	if defaultDevice == "" {
		if len(raw.Devices) == 1 {
			for name := range raw.Devices {
				defaultDevice = name
			}
		} else {
			return nil, fmt.Errorf("multiple devices configured but no default_device specified")
		}
	} else if _, ok := raw.Devices[defaultDevice]; !ok {
		return nil, fmt.Errorf("default_device %q not found in devices", defaultDevice)
	}

	t := raw.Transfer
	if t.MaxTransfers <= 0 {
		t.MaxTransfers = 16
	}
	if t.DefaultChunk <= 0 {
		t.DefaultChunk = 1 << 20
	}
	if t.MaxUploadSize <= 0 {
		t.MaxUploadSize = 16 << 30
	}
	if t.IdlePauseSecs <= 0 {
		t.IdlePauseSecs = 60
	}
	if t.TerminalTTLSecs <= 0 {
		t.TerminalTTLSecs = 600
	}

	tu := raw.Tunnel
	if tu.Listen == "" {
		tu.Listen = ":8088"
	}
	if tu.DeviceListen == "" {
		tu.DeviceListen = ":8089"
	}
	if tu.RequestTimeoutSecs <= 0 {
		tu.RequestTimeoutSecs = 30
	}
	if tu.BinaryTimeoutSecs <= 0 {
		tu.BinaryTimeoutSecs = 120
	}
	if tu.WriteQueueSize <= 0 {
		tu.WriteQueueSize = 64
	}
	if tu.StableThresholdSecs <= 0 {
		tu.StableThresholdSecs = 30
	}

	if raw.Log.Level == "" {
		raw.Log.Level = "info"
	}
	if raw.Log.Path == "" {
		raw.Log.Path = "sctl.log"
	}

	return &Config{
		Log:           raw.Log,
		Devices:       raw.Devices,
		DefaultDevice: defaultDevice,
		Transfer:      t,
		Tunnel:        tu,
	}, nil
}
