// Package config handles FleetBridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/fleetbridge/config.yaml, /etc/fleetbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fleetbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/fleetbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all FleetBridge configuration.
type Config struct {
	Broker       BrokerConfig       `yaml:"broker"`
	Topics       TopicsConfig       `yaml:"topics"`
	Ack          AckConfig          `yaml:"ack"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Store        StoreConfig        `yaml:"store"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"` // "text" (default) or "json"
}

// BrokerConfig defines the MQTT broker connection settings.
type BrokerConfig struct {
	// URL is the broker address, e.g. "mqtt://broker.local:1883" or
	// "mqtts://broker.example.com:8883" for TLS.
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientID identifies this engine's broker session. If empty, a
	// random session ID is generated at startup.
	ClientID string `yaml:"client_id"`
	// KeepAliveSec is the MQTT keep-alive interval in seconds (default 30).
	KeepAliveSec int `yaml:"keep_alive_sec"`
}

// TopicsConfig defines the topic namespace devices publish under.
type TopicsConfig struct {
	// Root is the fixed first topic segment (default "fleet"). Devices
	// publish on Root/<deviceID>/<class>.
	Root string `yaml:"root"`
}

// AckConfig controls delivery-confirmation tracking for QoS-1 publishes.
type AckConfig struct {
	// TimeoutSec is how long to wait for a delivery confirmation before
	// the target device is presumed unresponsive (default 10).
	TimeoutSec int `yaml:"timeout_sec"`
}

// IngestConfig controls the inbound message filter chain.
type IngestConfig struct {
	// GraceSec discards all inbound messages for this many seconds after
	// startup, suppressing broker replay storms (default 3).
	GraceSec int `yaml:"grace_sec"`
	// StaleSec discards messages whose declared timestamp is older than
	// this many seconds (default 120).
	StaleSec int `yaml:"stale_sec"`
}

// ProvisioningConfig controls registration policy.
type ProvisioningConfig struct {
	// RequireCertificate gates registration on an active device
	// certificate. Disabled by default; enforcement is opt-in.
	RequireCertificate bool `yaml:"require_certificate"`
}

// StoreConfig defines device record persistence.
type StoreConfig struct {
	// Path is the SQLite database file. If empty, defaults to
	// <data_dir>/fleetbridge.db.
	Path string `yaml:"path"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			KeepAliveSec: 30,
		},
		Topics: TopicsConfig{Root: "fleet"},
		Ack:    AckConfig{TimeoutSec: 10},
		Ingest: IngestConfig{
			GraceSec: 3,
			StaleSec: 120,
		},
		DataDir: ".",
	}
}

// DBPath returns the SQLite database path, applying the data_dir default.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "fleetbridge.db")
}
