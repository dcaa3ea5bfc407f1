// Package config loads and saves the per-node JSON configuration file via
// viper, mirroring original_source/src/config.rs's Config::load/save
// round-trip through a single file, grounded on bacalhau's viper usage in
// cmd/util/flags/cliflags/config.go (there, a shared viper instance reads
// a file and individual keys; here, one viper.New() instance per node
// avoids cross-node key collisions when multiple nodes run in one
// process, e.g. in tests).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is a single node's runtime configuration.
type Config struct {
	NodeID         string   `mapstructure:"nodeId" json:"nodeId"`
	Port           string   `mapstructure:"port" json:"port"`
	DataDir        string   `mapstructure:"dataDir" json:"dataDir"`
	BootstrapPeers []string `mapstructure:"bootstrapPeers" json:"bootstrapPeers"`
	Tags           []string `mapstructure:"tags" json:"tags"`

	IsGenesisNode bool   `mapstructure:"isGenesisNode" json:"isGenesisNode"`
	GenesisSupply uint64 `mapstructure:"genesisSupply" json:"genesisSupply"`

	PlatformAccountID string `mapstructure:"platformAccountId" json:"platformAccountId"`
	PublishFeeAmount  uint64 `mapstructure:"publishFeeAmount" json:"publishFeeAmount"`

	ConfirmationTarget    int `mapstructure:"confirmationTarget" json:"confirmationTarget"`
	ConfirmationTimeoutMs int `mapstructure:"confirmationTimeoutMs" json:"confirmationTimeoutMs"`

	MaxPeers      int `mapstructure:"maxPeers" json:"maxPeers"`
	SeenCacheSize int `mapstructure:"seenCacheSize" json:"seenCacheSize"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "7946")
	v.SetDefault("dataDir", defaultDataDir())
	v.SetDefault("bootstrapPeers", []string{})
	v.SetDefault("tags", []string{})
	v.SetDefault("isGenesisNode", false)
	v.SetDefault("genesisSupply", 1_000_000)
	v.SetDefault("confirmationTarget", 1)
	v.SetDefault("confirmationTimeoutMs", 10_000)
	v.SetDefault("maxPeers", 32)
	v.SetDefault("seenCacheSize", 4096)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".meshnode")
}

// DefaultPath mirrors config.rs's Config::default_path: a single dotfile
// in the user's home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".meshnode.json")
}

// Load reads a JSON config file at path (or DefaultPath if empty),
// returning a Config populated with defaults for any missing field. A
// missing file is not an error: it yields the default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to path (or DefaultPath if empty) as pretty JSON.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = DefaultPath()
	}
	v := viper.New()
	v.SetConfigType("json")
	v.Set("nodeId", cfg.NodeID)
	v.Set("port", cfg.Port)
	v.Set("dataDir", cfg.DataDir)
	v.Set("bootstrapPeers", cfg.BootstrapPeers)
	v.Set("tags", cfg.Tags)
	v.Set("isGenesisNode", cfg.IsGenesisNode)
	v.Set("genesisSupply", cfg.GenesisSupply)
	v.Set("platformAccountId", cfg.PlatformAccountID)
	v.Set("publishFeeAmount", cfg.PublishFeeAmount)
	v.Set("confirmationTarget", cfg.ConfirmationTarget)
	v.Set("confirmationTimeoutMs", cfg.ConfirmationTimeoutMs)
	v.Set("maxPeers", cfg.MaxPeers)
	v.Set("seenCacheSize", cfg.SeenCacheSize)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
