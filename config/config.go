package config

import (
	"encoding/hex"
	"fmt"

	"github.com/BurntSushi/toml"
)

type DBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

type LoggerOptions struct {
	Level               []string `toml:"level"`
	LogBackTraceEnabled bool     `toml:"log_backtrace_enabled"`
}

// NetworkConfig selects the chain the node follows and, per spec.md §6,
// carries the raw genesis block bytes for that selection.
type NetworkConfig struct {
	Chain       string   `toml:"chain"`        // "mainnet", "testnet3", "regtest", "signet"
	GenesisHex  string   `toml:"genesis"`      // hex-encoded genesis block, spec.md §6 "network.genesis"
	Seeds       []string `toml:"seeds"`        // extra peer addresses, beyond DNS seeds
	MaxOutbound int      `toml:"max_outbound"` // outbound peer cap
}

// Genesis decodes the configured genesis bytes, or nil if the default
// chain genesis (baked into chaincfg.Params) should be used instead.
func (n NetworkConfig) Genesis() ([]byte, error) {
	if n.GenesisHex == "" {
		return nil, nil
	}
	return hex.DecodeString(n.GenesisHex)
}

// FeatureConfig gates optional behavior. LiveAccounting turns on the
// per-address mempool index and its txNotify:<addr>/txCancel:<addr> events
// (spec.md §6 "feature.live_accounting").
type FeatureConfig struct {
	LiveAccounting bool `toml:"live_accounting"`
}

// MetricsConfig controls the prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type Config struct {
	DB      DBConfig      `toml:"db"`
	Logger  LoggerOptions `toml:"logger"`
	Network NetworkConfig `toml:"network"`
	Feature FeatureConfig `toml:"feature"`
	Metrics MetricsConfig `toml:"metrics"`
}

func LoadConfig(path string) (*Config, error) {

	var config Config
	metaData, err := toml.DecodeFile(path, &config)
	if err != nil {
		return nil, err
	}

	if len(metaData.Undecoded()) > 0 {
		return nil, (fmt.Errorf("undecoded fields: %v", metaData.Undecoded()))
	}

	return &config, nil
}
