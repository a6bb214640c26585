// Package config provides a reusable loader for the node's configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/edgemesh/node/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a node process. Each top-level
// field corresponds to one long-running component and is passed to that
// component's constructor rather than read globally.
type Config struct {
	Network struct {
		NodeSeedHex    string   `mapstructure:"node_seed_hex" json:"node_seed_hex"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		EpochLengthMS    int64 `mapstructure:"epoch_length_ms" json:"epoch_length_ms"`
		PortionChangeMS  int64 `mapstructure:"portion_change_ms" json:"portion_change_ms"`
		MinimumNodeStake int64 `mapstructure:"minimum_node_stake" json:"minimum_node_stake"`
		LockTimeDays     int   `mapstructure:"lock_time_days" json:"lock_time_days"`
		MaxBoost         int   `mapstructure:"max_boost" json:"max_boost"`
		CommitteeSize    int   `mapstructure:"committee_size" json:"committee_size"`
	} `mapstructure:"consensus" json:"consensus"`

	Blockstore struct {
		RootDir      string `mapstructure:"root_dir" json:"root_dir"`
		MaxDiskBytes int64  `mapstructure:"max_disk_bytes" json:"max_disk_bytes"`
		CacheSize    int    `mapstructure:"cache_size" json:"cache_size"`
	} `mapstructure:"blockstore" json:"blockstore"`

	Resolver struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"resolver" json:"resolver"`

	Handshake struct {
		HTTPAddr              string `mapstructure:"http_addr" json:"http_addr"`
		WebRTCAddr            string `mapstructure:"webrtc_addr" json:"webrtc_addr"`
		WebTransportAddr      string `mapstructure:"webtransport_addr" json:"webtransport_addr"`
		TCPAddr               string `mapstructure:"tcp_addr" json:"tcp_addr"`
		AccessTokenTTLMinutes int    `mapstructure:"access_token_ttl_minutes" json:"access_token_ttl_minutes"`
	} `mapstructure:"handshake" json:"handshake"`

	Service struct {
		SocketDir string `mapstructure:"socket_dir" json:"socket_dir"`
		Services  []struct {
			ID      string   `mapstructure:"id" json:"id"`
			Command string   `mapstructure:"command" json:"command"`
			Args    []string `mapstructure:"args" json:"args"`
		} `mapstructure:"services" json:"services"`
	} `mapstructure:"service" json:"service"`

	Reputation struct {
		IntervalSeconds int `mapstructure:"interval_seconds" json:"interval_seconds"`
	} `mapstructure:"reputation" json:"reputation"`

	Sync struct {
		IntervalSeconds int `mapstructure:"interval_seconds" json:"interval_seconds"`
	} `mapstructure:"sync" json:"sync"`

	Admin struct {
		Addr string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"admin" json:"admin"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the NODE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("NODE_ENV", ""))
}
