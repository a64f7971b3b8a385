// Package config loads a node's on-disk configuration: profile root,
// endpoint listen address, membership/replication tuning, and the debug
// HTTP surface, mirroring the teacher's pkg/config.Load/LoadFromEnv and
// its yaml-tagged config struct (SPEC_FULL §0 "Configuration").
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/radicle-dev/radicle-link-sub006/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a node, mirroring the structure
// of the YAML profile files under <root>/profiles/<id>/config.yaml.
type Config struct {
	Profile struct {
		Root string `mapstructure:"root" yaml:"root"`
		ID   string `mapstructure:"id" yaml:"id"`
	} `mapstructure:"profile" yaml:"profile"`

	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" yaml:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" yaml:"bootstrap_peers"`
		SeedsFile      string   `mapstructure:"seeds_file" yaml:"seeds_file"`
	} `mapstructure:"network" yaml:"network"`

	Membership struct {
		ActiveSize      int `mapstructure:"active_size" yaml:"active_size"`
		PassiveSize     int `mapstructure:"passive_size" yaml:"passive_size"`
		ShuffleInterval int `mapstructure:"shuffle_interval_seconds" yaml:"shuffle_interval_seconds"`
		PromoteInterval int `mapstructure:"promote_interval_seconds" yaml:"promote_interval_seconds"`
	} `mapstructure:"membership" yaml:"membership"`

	Replication struct {
		MaxPackBytes      int64 `mapstructure:"max_pack_bytes" yaml:"max_pack_bytes"`
		Slots             int64 `mapstructure:"slots" yaml:"slots"`
		SlotWaitSeconds   int   `mapstructure:"slot_wait_seconds" yaml:"slot_wait_seconds"`
		RateLimitPerSec   int   `mapstructure:"rate_limit_per_second" yaml:"rate_limit_per_second"`
		RateLimitBurst    int   `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
	} `mapstructure:"replication" yaml:"replication"`

	Debug struct {
		Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
		ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	} `mapstructure:"debug" yaml:"debug"`

	Logging struct {
		Level string `mapstructure:"level" yaml:"level"`
	} `mapstructure:"logging" yaml:"logging"`

	IdleLingerSeconds int `mapstructure:"idle_linger_seconds" yaml:"idle_linger_seconds"`
}

// AppConfig holds the configuration loaded by Load or LoadFromEnv.
var AppConfig Config

// Load reads `<configPath>/default.yaml`, optionally overlaid by
// `<configPath>/<env>.yaml`, merges `.env` and `LINK_`-prefixed environment
// variables over it, and unmarshals the result into AppConfig.
func Load(configPath, env string) (*Config, error) {
	_ = godotenv.Load() // a missing .env is not an error; overrides are optional

	viper.SetConfigName("default")
	viper.AddConfigPath(configPath)
	viper.SetConfigType("yaml")
	setDefaults()
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: load default config: %w", err)
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: merge %s config: %w", env, err)
		}
	}

	viper.SetEnvPrefix("link")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("config: unmarshal config: %w", err)
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the LINK_CONFIG_PATH and LINK_ENV
// environment variables, defaulting to "./config" and the unqualified
// profile respectively.
func LoadFromEnv() (*Config, error) {
	path := utils.EnvOrDefault("LINK_CONFIG_PATH", "./config")
	env := utils.EnvOrDefault("LINK_ENV", "")
	return Load(path, env)
}

func setDefaults() {
	viper.SetDefault("membership.active_size", 5)
	viper.SetDefault("membership.passive_size", 30)
	viper.SetDefault("membership.shuffle_interval_seconds", 30)
	viper.SetDefault("membership.promote_interval_seconds", 30)
	viper.SetDefault("replication.max_pack_bytes", 64<<20)
	viper.SetDefault("replication.slots", 4)
	viper.SetDefault("replication.slot_wait_seconds", 30)
	viper.SetDefault("replication.rate_limit_per_second", 5)
	viper.SetDefault("replication.rate_limit_burst", 10)
	viper.SetDefault("debug.listen_addr", "127.0.0.1:8989")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("idle_linger_seconds", 0)
}
