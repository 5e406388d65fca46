// Package config loads peerns' runtime configuration from an optional file
// and the environment, following the same viper-based load pattern used
// throughout the example pack for small daemons.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the daemon's runtime parameters.
type Config struct {
	DataDir    string `mapstructure:"data_dir"`
	LogLevel   string `mapstructure:"log_level"`
	ListenAddr   string `mapstructure:"listen_addr"`
	DirectoryURL string `mapstructure:"directory_url"`
	Namespace    string `mapstructure:"namespace"`

	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	RouterPingInterval  time.Duration `mapstructure:"router_ping_interval"`
	RouterEntryTTL      time.Duration `mapstructure:"router_entry_ttl"`
	SessionRetryDelay   time.Duration `mapstructure:"session_retry_delay"`
}

const (
	defaultDataDir             = "data"
	defaultLogLevel            = "info"
	defaultListenAddr          = "0.0.0.0:4433"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultRouterPingInterval  = 60 * time.Second
	defaultRouterEntryTTL      = 90 * time.Second
	defaultSessionRetryDelay   = 5 * time.Second
)

// envPrefix namespaces every environment override under PEERNS_, e.g.
// PEERNS_LOG_LEVEL, PEERNS_DATA_DIR, PEERNS_ROUTER_PING_INTERVAL.
const envPrefix = "PEERNS"

// Load reads configuration from path (if non-empty) layered with PEERNS_-
// prefixed environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("directory_url", "")
	v.SetDefault("namespace", "")
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("router_ping_interval", defaultRouterPingInterval.String())
	v.SetDefault("router_entry_ttl", defaultRouterEntryTTL.String())
	v.SetDefault("session_retry_delay", defaultSessionRetryDelay.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	for _, d := range []struct {
		key  string
		dest *time.Duration
		def  time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
		{"router_ping_interval", &cfg.RouterPingInterval, defaultRouterPingInterval},
		{"router_entry_ttl", &cfg.RouterEntryTTL, defaultRouterEntryTTL},
		{"session_retry_delay", &cfg.SessionRetryDelay, defaultSessionRetryDelay},
	} {
		if !v.IsSet(d.key) {
			*d.dest = d.def
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dest = dur
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}

	return cfg, nil
}
