package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the node runtime parameters.
type Config struct {
	ListenHost          string          `mapstructure:"listen_host"`
	AdminAddress        string          `mapstructure:"admin_address"`
	LogLevel            string          `mapstructure:"log_level"`
	LogFile             string          `mapstructure:"log_file"`
	DataDir             string          `mapstructure:"data_dir"`
	DisplayName         string          `mapstructure:"display_name"`
	PeersPath           string          `mapstructure:"peers_path"`
	PortMarkerPath      string          `mapstructure:"port_marker_path"`
	SharedSecretEnv     string          `mapstructure:"shared_secret_env"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	History             HistoryConfig   `mapstructure:"history"`
	Probe               ProbeConfig     `mapstructure:"probe"`
	Transport           TransportConfig `mapstructure:"transport"`
	Keystore            KeystoreConfig  `mapstructure:"keystore"`
}

// HistoryConfig controls the message/ping log and its retention.
type HistoryConfig struct {
	Path       string `mapstructure:"path"`
	PingCap    int    `mapstructure:"ping_cap"`
	RetainDays int    `mapstructure:"retain_days"`
}

// ProbeConfig drives the liveness monitor.
type ProbeConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Grace    time.Duration `mapstructure:"grace"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TransportConfig bounds the one-shot TCP exchanges.
type TransportConfig struct {
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	MaxFrameBytes int           `mapstructure:"max_frame_bytes"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
}

// KeystoreConfig describes how the shared-secret keystore is initialized.
// An empty passphrase (env unset) disables the keystore; the shared secret
// is then taken from SharedSecretEnv directly.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

const (
	defaultListenHost      = "0.0.0.0"
	defaultLogLevel        = "info"
	defaultDataDir         = "data"
	defaultShutdownGrace   = 10 * time.Second
	defaultPingCap         = 300
	defaultRetainDays      = 30
	defaultProbeInterval   = 5 * time.Second
	defaultProbeGrace      = 60 * time.Second
	defaultProbeTimeout    = 3 * time.Second
	defaultSendTimeout     = 4 * time.Second
	defaultReadTimeout     = 4 * time.Second
	defaultMaxFrameBytes   = 8192
	defaultMaxConcurrent   = 64
	defaultSharedSecretEnv = "LANCHAT_SHARED_SECRET"
	defaultPassphraseEnv   = "LANCHAT_KEYSTORE_PASSPHRASE"
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with LANCHAT_ and can
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LANCHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_host", defaultListenHost)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("shared_secret_env", defaultSharedSecretEnv)
	v.SetDefault("shutdown_grace_period", defaultShutdownGrace.String())
	v.SetDefault("history.ping_cap", defaultPingCap)
	v.SetDefault("history.retain_days", defaultRetainDays)
	v.SetDefault("probe.interval", defaultProbeInterval.String())
	v.SetDefault("probe.grace", defaultProbeGrace.String())
	v.SetDefault("probe.timeout", defaultProbeTimeout.String())
	v.SetDefault("transport.send_timeout", defaultSendTimeout.String())
	v.SetDefault("transport.read_timeout", defaultReadTimeout.String())
	v.SetDefault("transport.max_frame_bytes", defaultMaxFrameBytes)
	v.SetDefault("transport.max_concurrent", defaultMaxConcurrent)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)

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

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"shutdown_grace_period", defaultShutdownGrace, &cfg.ShutdownGracePeriod},
		{"probe.interval", defaultProbeInterval, &cfg.Probe.Interval},
		{"probe.grace", defaultProbeGrace, &cfg.Probe.Grace},
		{"probe.timeout", defaultProbeTimeout, &cfg.Probe.Timeout},
		{"transport.send_timeout", defaultSendTimeout, &cfg.Transport.SendTimeout},
		{"transport.read_timeout", defaultReadTimeout, &cfg.Transport.ReadTimeout},
	}
	for _, d := range durations {
		if !v.IsSet(d.key) {
			*d.dst = d.fallback
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenHost == "" {
		cfg.ListenHost = defaultListenHost
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.SharedSecretEnv == "" {
		cfg.SharedSecretEnv = defaultSharedSecretEnv
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(cfg.DataDir, "chat_history.json")
	}
	if cfg.History.PingCap <= 0 {
		cfg.History.PingCap = defaultPingCap
	}
	if cfg.History.RetainDays <= 0 {
		cfg.History.RetainDays = defaultRetainDays
	}
	if cfg.PeersPath == "" {
		cfg.PeersPath = filepath.Join(cfg.DataDir, "peers.json")
	}
	if cfg.PortMarkerPath == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "local"
		}
		cfg.PortMarkerPath = filepath.Join(cfg.DataDir, fmt.Sprintf("listen_port_%s.txt", host))
	}
	if cfg.Transport.MaxFrameBytes <= 0 {
		cfg.Transport.MaxFrameBytes = defaultMaxFrameBytes
	}
	if cfg.Transport.MaxConcurrent <= 0 {
		cfg.Transport.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = filepath.Join(cfg.DataDir, "keystore.json")
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
}

// SharedSecret fetches the plain-text shared secret from the configured
// environment variable. Empty means no secret configured.
func (c Config) SharedSecret() string {
	return strings.TrimSpace(getenv(c.SharedSecretEnv))
}

// Passphrase fetches the keystore passphrase from the configured
// environment variable. Empty means the keystore is disabled.
func (c Config) Passphrase() string {
	return strings.TrimSpace(getenv(c.Keystore.PassphraseEnv))
}

// split out for testing.
var getenv = os.Getenv
