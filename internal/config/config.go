package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/castv2/internal/logging"
	"github.com/danmuck/castv2/internal/protocol/frame"
)

// DefaultPort is the cast receiver TLS port.
const DefaultPort = 8009

type Config struct {
	Client ClientConfig
	Server ServerConfig
	Frame  frame.Limits
	Log    logging.Config
}

type ClientConfig struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	RetryMin       time.Duration
	RetryMax       time.Duration
	RetryAttempts  int
}

type ServerConfig struct {
	Host             string
	Port             int
	CertFile         string
	KeyFile          string
	HandshakeTimeout time.Duration
	MetricsAddr      string
}

type fileConfig struct {
	Client struct {
		Host           string `toml:"host"`
		Port           int    `toml:"port"`
		ConnectTimeout string `toml:"connect_timeout"`
		RetryMin       string `toml:"retry_min"`
		RetryMax       string `toml:"retry_max"`
		RetryAttempts  int    `toml:"retry_attempts"`
	} `toml:"client"`
	Server struct {
		Host             string `toml:"host"`
		Port             int    `toml:"port"`
		CertFile         string `toml:"cert_file"`
		KeyFile          string `toml:"key_file"`
		HandshakeTimeout string `toml:"handshake_timeout"`
		MetricsAddr      string `toml:"metrics_addr"`
	} `toml:"server"`
	Frame struct {
		MaxBodyBytes int64 `toml:"max_body_bytes"`
	} `toml:"frame"`
	Log struct {
		Level     string `toml:"level"`
		Timestamp bool   `toml:"timestamp"`
		NoColor   bool   `toml:"no_color"`
	} `toml:"log"`
}

func Default() Config {
	return Config{
		Client: ClientConfig{
			Port:           DefaultPort,
			ConnectTimeout: 10 * time.Second,
			RetryMin:       250 * time.Millisecond,
			RetryMax:       5 * time.Second,
			RetryAttempts:  5,
		},
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             DefaultPort,
			HandshakeTimeout: 10 * time.Second,
		},
		Frame: frame.DefaultLimits(),
		Log:   logging.DefaultConfig(logging.ProfileRuntime),
	}
}

// Load reads a TOML file. Keys absent from the file keep their Default value.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config unknown key (%s): %s", path, undecoded[0].String())
	}

	if meta.IsDefined("client", "host") {
		cfg.Client.Host = strings.TrimSpace(raw.Client.Host)
	}
	if meta.IsDefined("client", "port") {
		cfg.Client.Port = raw.Client.Port
	}
	if err := setDuration(meta, &cfg.Client.ConnectTimeout, raw.Client.ConnectTimeout, "client", "connect_timeout"); err != nil {
		return Config{}, err
	}
	if err := setDuration(meta, &cfg.Client.RetryMin, raw.Client.RetryMin, "client", "retry_min"); err != nil {
		return Config{}, err
	}
	if err := setDuration(meta, &cfg.Client.RetryMax, raw.Client.RetryMax, "client", "retry_max"); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("client", "retry_attempts") {
		cfg.Client.RetryAttempts = raw.Client.RetryAttempts
	}

	if meta.IsDefined("server", "host") {
		cfg.Server.Host = strings.TrimSpace(raw.Server.Host)
	}
	if meta.IsDefined("server", "port") {
		cfg.Server.Port = raw.Server.Port
	}
	if meta.IsDefined("server", "cert_file") {
		cfg.Server.CertFile = strings.TrimSpace(raw.Server.CertFile)
	}
	if meta.IsDefined("server", "key_file") {
		cfg.Server.KeyFile = strings.TrimSpace(raw.Server.KeyFile)
	}
	if err := setDuration(meta, &cfg.Server.HandshakeTimeout, raw.Server.HandshakeTimeout, "server", "handshake_timeout"); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("server", "metrics_addr") {
		cfg.Server.MetricsAddr = strings.TrimSpace(raw.Server.MetricsAddr)
	}

	if meta.IsDefined("frame", "max_body_bytes") {
		if raw.Frame.MaxBodyBytes < 0 || raw.Frame.MaxBodyBytes > int64(^uint32(0)) {
			return Config{}, fmt.Errorf("config frame.max_body_bytes out of range: %d", raw.Frame.MaxBodyBytes)
		}
		cfg.Frame.MaxBodyBytes = uint32(raw.Frame.MaxBodyBytes)
	}

	if meta.IsDefined("log", "level") {
		level, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return Config{}, fmt.Errorf("config log.level unknown: %q", raw.Log.Level)
		}
		cfg.Log.Level = level
	}
	if meta.IsDefined("log", "timestamp") {
		cfg.Log.Timestamp = raw.Log.Timestamp
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDuration(meta toml.MetaData, dst *time.Duration, raw string, key ...string) error {
	if !meta.IsDefined(key...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("config parse %s: %w", strings.Join(key, "."), err)
	}
	*dst = d
	return nil
}

func Validate(cfg Config) error {
	if err := validatePort("client", cfg.Client.Port); err != nil {
		return err
	}
	if err := validatePort("server", cfg.Server.Port); err != nil {
		return err
	}
	if cfg.Client.ConnectTimeout < 0 {
		return fmt.Errorf("client connect_timeout must not be negative")
	}
	if cfg.Client.RetryMin < 0 || cfg.Client.RetryMax < 0 {
		return fmt.Errorf("client retry bounds must not be negative")
	}
	if cfg.Client.RetryMax > 0 && cfg.Client.RetryMin > cfg.Client.RetryMax {
		return fmt.Errorf("client retry_min %s exceeds retry_max %s", cfg.Client.RetryMin, cfg.Client.RetryMax)
	}
	if cfg.Client.RetryAttempts < 0 {
		return fmt.Errorf("client retry_attempts must not be negative")
	}
	if cfg.Server.HandshakeTimeout < 0 {
		return fmt.Errorf("server handshake_timeout must not be negative")
	}
	if (cfg.Server.CertFile == "") != (cfg.Server.KeyFile == "") {
		return fmt.Errorf("server cert_file and key_file must be set together")
	}
	return nil
}

func validatePort(section string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s port out of range: %d", section, port)
	}
	return nil
}
