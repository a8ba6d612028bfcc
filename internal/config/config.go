// Package config loads daemon settings from flags, environment and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. CELERIX_HTTP_ADDR for http.addr.
const EnvPrefix = "CELERIX"

type Config struct {
	HTTPAddr     string
	TLS          bool
	DataDir      string
	DriverDir    string
	VaultKey     string
	NATSURL      string
	LogLevel     string
	LogDev       bool
	TraceEnabled bool
	SeedFile     string
}

// New returns a viper instance with defaults and environment binding in place.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("http.addr", ":7002")
	v.SetDefault("http.tls", false)
	v.SetDefault("data.dir", "./data/store")
	v.SetDefault("driver.dir", "./data/images")
	v.SetDefault("vault.key", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dev", false)
	v.SetDefault("trace.enabled", false)
	v.SetDefault("seed.file", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads cfgFile when given, else an optional celerix-machines.yaml from the
// working directory, and returns the resolved settings.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("celerix-machines")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		HTTPAddr:     v.GetString("http.addr"),
		TLS:          v.GetBool("http.tls"),
		DataDir:      v.GetString("data.dir"),
		DriverDir:    v.GetString("driver.dir"),
		VaultKey:     v.GetString("vault.key"),
		NATSURL:      v.GetString("nats.url"),
		LogLevel:     v.GetString("log.level"),
		LogDev:       v.GetBool("log.dev"),
		TraceEnabled: v.GetBool("trace.enabled"),
		SeedFile:     v.GetString("seed.file"),
	}
	if cfg.HTTPAddr == "" {
		return nil, errors.New("http.addr must not be empty")
	}
	return cfg, nil
}

// Logger builds the process logger: JSON in production, console in dev mode.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", c.LogLevel, err)
	}

	logConfig := zap.NewProductionConfig()
	if c.LogDev {
		logConfig = zap.NewDevelopmentConfig()
	}
	logConfig.Level = zap.NewAtomicLevelAt(level)
	return logConfig.Build()
}
