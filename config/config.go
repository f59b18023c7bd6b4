// Package config loads ppcache settings from ppcache.yaml and PPCACHE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type API struct {
	BaseURL           string `mapstructure:"base_url"`
	ClientID          string `mapstructure:"client_id"`
	ClientSecret      string `mapstructure:"client_secret"`
	DownloadMissing   bool   `mapstructure:"download_missing"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

type Config struct {
	StorePath    string        `mapstructure:"store_path"`
	SongsDir     string        `mapstructure:"songs_dir"`
	LogLevel     string        `mapstructure:"log_level"`
	Workers      int           `mapstructure:"workers"`
	PauseBackoff time.Duration `mapstructure:"pause_backoff"`
	API          API           `mapstructure:"api"`
}

func Default() *Config {
	return &Config{
		StorePath:    filepath.Join(dataDir(), "scores.db"),
		SongsDir:     "Songs",
		LogLevel:     "info",
		Workers:      4,
		PauseBackoff: 50 * time.Millisecond,
		API: API{
			BaseURL:           "https://osu.ppy.sh",
			RequestsPerMinute: 60,
		},
	}
}

func dataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ppcache")
	}
	return "."
}

// Load reads path, or ppcache.yaml from the usual places when path is
// empty. A missing config file is not an error.
func Load(path string) (*Config, error) {
	def := Default()
	v := viper.New()
	v.SetDefault("store_path", def.StorePath)
	v.SetDefault("songs_dir", def.SongsDir)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("workers", def.Workers)
	v.SetDefault("pause_backoff", def.PauseBackoff)
	v.SetDefault("api.base_url", def.API.BaseURL)
	v.SetDefault("api.client_id", "")
	v.SetDefault("api.client_secret", "")
	v.SetDefault("api.download_missing", false)
	v.SetDefault("api.requests_per_minute", def.API.RequestsPerMinute)

	v.SetEnvPrefix("PPCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ppcache")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(dataDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logrus.Debug("no config file, using defaults")
	} else {
		logrus.WithField("file", v.ConfigFileUsed()).Debug("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.StorePath == "" {
		return errors.New("config: store_path is empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
