// Package config loads client settings from defaults, an optional config
// file, .env and AUDIOSYNC_* environment variables, in that order of
// precedence (later wins). Flags bound to the viper instance win over all.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "AUDIOSYNC"
	FileName  = "audiosync"
)

type Playback struct {
	ApplyWindow    time.Duration `mapstructure:"apply_window"`
	LogWindow      time.Duration `mapstructure:"log_window"`
	FallbackWindow time.Duration `mapstructure:"fallback_window"`
}

type Config struct {
	DataDir          string        `mapstructure:"data_dir"`
	Server           string        `mapstructure:"server"`
	Token            string        `mapstructure:"token"`
	LogFile          string        `mapstructure:"log_file"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	SyncTimeout      time.Duration `mapstructure:"sync_timeout"`
	BackgroundBudget time.Duration `mapstructure:"background_budget"`
	Playback         Playback      `mapstructure:"playback"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

func (c *Config) DBPath() string      { return filepath.Join(c.DataDir, "audiosync.db") }
func (c *Config) DownloadDir() string { return filepath.Join(c.DataDir, "downloads") }

// DefaultDir is $XDG_CONFIG_HOME/audiosync, falling back to ~/.config.
func DefaultDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, FileName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", FileName)
	}
	return "."
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, FileName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", FileName)
	}
	return "data"
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("server", "")
	v.SetDefault("token", "")
	v.SetDefault("log_file", "")
	v.SetDefault("sync_interval", 15*time.Minute)
	v.SetDefault("sync_timeout", 2*time.Minute)
	v.SetDefault("background_budget", 30*time.Second)
	v.SetDefault("playback.apply_window", 750*time.Millisecond)
	v.SetDefault("playback.log_window", 5*time.Second)
	v.SetDefault("playback.fallback_window", 40*time.Millisecond)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile, or searches the default locations when it is empty.
// A missing config file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	// .env is optional, and never overrides the real environment.
	_ = godotenv.Load()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDir())
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(configFile != "" && os.IsNotExist(err)) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir must not be empty")
	}
	return &cfg, nil
}

// SaveCredentials writes server and token into the config file, creating it
// in the default directory when none was loaded.
func SaveCredentials(v *viper.Viper, server, token string) (string, error) {
	v.Set("server", server)
	v.Set("token", token)

	path := v.ConfigFileUsed()
	if path == "" {
		dir := DefaultDir()
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("failed to create config dir: %w", err)
		}
		path = filepath.Join(dir, FileName+".yaml")
	}
	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return path, fmt.Errorf("failed to restrict config permissions: %w", err)
	}
	return path, nil
}
