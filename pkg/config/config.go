// Package config loads the client's bootstrap configuration: where persistent
// state and the directory cache live, and the knobs for circuit building and
// hidden-service connections. Settings come from a YAML config file with
// sensible defaults for everything.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/viper"
)

const baseDirName = ".onionpath"

// Config holds the effective client configuration.
type Config struct {
	// StateDir holds long-lived client state.
	StateDir string
	// CacheDir holds the directory cache; safe to delete between runs.
	CacheDir string

	// ConnectTimeout bounds each relay TCP connection attempt.
	ConnectTimeout time.Duration
	// ReadTimeout bounds each read while draining a hidden-service response.
	ReadTimeout time.Duration
	// MaxResponseBytes truncates hidden-service responses larger than this.
	MaxResponseBytes int64

	// PreferIPv6 makes path selection favor relays reachable over IPv6.
	PreferIPv6 bool
}

// DefaultBaseDir returns the per-user base directory for state and cache.
func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.WithError(err).Warn("cannot resolve home directory, using cwd")
		return baseDirName
	}
	return filepath.Join(home, baseDirName)
}

func setDefaults(v *viper.Viper) {
	base := DefaultBaseDir()
	v.SetDefault("state_dir", filepath.Join(base, "state"))
	v.SetDefault("cache_dir", filepath.Join(base, "cache"))
	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("read_timeout", 20*time.Second)
	v.SetDefault("max_response_bytes", int64(10<<20))
	v.SetDefault("prefer_ipv6", false)
}

// Load reads the configuration from cfgFile, or from config.yaml in the
// default base directory when cfgFile is empty. A missing config file is not
// an error; defaults apply.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(DefaultBaseDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			log.Debug("no config file found, using defaults")
		} else {
			return nil, oops.Wrapf(err, "read config")
		}
	} else {
		log.WithField("path", v.ConfigFileUsed()).Debug("config file loaded")
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		StateDir:         v.GetString("state_dir"),
		CacheDir:         v.GetString("cache_dir"),
		ConnectTimeout:   v.GetDuration("connect_timeout"),
		ReadTimeout:      v.GetDuration("read_timeout"),
		MaxResponseBytes: v.GetInt64("max_response_bytes"),
		PreferIPv6:       v.GetBool("prefer_ipv6"),
	}
}

// Default returns the configuration with every setting at its default.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

// EnsureDirs creates the state and cache directories if needed.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.StateDir, c.CacheDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return oops.Wrapf(err, "create %s", dir)
		}
	}
	return nil
}
