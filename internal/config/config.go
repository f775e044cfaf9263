package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ehrlich-b/go-qcow"
)

const (
	// AppName is the application name used for config files and directories
	AppName = "qcowctl"

	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "QCOWCTL"
)

// Config holds the qcowctl configuration
type Config struct {
	// Logging
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// Passphrase for AES images
	Key string `mapstructure:"key"`

	// L2 table cache
	Cache struct {
		Size   int    `mapstructure:"size"`
		Policy string `mapstructure:"policy"` // frequency or lru
	} `mapstructure:"cache"`

	WritePolicy string `mapstructure:"write_policy"` // write-back or write-through

	// ConfigFile is the file the values were read from, if any
	ConfigFile string `mapstructure:"-"`
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "human")
	v.SetDefault("log_file", "")
	v.SetDefault("key", "")
	v.SetDefault("cache.size", qcow.DefaultL2CacheSize)
	v.SetDefault("cache.policy", qcow.PolicyFrequency.String())
	v.SetDefault("write_policy", qcow.WriteBack.String())
}

// Load reads cfgFile, or searches the standard locations when it is
// empty, and decodes the merged flags, environment and file values. A
// missing file in the standard locations is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		addSearchPaths(v)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	c.ConfigFile = v.ConfigFileUsed()
	return &c, nil
}

// addSearchPaths adds config search paths
func addSearchPaths(v *viper.Viper) {
	// Always check current directory first
	v.AddConfigPath(".")

	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, AppName))
	}
	v.AddConfigPath("/etc/" + AppName)
}

// ImageOptions translates the cache and write settings into open options.
func (c *Config) ImageOptions() ([]qcow.Option, error) {
	policy, err := qcow.ParseCachePolicy(c.Cache.Policy)
	if err != nil {
		return nil, err
	}
	writePolicy, err := qcow.ParseWritePolicy(c.WritePolicy)
	if err != nil {
		return nil, err
	}
	if c.Cache.Size < 0 {
		return nil, fmt.Errorf("cache.size must not be negative: %d", c.Cache.Size)
	}

	opts := []qcow.Option{
		qcow.WithL2CacheSize(c.Cache.Size),
		qcow.WithL2CachePolicy(policy),
		qcow.WithWritePolicy(writePolicy),
	}
	if c.Key != "" {
		opts = append(opts, qcow.WithKey([]byte(c.Key)))
	}
	return opts, nil
}
