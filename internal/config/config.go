// Package config loads the gridstore configuration from a config file,
// GRIDSTORE_* environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"gridstore/pkg/backend"
	"gridstore/pkg/storage"
)

const EnvPrefix = "GRIDSTORE"

type Auth struct {
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

// TLS enables the HTTPS listener when both files are set.
type TLS struct {
	Listen   string `mapstructure:"listen"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

func (t TLS) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type Config struct {
	URL            string         `mapstructure:"url"`
	Cache          string         `mapstructure:"cache"`
	Options        map[string]any `mapstructure:"options"`
	Listen         string         `mapstructure:"listen"`
	Bucket         string         `mapstructure:"bucket"`
	ChunkSize      int            `mapstructure:"chunk_size"`
	MaxUploadBytes int64          `mapstructure:"max_upload_bytes"`
	Auth           Auth           `mapstructure:"auth"`
	TLS            TLS            `mapstructure:"tls"`
	Log            Log            `mapstructure:"log"`
}

// New returns a viper instance with defaults and environment binding set
// up. Nested keys map to variables with underscores, so auth.access_key is
// read from GRIDSTORE_AUTH_ACCESS_KEY.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("url", "")
	v.SetDefault("cache", "")
	v.SetDefault("listen", ":9000")
	v.SetDefault("bucket", storage.DefaultBucketName)
	v.SetDefault("chunk_size", storage.DefaultChunkSize)
	v.SetDefault("max_upload_bytes", 0)
	v.SetDefault("auth.access_key", "")
	v.SetDefault("auth.secret_key", "")
	v.SetDefault("tls.listen", ":8443")
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// LoadDotEnv exports the variables of a .env style file into the process
// environment. A missing file is not an error; variables that are already
// set win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads the config file, if any, and decodes the result. With an empty
// path a gridstore.{yaml,toml,json} in the working directory is used when
// present.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gridstore")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings needed to run the engine.
func (c *Config) Validate() error {
	var errs []error

	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if c.Bucket == "" {
		errs = append(errs, errors.New("bucket must not be empty"))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if (c.Auth.AccessKey == "") != (c.Auth.SecretKey == "") {
		errs = append(errs, errors.New("auth.access_key and auth.secret_key must be set together"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}

	return errors.Join(errs...)
}

// StorageOptions translates the configuration into engine options.
func (c *Config) StorageOptions() []storage.Option {
	opts := []storage.Option{
		storage.WithURL(c.URL),
		storage.WithOptions(backend.Options(c.Options)),
	}
	if c.Cache != "" {
		opts = append(opts, storage.WithCache(c.Cache))
	}
	if c.Bucket != storage.DefaultBucketName || c.ChunkSize != storage.DefaultChunkSize {
		bucket, chunkSize := c.Bucket, c.ChunkSize
		opts = append(opts, storage.WithNamer(func(*http.Request, storage.FileInfo) (any, error) {
			return storage.FileSettings{BucketName: bucket, ChunkSize: chunkSize}, nil
		}))
	}
	return opts
}

// AuthEnabled reports whether credentials are configured.
func (c *Config) AuthEnabled() bool {
	return c.Auth.AccessKey != ""
}

// String masks secrets so the config can be logged.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "url=%s", redact(c.URL))
	fmt.Fprintf(&sb, " cache=%q listen=%s bucket=%s chunk_size=%d", c.Cache, c.Listen, c.Bucket, c.ChunkSize)
	if c.Auth.AccessKey != "" {
		fmt.Fprintf(&sb, " auth.access_key=%s auth.secret_key=********", c.Auth.AccessKey)
	}
	fmt.Fprintf(&sb, " log.level=%s", c.Log.Level)
	return sb.String()
}
