package server

import (
	"context"
	"net/http"

	"gridstore/internal/auth"
	"gridstore/pkg/backend"
	"gridstore/pkg/storage"
)

// Engine is what the front end needs from the storage engine.
type Engine interface {
	storage.StorageEngine
	Stat(ctx context.Context, bucket string, id string) (*backend.StoredFile, error)
	Link() backend.Link
	Connected() bool
	Err() error
}

type Config struct {
	Engine        Engine
	Authenticator auth.AuthEngine
	Metrics       http.Handler

	// MaxUploadBytes limits the request body of an upload. Zero means no
	// limit.
	MaxUploadBytes int64
}

type ConfigOption func(*Config)

func WithStorageEngine(engine Engine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

// WithAuthEngine enables authentication for the file routes.
func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithMetricsHandler(h http.Handler) ConfigOption {
	return func(cfg *Config) {
		cfg.Metrics = h
	}
}

func WithMaxUploadBytes(n int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxUploadBytes = n
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
