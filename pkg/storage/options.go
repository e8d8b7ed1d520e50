package storage

import (
	"context"
	"log/slog"

	"gridstore/internal/cache"
	"gridstore/internal/metrics"
	"gridstore/pkg/backend"
)

// Config holds the storage engine configuration. Build it with Options.
type Config struct {
	URL         string
	DialOptions backend.Options

	// Link is an already connected backend.
	Link *backend.Link

	// PendingLink produces a link asynchronously.
	PendingLink func(ctx context.Context) (backend.Link, error)

	// CacheName enables connection caching when non-empty.
	CacheName string
	Cache     *cache.Registry

	Dialer   backend.Dialer
	Logger   *slog.Logger
	Metrics  metrics.Recorder
	Handlers map[EventKind][]EventHandler

	namer *resolver
}

type Option func(*Config)

// WithURL connects to the backend at rawURL. The URL scheme selects the
// driver.
func WithURL(rawURL string) Option {
	return func(cfg *Config) {
		cfg.URL = rawURL
	}
}

// WithOptions sets driver specific connect options.
func WithOptions(opts backend.Options) Option {
	return func(cfg *Config) {
		cfg.DialOptions = opts
	}
}

// WithLink uses an already connected backend. The engine starts out
// connected.
func WithLink(link backend.Link) Option {
	return func(cfg *Config) {
		cfg.Link = &link
	}
}

// WithPendingLink uses a backend that becomes available once fn returns.
func WithPendingLink(fn func(ctx context.Context) (backend.Link, error)) Option {
	return func(cfg *Config) {
		cfg.PendingLink = fn
	}
}

// WithCache shares connections between engines with identical URL and
// options. An empty name disables caching, any other name selects an
// independent cache; use cache.DefaultName for the shared default.
func WithCache(name string) Option {
	return func(cfg *Config) {
		cfg.CacheName = name
	}
}

// WithCacheRegistry replaces the process wide cache registry.
func WithCacheRegistry(r *cache.Registry) Option {
	return func(cfg *Config) {
		cfg.Cache = r
	}
}

// WithDialer replaces the scheme registry based dialer.
func WithDialer(d backend.Dialer) Option {
	return func(cfg *Config) {
		cfg.Dialer = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(cfg *Config) {
		cfg.Metrics = m
	}
}

// WithEventHandler subscribes fn before the connection attempt starts.
func WithEventHandler(kind EventKind, fn EventHandler) Option {
	return func(cfg *Config) {
		if cfg.Handlers == nil {
			cfg.Handlers = map[EventKind][]EventHandler{}
		}
		cfg.Handlers[kind] = append(cfg.Handlers[kind], fn)
	}
}

// WithNamer resolves file settings synchronously.
func WithNamer(fn NamerFunc) Option {
	return func(cfg *Config) {
		cfg.namer = &resolver{kind: namerDirect, direct: fn}
	}
}

// WithDeferredNamer resolves file settings asynchronously.
func WithDeferredNamer(fn DeferredNamerFunc) Option {
	return func(cfg *Config) {
		cfg.namer = &resolver{kind: namerDeferred, deferred: fn}
	}
}

// WithSequenceNamer resolves file settings from one long lived sequence that
// is advanced once per upload.
func WithSequenceNamer(fn SequenceNamerFunc) Option {
	return func(cfg *Config) {
		cfg.namer = &resolver{kind: namerSequence, sequence: fn}
	}
}
