// Package storage implements a storage engine that streams uploads into a
// chunked blob store. Connections are established in the background and can
// be shared between engines through a connection cache.
package storage

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"

	"gridstore/internal/cache"
	"gridstore/internal/metrics"
	"gridstore/pkg/backend"
)

// State is the connection state of an engine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// GridStorage stores uploads in a GridFS-style blob store.
type GridStorage struct {
	cfg    Config
	logger *slog.Logger
	events *emitter
	namer  *resolver

	// settled is closed once state leaves StateConnecting.
	settled chan struct{}

	mu         sync.Mutex
	state      State
	link       backend.Link
	err        error
	cacheIndex *cache.Index
	closed     bool
	stopNotify chan struct{}
	// unsubscribe ends the notification subscription on the link.
	unsubscribe func()
}

// New creates an engine and starts connecting. It fails only when the
// configuration names no backend at all; connection errors are reported
// through Ready and the connectionFailed event.
func New(ctx context.Context, opts ...Option) (*GridStorage, error) {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.URL == "" && cfg.Link == nil && cfg.PendingLink == nil {
		return nil, ErrMissingConnection
	}

	if cfg.Dialer == nil {
		cfg.Dialer = backend.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard
	}
	if cfg.CacheName != "" && cfg.Cache == nil {
		cfg.Cache = cache.Default()
	}

	g := &GridStorage{
		cfg:        cfg,
		logger:     cfg.Logger,
		events:     newEmitter(),
		namer:      cfg.namer,
		settled:    make(chan struct{}),
		stopNotify: make(chan struct{}),
	}

	for kind, handlers := range cfg.Handlers {
		for _, fn := range handlers {
			g.events.on(kind, fn)
		}
	}

	if cfg.Link != nil {
		g.state = StateConnecting
		g.settle(*cfg.Link, nil)
		return g, nil
	}

	g.state = StateConnecting
	go g.connect(context.WithoutCancel(ctx))

	return g, nil
}

// connect obtains a link according to the configuration and settles the
// engine with it.
func (g *GridStorage) connect(ctx context.Context) {
	var (
		link backend.Link
		err  error
	)

	switch {
	case g.cfg.PendingLink != nil:
		link, err = g.cfg.PendingLink(ctx)
	case g.cfg.CacheName == "":
		link, err = g.dial(ctx)
	default:
		link, err = g.cachedDial(ctx)
	}

	g.settle(link, err)
}

func (g *GridStorage) dial(ctx context.Context) (backend.Link, error) {
	g.logger.Debug("Connecting to backend", "url", redactURL(g.cfg.URL))

	link, err := g.cfg.Dialer.Dial(ctx, g.cfg.URL, g.cfg.DialOptions)
	if err != nil {
		g.cfg.Metrics.ConnectAttempt(metrics.OutcomeError)
		return backend.Link{}, err
	}

	g.cfg.Metrics.ConnectAttempt(metrics.OutcomeSuccess)
	return link, nil
}

// cachedDial becomes the opener of the cache slot if nobody else is, and
// otherwise waits for the opener's outcome.
func (g *GridStorage) cachedDial(ctx context.Context) (backend.Link, error) {
	reg := g.cfg.Cache

	idx, err := reg.Initialize(g.cfg.URL, g.cfg.DialOptions, g.cfg.CacheName)
	if err != nil {
		return backend.Link{}, err
	}

	g.mu.Lock()
	g.cacheIndex = &idx
	g.mu.Unlock()

	if reg.Claim(idx) {
		link, err := g.dial(ctx)
		if err != nil {
			reg.Reject(idx, err)
		} else {
			reg.Resolve(idx, link)
		}
	} else {
		g.cfg.Metrics.ConnectAttempt(metrics.OutcomeCached)
		g.logger.Debug("Waiting for cached connection", "cache", idx.Name)
	}

	return reg.WaitFor(ctx, idx)
}

func (g *GridStorage) settle(link backend.Link, err error) {
	g.mu.Lock()
	if err != nil {
		g.state = StateFailed
		g.link = backend.Link{}
		g.err = err
	} else {
		g.state = StateConnected
		g.link = link
		g.err = nil
	}
	close(g.settled)
	closed := g.closed
	g.mu.Unlock()

	if err == nil && closed && g.ownsLink() && link.Client != nil {
		// Close raced the connection attempt.
		_ = link.Client.Close()
	}

	if err != nil {
		g.logger.Error("Backend connection failed", "err", err)
		g.events.emit(Event{Kind: EventConnectionFailed, Err: err})
		return
	}

	if link.DB != nil && !closed {
		// Every engine holds its own subscription, so engines sharing a
		// cached link each see every notification.
		ch, unsubscribe := link.DB.Subscribe()
		g.mu.Lock()
		closed = g.closed
		if !closed {
			g.unsubscribe = unsubscribe
		}
		g.mu.Unlock()

		if closed {
			unsubscribe()
		} else {
			go g.forwardNotifications(ch)
		}
	}
	g.events.emit(Event{Kind: EventConnection, Link: link})
}

// forwardNotifications turns transport notifications into dbError events.
// The connection state is left alone; Connected re-derives it from the
// client.
func (g *GridStorage) forwardNotifications(ch <-chan backend.Notification) {
	if ch == nil {
		return
	}
	for {
		select {
		case <-g.stopNotify:
			return
		default:
		}

		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			g.cfg.Metrics.TransportNotification(string(n.Kind))
			g.logger.Warn("Backend notification", "kind", n.Kind, "err", n.Err, "connected", g.Connected())
			g.events.emit(Event{Kind: EventDBError, Err: &TransportError{Kind: n.Kind, Err: n.Err}})
		case <-g.stopNotify:
			return
		}
	}
}

// Ready blocks until the engine is connected or failed. A failed engine
// returns its error on every call.
func (g *GridStorage) Ready(ctx context.Context) (backend.Link, error) {
	select {
	case <-g.settled:
	case <-ctx.Done():
		return backend.Link{}, ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return backend.Link{}, g.err
	}
	return g.link, nil
}

// State returns the lifecycle state.
func (g *GridStorage) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Connected reports whether the engine is connected and the backend still
// considers its link up.
func (g *GridStorage) Connected() bool {
	g.mu.Lock()
	state, client := g.state, g.link.Client
	g.mu.Unlock()

	if state != StateConnected {
		return false
	}
	return client == nil || client.IsConnected()
}

// Connecting reports whether the connection attempt is still in flight.
func (g *GridStorage) Connecting() bool {
	return g.State() == StateConnecting
}

// Err returns the connection error of a failed engine.
func (g *GridStorage) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Link returns the current link; it is zero until connected.
func (g *GridStorage) Link() backend.Link {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.link
}

// CacheIndex returns the connection cache slot used by the engine.
func (g *GridStorage) CacheIndex() (cache.Index, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cacheIndex == nil {
		return cache.Index{}, false
	}
	return *g.cacheIndex, true
}

// On subscribes fn to events of the given kind and returns a function that
// removes the subscription. Connection outcomes that already happened are
// delivered to fn immediately.
func (g *GridStorage) On(kind EventKind, fn EventHandler) func() {
	return g.events.on(kind, fn)
}

// Close stops event forwarding and the sequence namer. The backend client is
// closed only when the engine dialed it itself: injected links belong to the
// caller and cached ones to the cache registry.
func (g *GridStorage) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.stopNotify)
	link := g.link
	unsubscribe := g.unsubscribe
	g.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	g.namer.close()

	if g.ownsLink() && link.Client != nil {
		if err := link.Client.Close(); err != nil && !errors.Is(err, backend.ErrClosed) {
			return err
		}
	}
	return nil
}

// ownsLink reports whether the engine dialed its link itself.
func (g *GridStorage) ownsLink() bool {
	return g.cfg.CacheName == "" && g.cfg.Link == nil && g.cfg.PendingLink == nil
}

// redactURL hides credentials in URLs before they are logged.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

func (g *GridStorage) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
