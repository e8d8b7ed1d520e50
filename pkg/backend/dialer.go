package backend

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
)

// Dialer connects to a backend.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, opts Options) (Link, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, rawURL string, opts Options) (Link, error)

func (f DialerFunc) Dial(ctx context.Context, rawURL string, opts Options) (Link, error) {
	return f(ctx, rawURL, opts)
}

var (
	driversMu sync.RWMutex
	drivers   = map[string]Dialer{}
)

// Register makes a dialer available for the given URL scheme. It panics if
// the scheme is registered twice or the dialer is nil.
func Register(scheme string, d Dialer) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if d == nil {
		panic("backend: Register dialer is nil")
	}
	if _, dup := drivers[scheme]; dup {
		panic("backend: Register called twice for scheme " + scheme)
	}
	drivers[scheme] = d
}

// Schemes returns the sorted list of registered URL schemes.
func Schemes() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	schemes := make([]string, 0, len(drivers))
	for scheme := range drivers {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// Dial connects using the dialer registered for the URL's scheme.
func Dial(ctx context.Context, rawURL string, opts Options) (Link, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Link{}, fmt.Errorf("parse backend url: %w", err)
	}

	driversMu.RLock()
	d, ok := drivers[u.Scheme]
	driversMu.RUnlock()

	if !ok {
		return Link{}, fmt.Errorf("unknown backend scheme %q (forgotten import?)", u.Scheme)
	}

	return d.Dial(ctx, rawURL, opts)
}

// DefaultDialer dials through the scheme registry.
var DefaultDialer Dialer = DialerFunc(Dial)
