// Package cache deduplicates backend connections. Storage engines that share a
// cache index share one link, and at most one dial per index is ever in
// flight.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"gridstore/pkg/backend"
)

// DefaultName is the cache name used when caching is enabled without an
// explicit name.
const DefaultName = "default"

// Status is the lifecycle state of a cache entry.
type Status int

const (
	StatusPending Status = iota
	StatusOpening
	StatusResolved
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOpening:
		return "opening"
	case StatusResolved:
		return "resolved"
	case StatusRejected:
		return "rejected"
	}
	return "unknown"
}

// Index identifies a cache slot. Name separates independent caches, Signature
// is derived from the connection URL and options.
type Index struct {
	Name      string
	Signature string
}

type entry struct {
	status Status
	done   chan struct{}
	link   backend.Link
	err    error
}

// Registry holds the cache entries. The zero value is not usable; use New.
type Registry struct {
	mu      sync.Mutex
	entries map[Index]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: map[Index]*entry{}}
}

// Default returns the process wide registry.
var Default = sync.OnceValue(New)

// Signature builds the cache signature for a URL and its connect options.
// Options are encoded as JSON, which sorts map keys, so equal option sets
// produce equal signatures.
func Signature(rawURL string, opts backend.Options) (string, error) {
	if len(opts) == 0 {
		return rawURL, nil
	}

	encoded, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	return rawURL + " " + string(encoded), nil
}

// Initialize registers the slot for the given connection parameters, or
// reuses the existing one.
func (r *Registry) Initialize(rawURL string, opts backend.Options, name string) (Index, error) {
	if name == "" {
		name = DefaultName
	}

	sig, err := Signature(rawURL, opts)
	if err != nil {
		return Index{}, err
	}

	idx := Index{Name: name, Signature: sig}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[idx]; !ok {
		r.entries[idx] = &entry{
			status: StatusPending,
			done:   make(chan struct{}),
		}
	}

	return idx, nil
}

func (r *Registry) lookup(idx Index) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[idx]
}

// Status returns the status of the slot and whether it exists.
func (r *Registry) Status(idx Index) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[idx]
	if !ok {
		return StatusPending, false
	}
	return e.status, true
}

// IsPending reports whether the slot exists and has not settled yet.
func (r *Registry) IsPending(idx Index) bool {
	s, ok := r.Status(idx)
	return ok && (s == StatusPending || s == StatusOpening)
}

// IsOpening reports whether a dial for the slot is in flight.
func (r *Registry) IsOpening(idx Index) bool {
	s, ok := r.Status(idx)
	return ok && s == StatusOpening
}

// Claim moves a pending slot to opening. Exactly one caller per slot gets
// true and is then responsible for calling Resolve or Reject.
func (r *Registry) Claim(idx Index) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[idx]
	if !ok || e.status != StatusPending {
		return false
	}
	e.status = StatusOpening
	return true
}

// Resolve settles the slot with a link. It returns false if the slot was
// already settled or does not exist.
func (r *Registry) Resolve(idx Index, link backend.Link) bool {
	return r.settle(idx, StatusResolved, link, nil)
}

// Reject settles the slot with an error. It returns false if the slot was
// already settled or does not exist.
func (r *Registry) Reject(idx Index, err error) bool {
	if err == nil {
		err = errors.New("connection rejected")
	}
	return r.settle(idx, StatusRejected, backend.Link{}, err)
}

func (r *Registry) settle(idx Index, status Status, link backend.Link, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[idx]
	if !ok || e.status == StatusResolved || e.status == StatusRejected {
		return false
	}

	e.status = status
	e.link = link
	e.err = err
	close(e.done)
	return true
}

// WaitFor blocks until the slot settles and returns its outcome. Every caller
// observes the same link or the same error.
func (r *Registry) WaitFor(ctx context.Context, idx Index) (backend.Link, error) {
	e := r.lookup(idx)
	if e == nil {
		return backend.Link{}, errors.New("cache slot is not initialized")
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return backend.Link{}, ctx.Err()
	}

	// Fields are immutable once done is closed.
	if e.err != nil {
		return backend.Link{}, e.err
	}
	return e.link, nil
}

// Len returns the number of slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes the client of every resolved slot and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[Index]*entry{}
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		select {
		case <-e.done:
		default:
			continue
		}
		if e.err == nil && e.link.Client != nil {
			errs = append(errs, e.link.Client.Close())
		}
	}
	return errors.Join(errs...)
}
