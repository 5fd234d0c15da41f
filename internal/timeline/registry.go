package timeline

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// initEntry is one named init track. ready is closed once data is set.
type initEntry struct {
	Name       string
	ReceivedAt time.Time
	data       []byte
	ready      chan struct{}
}

// Registry holds the sample entries of init tracks. Segments may reference
// an init track before its data has arrived; Wait blocks until it does.
type Registry struct {
	log   *slog.Logger
	mu    sync.Mutex
	inits map[string]*initEntry
}

// NewRegistry creates an empty registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:   log.With("component", "init-registry"),
		inits: make(map[string]*initEntry),
	}
}

func (r *Registry) entry(name string) *initEntry {
	e, ok := r.inits[name]
	if !ok {
		e = &initEntry{Name: name, ready: make(chan struct{})}
		r.inits[name] = e
	}
	return e
}

// Set registers the sample entry for name. Returns false if name was
// already set; the first data wins.
func (r *Registry) Set(name string, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(name)
	if !e.ReceivedAt.IsZero() {
		r.log.Warn("init track already registered, ignoring duplicate", "name", name)
		return false
	}
	e.data = data
	e.ReceivedAt = time.Now()
	close(e.ready)
	r.log.Info("init track registered", "name", name, "bytes", len(data))
	return true
}

// Get returns the sample entry for name if it has arrived.
func (r *Registry) Get(name string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.inits[name]
	if !ok || e.ReceivedAt.IsZero() {
		return nil, false
	}
	return e.data, true
}

// Wait blocks until name is registered or ctx is done.
func (r *Registry) Wait(ctx context.Context, name string) ([]byte, error) {
	r.mu.Lock()
	e := r.entry(name)
	r.mu.Unlock()

	select {
	case <-e.ready:
		return e.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Names returns the names of all registered init tracks, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.inits))
	for name, e := range r.inits {
		if !e.ReceivedAt.IsZero() {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
