// Package cleanup removes temporary job artifacts after a delay.
package cleanup

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTTL is how long artifacts stay on disk when no TTL is configured.
const DefaultTTL = time.Hour

type entry struct {
	fireAt time.Time
	timer  *time.Timer
}

// Registry schedules deferred deletion of paths. At most one deletion is
// pending per path; rescheduling a pending path is a no-op and does not
// move its deadline.
type Registry struct {
	logger logrus.FieldLogger
	remove func(string) error

	mu      sync.Mutex
	pending map[string]*entry
	stopped bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithRemoveFunc replaces os.RemoveAll.
func WithRemoveFunc(fn func(string) error) Option {
	return func(r *Registry) {
		r.remove = fn
	}
}

// New creates an empty registry.
func New(logger logrus.FieldLogger, opts ...Option) *Registry {
	r := &Registry{
		logger:  logger,
		remove:  os.RemoveAll,
		pending: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Schedule deletes path recursively after ttl. It returns false when a
// deletion for path is already pending or the registry is stopped.
func (r *Registry) Schedule(path string, ttl time.Duration) bool {
	if path == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return false
	}
	if _, ok := r.pending[path]; ok {
		return false
	}

	e := &entry{fireAt: time.Now().Add(ttl)}
	e.timer = time.AfterFunc(ttl, func() { r.fire(path, e) })
	r.pending[path] = e
	return true
}

// Cancel drops a pending deletion. It returns false when nothing was pending.
func (r *Registry) Cancel(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.pending[path]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.pending, path)
	return true
}

// Pending reports whether a deletion is scheduled for path.
func (r *Registry) Pending(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[path]
	return ok
}

// FireAt returns when the pending deletion for path runs.
func (r *Registry) FireAt(path string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[path]
	if !ok {
		return time.Time{}, false
	}
	return e.fireAt, true
}

// Len returns the number of pending deletions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stop cancels every pending deletion and rejects new ones. Files that were
// pending stay on disk.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	for path, e := range r.pending {
		e.timer.Stop()
		delete(r.pending, path)
	}
}

func (r *Registry) fire(path string, e *entry) {
	r.mu.Lock()
	if cur, ok := r.pending[path]; !ok || cur != e {
		// cancelled, or replaced after a cancel
		r.mu.Unlock()
		return
	}
	delete(r.pending, path)
	r.mu.Unlock()

	if err := r.remove(path); err != nil {
		r.logger.WithError(err).WithField("path", path).Warn("Failed to remove expired artifact")
		return
	}
	r.logger.WithField("path", path).Debug("Removed expired artifact")
}
