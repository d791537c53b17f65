package automation

import (
	"context"
	"sync"
	"sync/atomic"
)

// Snapshot is the process-wide configuration cell. Readers always see a
// complete value; writers replace it atomically.
//
// The zero value is not usable; construct with [NewSnapshot].
type Snapshot struct {
	cur       atomic.Pointer[Config]
	ready     chan struct{}
	readyOnce sync.Once
}

// NewSnapshot returns an empty snapshot that has not completed its initial
// load.
func NewSnapshot() *Snapshot {
	return &Snapshot{ready: make(chan struct{})}
}

// Load returns the current configuration. It may be nil.
func (s *Snapshot) Load() *Config {
	return s.cur.Load()
}

// Store replaces the configuration and marks the snapshot as loaded.
// Storing nil is a valid outcome of a failed load.
func (s *Snapshot) Store(cfg *Config) {
	s.cur.Store(cfg)
	s.MarkLoaded()
}

// MarkLoaded releases [Snapshot.Wait] callers without changing the value.
func (s *Snapshot) MarkLoaded() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Loaded reports whether the initial load has completed or failed.
func (s *Snapshot) Loaded() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Wait blocks until the initial load completes or ctx is done, then returns
// the current value. A cancelled ctx does not produce an error: the caller
// proceeds with whatever is stored, possibly nil.
func (s *Snapshot) Wait(ctx context.Context) *Config {
	select {
	case <-s.ready:
	case <-ctx.Done():
	}
	return s.Load()
}
