// Package dlock provides a non-blocking, in-process advisory lock keyed
// by dataset name, so C3 (snapshot) and C4/C6 (plan execution) never
// race each other over the same dataset. Grounded on
// vansante-go-zfsutils' job.Runner.lockDataset/datasetLock map
// (job/runner.go), generalized from a single runner-wide mutex+map pair
// into a standalone, reusable registry.
package dlock

import "sync"

// Registry is a set of advisory per-name locks. The zero value is not
// usable; construct with New.
type Registry struct {
	mu     sync.Mutex
	locked map[string]struct{}
}

// New returns an empty, ready-to-use Registry.
func New() *Registry {
	return &Registry{locked: make(map[string]struct{})}
}

// TryLock attempts to acquire the advisory lock for name. It never
// blocks: if name is already locked, it returns false immediately and
// unlock is a no-op. Callers must call unlock exactly once when they
// hold the lock (ok == true).
func (r *Registry) TryLock(name string) (ok bool, unlock func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.locked[name]; taken {
		return false, func() {}
	}
	r.locked[name] = struct{}{}
	return true, func() {
		r.mu.Lock()
		delete(r.locked, name)
		r.mu.Unlock()
	}
}

// Locked reports whether name currently holds an advisory lock. Purely
// observational — never used to decide whether to lock, since that
// would race against a concurrent TryLock.
func (r *Registry) Locked(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, taken := r.locked[name]
	return taken
}
