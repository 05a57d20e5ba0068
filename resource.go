package gpupool

import (
	"context"
	"sync"
)

// Resource represents a resource id leased from the pool.
type Resource struct {
	manager     *Manager
	id          int
	holder      int
	releaseOnce sync.Once
	releaseErr  error
	released    bool
	mu          sync.Mutex
}

// ID returns the leased resource id.
func (r *Resource) ID() int {
	return r.id
}

// Holder returns the holder id recorded in the lease.
func (r *Resource) Holder() int {
	return r.holder
}

// Release releases r back to the pool.
// It is safe to call Release multiple times; subsequent calls will be no-ops
// returning the result of the first call.
func (r *Resource) Release(ctx context.Context) error {
	r.releaseOnce.Do(func() {
		r.releaseErr = r.manager.Release(ctx, r.id, r.holder)
		r.mu.Lock()
		r.released = true
		r.mu.Unlock()
	})
	return r.releaseErr
}

// Released reports whether Release has been called.
func (r *Resource) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// Close releases the resource back to the pool, ignoring any errors.
// It is equivalent to calling Release with a background context.
func (r *Resource) Close() {
	_ = r.Release(context.Background())
}
