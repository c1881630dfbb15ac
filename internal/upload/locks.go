package upload

import (
	"context"
	"sync"
)

// lockEntry is one upload's readers-writer lock together with a reference
// count that keeps eviction safe while the lock is still being waited on.
type lockEntry struct {
	mu   sync.RWMutex
	refs int
}

// LockRegistry maps upload ids to reusable readers-writer locks. Entries
// are created lazily on first reference and removed when the last holder
// releases; Evict clears an entry eagerly on terminal transitions. The
// registry's own map is guarded independently of the per-upload locks it
// hands out.
type LockRegistry struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{entries: make(map[string]*lockEntry)}
}

// LockExclusive acquires the exclusive lock for id, creating the entry if
// necessary. The returned release function must be called on every exit
// path; callers are expected to defer it immediately.
func (r *LockRegistry) LockExclusive(ctx context.Context, id string) (func(), error) {
	return r.lock(ctx, id, true)
}

// LockShared acquires the shared lock for id. Arbitrarily many shared
// holders may coexist; they queue behind any earlier exclusive holder.
func (r *LockRegistry) LockShared(ctx context.Context, id string) (func(), error) {
	return r.lock(ctx, id, false)
}

func (r *LockRegistry) lock(ctx context.Context, id string, exclusive bool) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e := r.retain(id)

	lock := e.mu.RLock
	unlock := e.mu.RUnlock
	if exclusive {
		lock = e.mu.Lock
		unlock = e.mu.Unlock
	}

	acquired := make(chan struct{})
	go func() {
		lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		var once sync.Once
		release := func() {
			once.Do(func() {
				unlock()
				r.release(id, e)
			})
		}
		return release, nil
	case <-ctx.Done():
		// The goroutine will still acquire the lock eventually; hand it
		// straight back so an abandoned request never pins the upload.
		go func() {
			<-acquired
			unlock()
			r.release(id, e)
		}()
		return nil, ctx.Err()
	}
}

// Evict removes the entry for id from the registry. Current holders keep a
// valid lock; the id is expected to be tombstoned by the store, so later
// references fail before they would recreate an entry that matters.
func (r *LockRegistry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of registered entries.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *LockRegistry) retain(id string) *lockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &lockEntry{}
		r.entries[id] = e
	}
	e.refs++
	return e
}

// release drops one reference and removes the entry once nobody holds or
// waits on it. Without this, every id a client names, existing or not,
// would grow the map forever. A live upload's entry is simply re-created on
// its next operation.
func (r *LockRegistry) release(id string, e *lockEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 && r.entries[id] == e {
		delete(r.entries, id)
	}
}
