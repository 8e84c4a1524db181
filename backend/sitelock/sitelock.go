// Package sitelock serializes authenticated sessions per remote site.
//
// The scraped admin flows of the target CMS products cannot tolerate two
// concurrent sessions under the same account, so every login+submit sequence
// for a site must hold that site's lock for its full duration.
package sitelock

import "sync"

// Registry maps site identities (canonical base URLs) to mutexes. Entries
// are created lazily on first use and kept for the life of the process.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry creates an empty lock registry
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

// With runs fn while holding the lock for the given site identity,
// blocking until the lock is available. The lock is released when fn
// returns, even on panic.
func (r *Registry) With(identity string, fn func()) {
	lock := r.lockFor(identity)
	lock.Lock()
	defer lock.Unlock()
	fn()
}

// Len reports how many site identities have been seen
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func (r *Registry) lockFor(identity string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[identity]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[identity] = lock
	}
	return lock
}
