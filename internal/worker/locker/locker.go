// Package locker provides a per-key mutual-exclusion lock with FIFO
// acquisition order. Shared-container frameworks hold the project-scoped
// lock for the whole start-or-stop sequence so two agents in one project
// cannot race to create or destroy the shared container.
package locker

import "sync"

// Keyed hands out one logical lock per key. Keys with no holder and no
// waiters carry no state.
type Keyed struct {
	mu      sync.Mutex
	held    map[string]bool
	waiters map[string][]chan struct{}
}

// New creates an empty keyed lock set.
func New() *Keyed {
	return &Keyed{
		held:    make(map[string]bool),
		waiters: make(map[string][]chan struct{}),
	}
}

// Lock acquires the lock for key, blocking behind earlier acquirers in
// arrival order. The returned function releases the lock; call it on every
// exit path.
func (k *Keyed) Lock(key string) (release func()) {
	k.mu.Lock()
	if !k.held[key] {
		k.held[key] = true
		k.mu.Unlock()
	} else {
		ready := make(chan struct{})
		k.waiters[key] = append(k.waiters[key], ready)
		k.mu.Unlock()
		<-ready
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.unlock(key) })
	}
}

func (k *Keyed) unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	queue := k.waiters[key]
	if len(queue) == 0 {
		delete(k.held, key)
		delete(k.waiters, key)
		return
	}
	// Hand the lock to the oldest waiter; held stays true.
	next := queue[0]
	if len(queue) == 1 {
		delete(k.waiters, key)
	} else {
		k.waiters[key] = queue[1:]
	}
	close(next)
}
