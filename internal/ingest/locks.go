package ingest

import "sync"

// keyedLocks hands out one mutex per key so concurrent deliveries for the
// same counterpart serialize their read-modify-write of conversation state.
// Entries are never evicted; the key space is bounded by the active client
// population.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	return lock
}

// withLock runs fn while holding the mutex for key. fn must not block on
// remote calls; fetch outside, apply inside.
func (k *keyedLocks) withLock(key string, fn func() error) error {
	lock := k.get(key)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}
