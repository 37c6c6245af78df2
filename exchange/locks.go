package exchange

import "sync"

// keyLocks serializes mutations per request ID. The first goroutine to
// acquire a given ID's lock wins; later ones observe the resulting state
// and no-op. Lock entries are cheap and live for the engine's lifetime.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex owning the given ID and returns it for unlocking.
func (k *keyLocks) lock(id string) *sync.Mutex {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m
}
