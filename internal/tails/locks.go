package tails

import "sync"

// KeyedMutex provides mutual exclusion per revocation registry id. A coarse
// mutex guards the map of per-key entries; the per-key mutexes serialize the
// actual critical sections, so contention on one id never blocks another.
// Entries are created lazily and removed once the last holder releases them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*lockEntry)}
}

// Lock blocks until the caller holds the mutex for key.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. It must only be called by the current
// holder.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("tails: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// Wait blocks until no writer holds key, without leaving the key locked.
// Readers use this to avoid observing an identifier mid-write: after Wait
// returns, any in-flight upload for key has either committed or been
// discarded.
func (k *KeyedMutex) Wait(key string) {
	k.Lock(key)
	k.Unlock(key)
}
