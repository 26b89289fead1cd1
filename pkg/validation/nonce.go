package validation

import (
	"sync"
	"time"
)

/*
NonceStore tracks replay-protection nonces per sender. Remember returns true
on first occurrence (the nonce is stored with the replay-window TTL) and
false on reuse. Implementations must be safe for concurrent use; the store
is process-wide so every request path shares the same replay window.
*/
type NonceStore interface {
	Remember(sender, nonce string) bool
	Close()
}

type nonceEntry struct {
	expiresAt time.Time
}

// MemoryNonceStore is the default mutex-guarded TTL map. A background sweep
// keeps the map from growing without bound between lookups.
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]nonceEntry
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once

	now func() time.Time
}

func NewMemoryNonceStore(ttl time.Duration) *MemoryNonceStore {
	store := &MemoryNonceStore{
		entries: make(map[string]nonceEntry),
		ttl:     ttl,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go store.sweep()
	return store
}

func (s *MemoryNonceStore) Remember(sender, nonce string) bool {
	key := sender + "\x00" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.entries[key]; ok && now.Before(entry.expiresAt) {
		return false
	}
	s.entries[key] = nonceEntry{expiresAt: now.Add(s.ttl)}
	return true
}

// Len reports the number of live entries; expired ones may linger until the
// next sweep.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryNonceStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryNonceStore) sweep() {
	interval := s.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for key, entry := range s.entries {
				if !now.Before(entry.expiresAt) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
