package metering

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is the default in-memory implementation: a mutex-guarded
// slice, perfectly sufficient for dev setups and unit tests.
type MemoryStore struct {
	mu           sync.RWMutex
	events       []UsageEvent
	retentionTTL time.Duration

	now func() time.Time
}

// NewMemoryStore creates an in-memory store. retentionTTL of 0 disables
// retention (PurgeExpired becomes a no-op).
func NewMemoryStore(retentionTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		retentionTTL: retentionTTL,
		now:          time.Now,
	}
}

func (s *MemoryStore) Record(event UsageEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) Query(filter Filter) ([]UsageEvent, error) {
	s.mu.RLock()
	matched := s.filtered(filter)
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	return paginate(matched, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) Aggregate(groupBy GroupBy, filter Filter) (map[string]Totals, error) {
	s.mu.RLock()
	matched := s.filtered(filter)
	s.mu.RUnlock()
	return aggregate(matched, groupBy)
}

func (s *MemoryStore) Summary(filter Filter) (Summary, error) {
	s.mu.RLock()
	matched := s.filtered(filter)
	s.mu.RUnlock()
	return summarize(matched), nil
}

func (s *MemoryStore) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{TotalEvents: len(s.events)}
	for i := range s.events {
		if stats.OldestTimestamp == nil || s.events[i].Timestamp.Before(*stats.OldestTimestamp) {
			ts := s.events[i].Timestamp
			stats.OldestTimestamp = &ts
		}
	}
	if s.retentionTTL > 0 {
		ttl := int64(s.retentionTTL.Seconds())
		stats.RetentionTTLSeconds = &ttl
	}
	return stats, nil
}

func (s *MemoryStore) PurgeExpired() (int, error) {
	if s.retentionTTL <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-s.retentionTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	removed := 0
	for i := range s.events {
		if s.events[i].Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s.events[i])
	}
	s.events = kept
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

// filtered must be called with at least the read lock held.
func (s *MemoryStore) filtered(filter Filter) []UsageEvent {
	matched := make([]UsageEvent, 0, len(s.events))
	for i := range s.events {
		if filter.Matches(&s.events[i]) {
			matched = append(matched, s.events[i])
		}
	}
	return matched
}
