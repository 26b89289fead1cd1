package metering

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	badger "github.com/dgraph-io/badger/v4"
)

const eventPrefix = "usage/"

/*
BadgerStore is the file-backed metering variant: events live in an embedded
badger database under keys ordered by timestamp, so time-range queries and
retention purges are prefix scans. A single writer mutex serialises Record
against PurgeExpired, the conservative answer to concurrent purge-vs-record
isolation.
*/
type BadgerStore struct {
	db           *badger.DB
	retentionTTL time.Duration

	writeMu chan struct{} // 1-slot semaphore serialising writers

	now func() time.Time
}

// NewBadgerStore opens (or creates) the store at dir. retentionTTL of 0
// disables retention.
func NewBadgerStore(dir string, retentionTTL time.Duration) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open metering store at %s: %w", dir, err)
	}

	log.Debug("opened metering store", "dir", dir, "retention_ttl", retentionTTL)

	store := &BadgerStore{
		db:           db,
		retentionTTL: retentionTTL,
		writeMu:      make(chan struct{}, 1),
		now:          time.Now,
	}
	return store, nil
}

// eventKey orders events by timestamp first so purge and range scans walk a
// contiguous key range; the task id disambiguates same-nanosecond events.
func eventKey(e *UsageEvent) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", eventPrefix, e.Timestamp.UnixNano(), e.TaskID))
}

func (s *BadgerStore) Record(event UsageEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.writeMu <- struct{}{}
	defer func() { <-s.writeMu }()

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(&event), value)
	})
}

// scan walks every stored event, applying the filter's predicates. Start is
// translated into an iterator seek so old segments are skipped.
func (s *BadgerStore) scan(filter Filter) ([]UsageEvent, error) {
	var events []UsageEvent

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(eventPrefix)
		seek := prefix
		if !filter.Start.IsZero() {
			seek = []byte(fmt.Sprintf("%s%020d", eventPrefix, filter.Start.UnixNano()))
		}

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			var event UsageEvent
			if err := json.Unmarshal(value, &event); err != nil {
				return fmt.Errorf("corrupt usage event at %s: %w", it.Item().Key(), err)
			}

			if !filter.End.IsZero() && !event.Timestamp.Before(filter.End) {
				break // keys are timestamp-ordered
			}
			if filter.Matches(&event) {
				events = append(events, event)
			}
		}
		return nil
	})

	return events, err
}

func (s *BadgerStore) Query(filter Filter) ([]UsageEvent, error) {
	events, err := s.scan(filter)
	if err != nil {
		return nil, err
	}
	return paginate(events, filter.Limit, filter.Offset), nil
}

func (s *BadgerStore) Aggregate(groupBy GroupBy, filter Filter) (map[string]Totals, error) {
	events, err := s.scan(filter)
	if err != nil {
		return nil, err
	}
	return aggregate(events, groupBy)
}

func (s *BadgerStore) Summary(filter Filter) (Summary, error) {
	events, err := s.scan(filter)
	if err != nil {
		return Summary{}, err
	}
	return summarize(events), nil
}

func (s *BadgerStore) Stats() (Stats, error) {
	var stats Stats

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(eventPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if stats.TotalEvents == 0 {
				value, err := it.Item().ValueCopy(nil)
				if err != nil {
					return err
				}
				var event UsageEvent
				if err := json.Unmarshal(value, &event); err == nil {
					ts := event.Timestamp
					stats.OldestTimestamp = &ts
				}
			}
			stats.TotalEvents++
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	if s.retentionTTL > 0 {
		ttl := int64(s.retentionTTL.Seconds())
		stats.RetentionTTLSeconds = &ttl
	}
	return stats, nil
}

func (s *BadgerStore) PurgeExpired() (int, error) {
	if s.retentionTTL <= 0 {
		return 0, nil
	}

	cutoff := []byte(fmt.Sprintf("%s%020d", eventPrefix, s.now().Add(-s.retentionTTL).UnixNano()))

	s.writeMu <- struct{}{}
	defer func() { <-s.writeMu }()

	var expired [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(eventPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(cutoff) {
				break
			}
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range expired {
		if err := batch.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := batch.Flush(); err != nil {
		return 0, err
	}

	if len(expired) > 0 {
		log.Debug("purged expired usage events", "removed", len(expired))
	}
	return len(expired), nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
