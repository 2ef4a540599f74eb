package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/access-news/cqrs/adapters"
)

var _ adapters.StateStore = (*StateStore)(nil)

// StateStore is an in-memory adapters.StateStore.
type StateStore struct {
	mu      sync.RWMutex
	records map[string]adapters.StateRecord
}

// NewStateStore creates an empty in-memory state store.
func NewStateStore() *StateStore {
	return &StateStore{
		records: make(map[string]adapters.StateRecord),
	}
}

// Get returns the record for a stream, or nil, nil when absent.
func (s *StateStore) Get(ctx context.Context, streamID string) (*adapters.StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[streamID]
	if !ok {
		return nil, nil
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return &rec, nil
}

// Put upserts the record for a stream.
func (s *StateStore) Put(ctx context.Context, record adapters.StateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.StreamID == "" {
		return adapters.ErrEmptyStreamID
	}

	record.Data = append([]byte(nil), record.Data...)

	s.mu.Lock()
	s.records[record.StreamID] = record
	s.mu.Unlock()
	return nil
}

// List returns the records of an aggregate type, or all of them when
// aggregate is empty, ordered by stream id.
func (s *StateStore) List(ctx context.Context, aggregate string) ([]adapters.StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]adapters.StateRecord, 0, len(s.records))
	for _, rec := range s.records {
		if aggregate == "" || rec.Aggregate == aggregate {
			rec.Data = append([]byte(nil), rec.Data...)
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out, nil
}

// Clear removes every record.
func (s *StateStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.records = make(map[string]adapters.StateRecord)
	s.mu.Unlock()
	return nil
}

// Len returns the number of records.
func (s *StateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
