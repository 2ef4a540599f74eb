package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/access-news/cqrs/adapters"
)

// Ensure interface compliance at compile time.
var _ adapters.CheckpointAdapter = (*CheckpointStore)(nil)

// Checkpoint is a projector's stored position.
type Checkpoint struct {
	Projector string
	Position  uint64
	UpdatedAt time.Time
}

// CheckpointStore is a standalone in-memory CheckpointAdapter, for running
// a projector against an event log that keeps no checkpoints of its own.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
}

// NewCheckpointStore creates a new in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		checkpoints: make(map[string]Checkpoint),
	}
}

// GetCheckpoint retrieves the current position for a projector.
// Returns 0 if no checkpoint exists.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context, projector string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[projector].Position, nil
}

// SetCheckpoint stores the position for a projector.
func (s *CheckpointStore) SetCheckpoint(ctx context.Context, projector string, position uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[projector] = Checkpoint{
		Projector: projector,
		Position:  position,
		UpdatedAt: time.Now(),
	}
	return nil
}

// All returns every checkpoint ordered by projector name.
func (s *CheckpointStore) All() []Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Projector < out[j].Projector })
	return out
}
