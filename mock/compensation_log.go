package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cardea-io/cardea"
	"github.com/pkg/errors"
)

// CompensationLog provides a mock implementation of a
// cardea.CompensationLog. Entries staged inside a mock transaction become
// visible only if it commits, mirroring the outbox write's participation in
// the authoritative commit.
type CompensationLog struct {
	StageError       error
	MarkAppliedError error
	MarkFailedError  error
	AbandonError     error
	UnsettledError   error

	mu      sync.Mutex
	entries map[string]cardea.CompensationEntry
	order   []string
}

// NewCompensationLog creates an empty in-memory compensation log.
func NewCompensationLog() *CompensationLog {
	return &CompensationLog{entries: map[string]cardea.CompensationEntry{}}
}

// Stage records the entry, visible once the transaction commits.
func (l *CompensationLog) Stage(ctx context.Context, tx cardea.Tx, entry cardea.CompensationEntry) error {
	if l.StageError != nil {
		return l.StageError
	}

	entry.CreatedAt = time.Now()
	entry.UpdatedAt = entry.CreatedAt

	record := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.entries[entry.ID] = entry
		l.order = append(l.order, entry.ID)
	}

	if mockTx, ok := txHooks(tx); ok {
		mockTx.OnCommit(record)
		return nil
	}
	record()
	return nil
}

func (l *CompensationLog) setState(id string, state cardea.CompensationState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[id]
	if !ok {
		return errors.Errorf("no compensation entry '%s'", id)
	}
	entry.State = state
	entry.UpdatedAt = time.Now()
	l.entries[id] = entry
	return nil
}

// MarkApplied transitions an entry to applied.
func (l *CompensationLog) MarkApplied(ctx context.Context, id string) error {
	if l.MarkAppliedError != nil {
		return l.MarkAppliedError
	}
	return l.setState(id, cardea.CompensationApplied)
}

// MarkFailed transitions an entry to index_failed and records the cause.
func (l *CompensationLog) MarkFailed(ctx context.Context, id string, cause string) error {
	if l.MarkFailedError != nil {
		return l.MarkFailedError
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[id]
	if !ok {
		return errors.Errorf("no compensation entry '%s'", id)
	}
	entry.State = cardea.CompensationIndexFailed
	entry.Attempts++
	entry.LastError = cause
	entry.UpdatedAt = time.Now()
	l.entries[id] = entry
	return nil
}

// Abandon transitions an entry to abandoned.
func (l *CompensationLog) Abandon(ctx context.Context, id string) error {
	if l.AbandonError != nil {
		return l.AbandonError
	}
	return l.setState(id, cardea.CompensationAbandoned)
}

// Unsettled returns index_failed and still-staged entries last touched
// before the threshold, oldest first.
func (l *CompensationLog) Unsettled(ctx context.Context, olderThan time.Duration, limit int) ([]cardea.CompensationEntry, error) {
	if l.UnsettledError != nil {
		return nil, l.UnsettledError
	}

	cutoff := time.Now().Add(-olderThan)

	l.mu.Lock()
	defer l.mu.Unlock()

	var unsettled []cardea.CompensationEntry
	for _, id := range l.order {
		entry := l.entries[id]
		if entry.State != cardea.CompensationIndexFailed && entry.State != cardea.CompensationStaged {
			continue
		}
		if !entry.UpdatedAt.Before(cutoff) {
			continue
		}
		unsettled = append(unsettled, entry)
		if len(unsettled) == limit {
			break
		}
	}
	return unsettled, nil
}

// Entries returns every recorded entry in staging order.
func (l *CompensationLog) Entries() []cardea.CompensationEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]cardea.CompensationEntry, 0, len(l.order))
	for _, id := range l.order {
		entries = append(entries, l.entries[id])
	}
	return entries
}

// InState returns every entry in the given state, in staging order.
func (l *CompensationLog) InState(state cardea.CompensationState) []cardea.CompensationEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []cardea.CompensationEntry
	for _, id := range l.order {
		if l.entries[id].State == state {
			entries = append(entries, l.entries[id])
		}
	}
	return entries
}
