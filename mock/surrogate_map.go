package mock

import (
	"context"
	"sync"

	"github.com/cardea-io/cardea"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SurrogateMap provides a mock implementation of a cardea.SurrogateMap that
// faithfully maintains the identifier bijection in memory: one active
// surrogate per internal identifier, global surrogate uniqueness, and
// tombstoning without recycling. Surrogates created inside a mock
// transaction are removed again if it rolls back.
type SurrogateMap struct {
	EnsureError  error
	ResolveError error
	RevokeError  error

	mu       sync.Mutex
	active   map[string]string
	internal map[string]string
	revoked  []cardea.SurrogateIdentifier
}

// NewSurrogateMap creates an empty in-memory surrogate map.
func NewSurrogateMap() *SurrogateMap {
	return &SurrogateMap{
		active:   map[string]string{},
		internal: map[string]string{},
	}
}

// Ensure returns the active surrogate for the internal identifier, creating
// a random one if none exists. A creation inside a mock transaction is
// undone if the transaction rolls back, mirroring the mapping write's
// participation in the authoritative commit.
func (m *SurrogateMap) Ensure(ctx context.Context, tx cardea.Tx, internalID string) (string, error) {
	if m.EnsureError != nil {
		return "", m.EnsureError
	}
	if internalID == "" {
		return "", errors.New("missing internal id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if surrogateID, ok := m.active[internalID]; ok {
		return surrogateID, nil
	}

	surrogateID := uuid.NewString()
	m.active[internalID] = surrogateID
	m.internal[surrogateID] = internalID

	if mockTx, ok := txHooks(tx); ok {
		mockTx.OnRollback(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.active[internalID] == surrogateID {
				delete(m.active, internalID)
				delete(m.internal, surrogateID)
			}
		})
	}

	return surrogateID, nil
}

// Resolve maps an active surrogate back to its internal identifier.
func (m *SurrogateMap) Resolve(ctx context.Context, surrogateID string) (string, error) {
	if m.ResolveError != nil {
		return "", m.ResolveError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	internalID, ok := m.internal[surrogateID]
	if !ok {
		return "", cardea.NewSurrogateNotFoundError(surrogateID)
	}
	return internalID, nil
}

// Revoke tombstones the active mapping. The surrogate is remembered so it
// can never be handed out again.
func (m *SurrogateMap) Revoke(ctx context.Context, tx cardea.Tx, internalID string) error {
	if m.RevokeError != nil {
		return m.RevokeError
	}

	m.mu.Lock()
	surrogateID, ok := m.active[internalID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	revoke := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.active[internalID] != surrogateID {
			return
		}
		delete(m.active, internalID)
		delete(m.internal, surrogateID)
		m.revoked = append(m.revoked, cardea.SurrogateIdentifier{
			SurrogateID: surrogateID,
			InternalID:  internalID,
		})
	}

	if mockTx, ok := txHooks(tx); ok {
		mockTx.OnCommit(revoke)
		return nil
	}
	revoke()
	return nil
}

// ActiveCount returns how many active mappings exist.
func (m *SurrogateMap) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Revoked returns every tombstoned mapping.
func (m *SurrogateMap) Revoked() []cardea.SurrogateIdentifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cardea.SurrogateIdentifier{}, m.revoked...)
}
