package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/pricer/internal/errs"
)

// Arena is append-only storage for quote versions.
//
// Implementations must:
//   - reject an Append whose idempotency key exists, wrapping ErrKeyExists
//   - reject an Append whose Supersedes is not the current head of its
//     quote (or, for version 1, whose quote already exists), wrapping
//     ErrHeadMoved
//   - make Accept conditional: at most one acceptance per version, and
//     only while the version is its quote's head
//   - fill Status and Acceptance on every read
type Arena interface {
	Append(ctx context.Context, q *QuoteVersion) error
	Get(ctx context.Context, id string) (*QuoteVersion, error)
	ByKey(ctx context.Context, key string) (*QuoteVersion, error)
	Head(ctx context.Context, quoteID string) (*QuoteVersion, error)
	History(ctx context.Context, quoteID string) ([]*QuoteVersion, error)
	Accept(ctx context.Context, id string, a Acceptance) error
}

// MemoryArena is an in-process Arena.
//
// Thread-safety: MemoryArena is safe for concurrent use via internal mutex.
type MemoryArena struct {
	mu          sync.RWMutex
	versions    map[string]*QuoteVersion
	byKey       map[string]string
	heads       map[string]string
	history     map[string][]string
	acceptances map[string]Acceptance
}

// NewMemoryArena returns an empty arena.
func NewMemoryArena() *MemoryArena {
	return &MemoryArena{
		versions:    make(map[string]*QuoteVersion),
		byKey:       make(map[string]string),
		heads:       make(map[string]string),
		history:     make(map[string][]string),
		acceptances: make(map[string]Acceptance),
	}
}

// Append stores q and makes it the head of its quote.
func (m *MemoryArena) Append(_ context.Context, q *QuoteVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byKey[q.IdempotencyKey]; dup {
		return fmt.Errorf("append %s: %w", q.ID, ErrKeyExists)
	}
	if _, dup := m.versions[q.ID]; dup {
		return errs.Immutable("quote version %s already exists", q.ID)
	}
	head, exists := m.heads[q.QuoteID]
	if exists != (q.Supersedes != "") || head != q.Supersedes {
		return fmt.Errorf("append %s to quote %s: %w", q.ID, q.QuoteID, ErrHeadMoved)
	}

	stored, err := q.clone()
	if err != nil {
		return err
	}
	stored.Status = ""
	stored.Acceptance = nil
	m.versions[q.ID] = stored
	m.byKey[q.IdempotencyKey] = q.ID
	m.heads[q.QuoteID] = q.ID
	m.history[q.QuoteID] = append(m.history[q.QuoteID], q.ID)
	return nil
}

// Get returns a version by id.
func (m *MemoryArena) Get(_ context.Context, id string) (*QuoteVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read(id)
}

// ByKey returns the version issued under an idempotency key.
func (m *MemoryArena) ByKey(_ context.Context, key string) (*QuoteVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, errs.NotFound("no quote version for idempotency key %q", key)
	}
	return m.read(id)
}

// Head returns the current version of a quote.
func (m *MemoryArena) Head(_ context.Context, quoteID string) (*QuoteVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.heads[quoteID]
	if !ok {
		return nil, errs.NotFound("quote %s not found", quoteID)
	}
	return m.read(id)
}

// History returns every version of a quote, oldest first.
func (m *MemoryArena) History(_ context.Context, quoteID string) ([]*QuoteVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids, ok := m.history[quoteID]
	if !ok {
		return nil, errs.NotFound("quote %s not found", quoteID)
	}
	out := make([]*QuoteVersion, 0, len(ids))
	for _, id := range ids {
		q, err := m.read(id)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// Accept records the acceptance of the head version of a quote.
func (m *MemoryArena) Accept(_ context.Context, id string, a Acceptance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.versions[id]
	if !ok {
		return errs.NotFound("quote version %s not found", id)
	}
	if _, done := m.acceptances[id]; done {
		return errs.Immutable("quote version %s is already accepted", id)
	}
	if head := m.heads[q.QuoteID]; head != id {
		return errs.Immutable("quote version %s is superseded by %s", id, head)
	}
	m.acceptances[id] = a
	return nil
}

// read must be called with the lock held.
func (m *MemoryArena) read(id string) (*QuoteVersion, error) {
	stored, ok := m.versions[id]
	if !ok {
		return nil, errs.NotFound("quote version %s not found", id)
	}
	q, err := stored.clone()
	if err != nil {
		return nil, err
	}
	q.Status = StatusIssued
	if a, ok := m.acceptances[id]; ok {
		q.Status = StatusAccepted
		q.Acceptance = &a
	} else if m.heads[q.QuoteID] != id {
		q.Status = StatusSuperseded
	}
	return q, nil
}

var _ Arena = (*MemoryArena)(nil)
