package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"tokend/internal/token"
)

// Memory is a mutex-guarded in-process Store used by tests and single-node
// development deployments.
type Memory struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]token.Token
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{tokens: make(map[uuid.UUID]token.Token)}
}

func (m *Memory) Put(ctx context.Context, tok token.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok.Version++
	m.tokens[tok.ID] = tok.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, id uuid.UUID) (token.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[id]
	if !ok {
		return token.Token{}, ErrNotFound
	}
	return tok.Clone(), nil
}

func (m *Memory) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, id)
	return nil
}

func (m *Memory) Scan(ctx context.Context) ([]token.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]token.Token, 0, len(m.tokens))
	for _, tok := range m.tokens {
		out = append(out, tok.Clone())
	}
	return out, nil
}

// Update holds the lock across the read-modify-write, so in-process updates
// serialize and never observe ErrConflict.
func (m *Memory) Update(ctx context.Context, id uuid.UUID, fn Mutator) (token.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[id]
	if !ok {
		return token.Token{}, ErrNotFound
	}

	updated, err := fn(tok.Clone())
	if err != nil {
		return token.Token{}, err
	}

	updated.ID = id
	updated.Version = tok.Version + 1
	m.tokens[id] = updated.Clone()
	return updated, nil
}
