package property

import (
	"context"
	"sync"
)

// MemoryStore keeps properties in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	props map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{props: map[string]map[string]string{}}
}

func (m *MemoryStore) Get(ctx context.Context, mailboxID, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.props[mailboxID][key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(ctx context.Context, mailboxID, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(mailboxID, key, value)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, mailboxID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.props[mailboxID], key)
	return nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, mailboxID, key, prev, next string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.props[mailboxID][key]
	if (prev == "" && ok) || (prev != "" && (!ok || cur != prev)) {
		return ErrConflict
	}
	m.setLocked(mailboxID, key, next)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) setLocked(mailboxID, key, value string) {
	bucket := m.props[mailboxID]
	if bucket == nil {
		bucket = map[string]string{}
		m.props[mailboxID] = bucket
	}
	bucket[key] = value
}

var _ Store = (*MemoryStore)(nil)
