package session

import (
	"context"
	"sync"
)

// MemoryStore 以内存方式保存会话。
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]*Session)}
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, userID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[userID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Merge 实现 Store 接口。
func (m *MemoryStore) Merge(ctx context.Context, userID int64, patch Patch) (*Session, error) {
	return m.Update(ctx, userID, patch.Apply)
}

// Update 在锁内完成读改写。
func (m *MemoryStore) Update(_ context.Context, userID int64, fn UpdateFunc) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := applyUpdate(m.sessions[userID], userID, fn)
	if err != nil {
		return nil, err
	}
	m.sessions[userID] = next
	return next.Clone(), nil
}

// Clear 删除会话。
func (m *MemoryStore) Clear(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
	return nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	return nil
}
