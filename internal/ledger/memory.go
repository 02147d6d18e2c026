package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 以内存方式保存提现记录，默认后端。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return ErrRecordConflict
	}
	now := time.Now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	clone := *rec
	m.records[rec.ID] = &clone
	return nil
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(_ context.Context, id string, u Update) error {
	if err := validateUpdate(u); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Status = u.Status
	if u.TxHash != "" {
		rec.TxHash = u.TxHash
	}
	if u.OrderID != "" {
		rec.OrderID = u.OrderID
	}
	if u.Error != "" {
		rec.Error = u.Error
	}
	rec.UpdatedAt = time.Now().Unix()
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *rec
	return &clone, nil
}

// FindByTxHash 实现 Store 接口。
func (m *MemoryStore) FindByTxHash(_ context.Context, hash string) (*Record, error) {
	return m.find(func(r *Record) bool { return hash != "" && r.TxHash == hash })
}

// FindByOrderID 实现 Store 接口。
func (m *MemoryStore) FindByOrderID(_ context.Context, orderID string) (*Record, error) {
	return m.find(func(r *Record) bool { return orderID != "" && r.OrderID == orderID })
}

func (m *MemoryStore) find(match func(*Record) bool) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Record
	for _, rec := range m.records {
		if !match(rec) {
			continue
		}
		if found == nil || rec.CreatedAt > found.CreatedAt {
			found = rec
		}
	}
	if found == nil {
		return nil, ErrRecordNotFound
	}
	clone := *found
	return &clone, nil
}

// ListByUser 按创建时间倒序返回用户的记录。
func (m *MemoryStore) ListByUser(_ context.Context, userID int64, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	return nil
}
