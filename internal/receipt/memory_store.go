package receipt

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 将回执保存在内存中，适合单实例部署与测试。
type MemoryStore struct {
	mu          sync.RWMutex
	receipts    map[string]*Receipt
	byIntent    map[string]string
	bySignature map[string]string
}

// NewMemoryStore 创建内存回执存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts:    make(map[string]*Receipt),
		byIntent:    make(map[string]string),
		bySignature: make(map[string]string),
	}
}

// Save 追加回执。ID、意图与交易签名均不可重复。
func (s *MemoryStore) Save(_ context.Context, r *Receipt) error {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "回执 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receipts[r.ID]; exists {
		return Duplicate(r.ID, nil)
	}
	if _, exists := s.byIntent[r.IntentID]; exists {
		return Duplicate(r.ID, nil)
	}
	if _, exists := s.bySignature[r.Signature]; exists {
		return Duplicate(r.ID, nil)
	}
	s.receipts[r.ID] = r.Clone()
	s.byIntent[r.IntentID] = r.ID
	s.bySignature[r.Signature] = r.ID
	return nil
}

// Get 按 ID 查询回执。
func (s *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[id]
	if !ok {
		return nil, NotFound("receipt_id", id)
	}
	return r.Clone(), nil
}

// GetByIntent 按意图 ID 查询回执。
func (s *MemoryStore) GetByIntent(ctx context.Context, intentID string) (*Receipt, error) {
	s.mu.RLock()
	id, ok := s.byIntent[intentID]
	s.mu.RUnlock()
	if !ok {
		return nil, NotFound("intent_id", intentID)
	}
	return s.Get(ctx, id)
}

// GetBySignature 按交易签名查询回执。
func (s *MemoryStore) GetBySignature(ctx context.Context, signature string) (*Receipt, error) {
	s.mu.RLock()
	id, ok := s.bySignature[signature]
	s.mu.RUnlock()
	if !ok {
		return nil, NotFound("signature", signature)
	}
	return s.Get(ctx, id)
}

// List 按过滤条件返回回执。
func (s *MemoryStore) List(_ context.Context, opts ...ListOption) ([]*Receipt, error) {
	options := BuildListOptions(opts)

	s.mu.RLock()
	matched := make([]*Receipt, 0, len(s.receipts))
	for _, r := range s.receipts {
		if options.Matches(r) {
			matched = append(matched, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.ConfirmedAt.Equal(b.ConfirmedAt) {
			if options.Order == SortByConfirmedAsc {
				return a.ConfirmedAt.Before(b.ConfirmedAt)
			}
			return a.ConfirmedAt.After(b.ConfirmedAt)
		}
		return a.ID < b.ID
	})

	if options.Offset >= len(matched) {
		return []*Receipt{}, nil
	}
	matched = matched[options.Offset:]
	if len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	return matched, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
