// Package idempotency 防止同一意图被重复结算。
//
// 调用开始时 Acquire 占用意图 ID，结算确认后 Complete 将其标记为已结算；
// 未提交任何交易就失败的调用通过 Release 释放，允许调用方重试。
package idempotency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// CodeDuplicateIntent 表示意图正在处理或已结算。
const CodeDuplicateIntent xerrors.Code = "DUPLICATE_INTENT"

func init() {
	xerrors.Register(CodeDuplicateIntent, xerrors.Attributes{
		Message:  "intent already in flight or settled",
		Severity: xerrors.SeverityInfo,
	})
}

// Guard 为意图去重接口。
type Guard interface {
	Acquire(ctx context.Context, intentID string) error
	Complete(ctx context.Context, intentID string) error
	Release(ctx context.Context, intentID string) error
}

type entryState int

const (
	statePending entryState = iota + 1
	stateSettled
)

func stateName(s entryState) string {
	if s == stateSettled {
		return "settled"
	}
	return "pending"
}

func duplicate(intentID, state string) error {
	return xerrors.New(CodeDuplicateIntent, fmt.Sprintf("意图 %s 已存在 (%s)", intentID, state),
		xerrors.WithMetadata("intent_id", intentID),
		xerrors.WithMetadata("state", state))
}

func validateID(intentID string) error {
	if strings.TrimSpace(intentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "意图 ID 不能为空")
	}
	return nil
}

type memoryEntry struct {
	state   entryState
	expires time.Time
}

// MemoryGuard 在进程内去重，适用于单实例部署。
type MemoryGuard struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	pendingTTL time.Duration
	settledTTL time.Duration
	now        func() time.Time
}

// MemoryOption 配置 MemoryGuard。
type MemoryOption func(*MemoryGuard)

// WithTTL 设置处理中与已结算两种状态的保留时长。
func WithTTL(pending, settled time.Duration) MemoryOption {
	return func(g *MemoryGuard) {
		if pending > 0 {
			g.pendingTTL = pending
		}
		if settled > 0 {
			g.settledTTL = settled
		}
	}
}

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGuard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewMemoryGuard 创建内存去重器。
func NewMemoryGuard(opts ...MemoryOption) *MemoryGuard {
	g := &MemoryGuard{
		entries:    make(map[string]memoryEntry),
		pendingTTL: 10 * time.Minute,
		settledTTL: 24 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Acquire 占用意图 ID。
func (g *MemoryGuard) Acquire(_ context.Context, intentID string) error {
	if err := validateID(intentID); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if entry, ok := g.entries[intentID]; ok && now.Before(entry.expires) {
		return duplicate(intentID, stateName(entry.state))
	}
	g.entries[intentID] = memoryEntry{state: statePending, expires: now.Add(g.pendingTTL)}
	return nil
}

// Complete 将意图标记为已结算。
func (g *MemoryGuard) Complete(_ context.Context, intentID string) error {
	if err := validateID(intentID); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[intentID] = memoryEntry{state: stateSettled, expires: g.now().Add(g.settledTTL)}
	return nil
}

// Release 释放处理中的意图，已结算的意图不受影响。
func (g *MemoryGuard) Release(_ context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.entries[intentID]; ok && entry.state == statePending {
		delete(g.entries, intentID)
	}
	return nil
}

// NopGuard 不做任何去重。
type NopGuard struct{}

func (NopGuard) Acquire(context.Context, string) error  { return nil }
func (NopGuard) Complete(context.Context, string) error { return nil }
func (NopGuard) Release(context.Context, string) error  { return nil }

var (
	_ Guard = (*MemoryGuard)(nil)
	_ Guard = NopGuard{}
)
