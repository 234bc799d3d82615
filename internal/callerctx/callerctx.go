// Package callerctx 描述智能体调用链上的调用者身份，并负责在嵌套调用中传播。
package callerctx

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrCallCycle 表示调用链中同一智能体再次出现。
var ErrCallCycle = errors.New("调用链出现循环")

// CallerContext 随每次调用传递给远端端点，端点不得修改。
type CallerContext struct {
	// CallerAddress 为整条调用链的最初付款方。
	CallerAddress common.Address `json:"callerAddress"`
	// CallingAgentID 为直接发起本次调用的智能体，终端用户调用时为空。
	CallingAgentID   string    `json:"callingAgentId,omitempty"`
	CallingAgentName string    `json:"callingAgentName,omitempty"`
	OriginIntentID   string    `json:"originIntentId"`
	Timestamp        time.Time `json:"timestamp"`
	// Path 依次记录调用链经过的智能体，用于审计。
	Path []string `json:"path,omitempty"`
}

// Identity 描述发起嵌套调用的本地智能体。
type Identity struct {
	AgentID   string
	AgentName string
	Address   common.Address
}

// Root 构造终端用户发起调用时的上下文。
func Root(caller common.Address, intentID string) *CallerContext {
	if intentID == "" {
		intentID = uuid.NewString()
	}
	return &CallerContext{
		CallerAddress:  caller,
		OriginIntentID: intentID,
		Timestamp:      time.Now().UTC(),
	}
}

// FromCallerContext 由上游上下文派生出本地智能体发起下游调用时使用的上下文。
// 调用方地址与原始意图保持不变，调用智能体替换为 local。
// parent 为空时视为本地智能体自身发起的调用。
func FromCallerContext(parent *CallerContext, local Identity) *CallerContext {
	derived := &CallerContext{
		CallingAgentID:   local.AgentID,
		CallingAgentName: local.AgentName,
		Timestamp:        time.Now().UTC(),
	}
	if parent == nil {
		derived.CallerAddress = local.Address
		derived.OriginIntentID = uuid.NewString()
		if local.AgentID != "" {
			derived.Path = []string{local.AgentID}
		}
		return derived
	}

	derived.CallerAddress = parent.CallerAddress
	derived.OriginIntentID = parent.OriginIntentID
	derived.Path = make([]string, 0, len(parent.Path)+1)
	derived.Path = append(derived.Path, parent.Path...)
	if local.AgentID != "" {
		derived.Path = append(derived.Path, local.AgentID)
	}
	return derived
}

// Derive 与 FromCallerContext 相同，但拒绝让同一智能体在链上出现两次。
func Derive(parent *CallerContext, local Identity) (*CallerContext, error) {
	if parent != nil && local.AgentID != "" && slices.Contains(parent.Path, local.AgentID) {
		return nil, ErrCallCycle
	}
	return FromCallerContext(parent, local), nil
}

// Depth 返回调用链中经过的智能体数量。
func (c *CallerContext) Depth() int {
	if c == nil {
		return 0
	}
	return len(c.Path)
}

// IsAgentCall 判断本次调用是否由其他智能体发起。
func (c *CallerContext) IsAgentCall() bool {
	return c != nil && c.CallingAgentID != ""
}

// Clone 返回深拷贝。
func (c *CallerContext) Clone() *CallerContext {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Path = slices.Clone(c.Path)
	return &clone
}

type contextKey struct{}

// WithCallerContext 将调用者上下文写入 context。
func WithCallerContext(ctx context.Context, cc *CallerContext) context.Context {
	if cc == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, cc)
}

// FromContext 从 context 中读取调用者上下文。
func FromContext(ctx context.Context) *CallerContext {
	if ctx == nil {
		return nil
	}
	if cc, ok := ctx.Value(contextKey{}).(*CallerContext); ok {
		return cc
	}
	return nil
}
