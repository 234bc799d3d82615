package agent

import (
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/schema"

	"github.com/ethereum/go-ethereum/common"
)

// 智能体相关错误码。
const (
	CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentInactive xerrors.Code = "AGENT_INACTIVE"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentInactive, xerrors.Attributes{
		Message:  "agent is not accepting calls",
		Severity: xerrors.SeverityInfo,
	})
}

// Class 决定端点调用的超时时间。
type Class string

const (
	// ClassSimple 为单步处理的智能体。
	ClassSimple Class = "simple"
	// ClassCoordinator 会继续调用其他智能体，需要更长的超时。
	ClassCoordinator Class = "coordinator"
)

// Valid 判断类别是否合法。
func (c Class) Valid() bool {
	return c == ClassSimple || c == ClassCoordinator
}

// DefaultTimeouts 为各类别的默认端点超时。
var DefaultTimeouts = map[Class]time.Duration{
	ClassSimple:      30 * time.Second,
	ClassCoordinator: 120 * time.Second,
}

// Agent 为一个可付费调用的智能体。
type Agent struct {
	ID            string
	Name          string
	Endpoint      string
	Class         Class
	PayoutAddress common.Address
	InputSchema   *schema.Schema
	OutputSchema  *schema.Schema
	// Price 以资产最小单位计价。
	Price    *big.Int
	AssetRef string
	Decimals uint8
	Active   bool
}

// Validate 校验记录是否完整。
func (a *Agent) Validate() error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体为空")
	}
	if strings.TrimSpace(a.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	u, err := url.Parse(a.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体 %s 的端点地址非法: %q", a.ID, a.Endpoint))
	}
	if !a.Class.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体 %s 的类别非法: %q", a.ID, a.Class))
	}
	if a.PayoutAddress == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体 %s 缺少收款地址", a.ID))
	}
	if a.Price == nil || a.Price.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体 %s 的价格非法", a.ID))
	}
	if a.InputSchema == nil || a.OutputSchema == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体 %s 缺少输入或输出结构声明", a.ID))
	}
	return nil
}

// Timeout 返回该智能体端点调用的超时，overrides 优先。
func (a *Agent) Timeout(overrides map[Class]time.Duration) time.Duration {
	if d, ok := overrides[a.Class]; ok && d > 0 {
		return d
	}
	if d, ok := DefaultTimeouts[a.Class]; ok {
		return d
	}
	return DefaultTimeouts[ClassSimple]
}
