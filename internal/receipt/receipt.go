// Package receipt 定义结算回执及其存储接口。回执只追加，不修改。
package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	xerrors "AgentPay-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/crypto"
)

// 回执相关错误码。
const (
	CodeReceiptNotFound  xerrors.Code = "RECEIPT_NOT_FOUND"
	CodeReceiptDuplicate xerrors.Code = "RECEIPT_DUPLICATE"
)

func init() {
	xerrors.Register(CodeReceiptNotFound, xerrors.Attributes{
		Message:  "receipt not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeReceiptDuplicate, xerrors.Attributes{
		Message:  "receipt already recorded",
		Severity: xerrors.SeverityWarning,
	})
}

// Receipt 记录一次成功结算的调用。金额以十进制字符串保存，避免精度损失。
//
// Payer 为实际签名付款的地址，取自结算计划。CallerAddress 为调用链根部的
// 调用方，由请求或 CallerContext 提供，仅用于归属展示，不代表付款人。
type Receipt struct {
	ID             string    `json:"id"`
	IntentID       string    `json:"intent_id"`
	AgentID        string    `json:"agent_id"`
	Payer          string    `json:"payer"`
	CallerAddress  string    `json:"caller_address"`
	CallingAgentID string    `json:"calling_agent_id,omitempty"`
	AgentPayout    string    `json:"agent_payout"`
	ProtocolPayout string    `json:"protocol_payout"`
	AssetRef       string    `json:"asset"`
	Decimals       uint8     `json:"decimals"`
	Total          string    `json:"total"`
	AgentShare     string    `json:"agent_share"`
	ProtocolFee    string    `json:"protocol_fee"`
	InputHash      string    `json:"input_hash"`
	OutputHash     string    `json:"output_hash"`
	Signature      string    `json:"signature"`
	ConfirmedAt    time.Time `json:"confirmed_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store 为回执存储接口。
type Store interface {
	Save(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	GetByIntent(ctx context.Context, intentID string) (*Receipt, error)
	GetBySignature(ctx context.Context, signature string) (*Receipt, error)
	List(ctx context.Context, opts ...ListOption) ([]*Receipt, error)
	Close() error
}

// HashPayload 计算 JSON 负载的内容哈希。合法 JSON 先压缩空白再计算，
// 使仅有格式差异的负载得到相同哈希。
func HashPayload(payload json.RawMessage) string {
	data := bytes.TrimSpace(payload)
	var compact bytes.Buffer
	if json.Valid(data) && json.Compact(&compact, data) == nil {
		data = compact.Bytes()
	}
	return crypto.Keccak256Hash(data).Hex()
}

// Clone 返回副本。
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func notFound(field, value string) error {
	return xerrors.New(CodeReceiptNotFound, "回执不存在", xerrors.WithMetadata(field, value))
}

// NotFound 构造回执不存在错误，供存储实现使用。
func NotFound(field, value string) error {
	return notFound(field, value)
}

// Duplicate 构造回执重复错误，供存储实现使用。
func Duplicate(id string, cause error) error {
	return xerrors.Wrap(CodeReceiptDuplicate, cause, "回执已存在", xerrors.WithMetadata("receipt_id", id))
}
