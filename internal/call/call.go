// Package call 编排一次付费调用：校验输入、调用端点、校验输出，
// 仅当结果合法时才构建并提交结算交易，确认后写入回执。
package call

import (
	"encoding/json"
	"time"

	"AgentPay-Chain/internal/callerctx"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/receipt"
	"AgentPay-Chain/internal/schema"

	"github.com/ethereum/go-ethereum/common"
)

// State 为调用所处的阶段。
type State string

// 调用状态按顺序推进，失败状态均为终态。
const (
	StateCreated          State = "Created"
	StateInputValidated   State = "InputValidated"
	StateEndpointInvoked  State = "EndpointInvoked"
	StateOutputValidated  State = "OutputValidated"
	StateSettled          State = "Settled"
	StateReceipted        State = "Receipted"
	StateInputRejected    State = "InputRejected"
	StateEndpointFailed   State = "EndpointFailed"
	StateOutputRejected   State = "OutputRejected"
	StateSettlementFailed State = "SettlementFailed"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateReceipted, StateInputRejected, StateEndpointFailed, StateOutputRejected, StateSettlementFailed:
		return true
	default:
		return false
	}
}

// Paid 判断该状态下付款是否已经发生。
func (s State) Paid() bool {
	return s == StateSettled || s == StateReceipted
}

// Delivered 判断调用方是否已获得通过校验的输出。SettlementFailed 表示结果已交付
// 但付款未能确认，输出随错误一并返回。
func (s State) Delivered() bool {
	return s.Paid() || s == StateSettlementFailed
}

// 编排相关错误码。
const (
	CodeInputRejected        xerrors.Code = "INPUT_REJECTED"
	CodeEndpointFailed       xerrors.Code = "ENDPOINT_FAILED"
	CodeOutputRejected       xerrors.Code = "OUTPUT_REJECTED"
	CodeSettlementFailed     xerrors.Code = "SETTLEMENT_FAILED"
	CodeReceiptPersistFailed xerrors.Code = "RECEIPT_PERSIST_FAILED"
)

func init() {
	xerrors.Register(CodeInputRejected, xerrors.Attributes{
		Message:  "input does not match the agent input schema",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEndpointFailed, xerrors.Attributes{
		Message:   "agent endpoint failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeOutputRejected, xerrors.Attributes{
		Message:  "agent output does not match the output schema",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{
		Message:  "settlement failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeReceiptPersistFailed, xerrors.Attributes{
		Message:  "payment confirmed but receipt could not be stored",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Intent 为一次调用请求，不持久化，仅其 ID 记入回执与去重守卫。
type Intent struct {
	ID      string
	AgentID string
	Input   json.RawMessage
	// Caller 为调用链根部的调用方，只作为回执上的归属信息，为空时取签名者地址。
	// 实际付款人始终是签名者，记入回执的 Payer。
	Caller common.Address
	// CallerContext 由协调型智能体在嵌套调用时传入，原样转交端点。
	CallerContext *callerctx.CallerContext
	CreatedAt     time.Time
}

// Outcome 为一次调用的结果。
type Outcome struct {
	IntentID   string
	AgentID    string
	State      State
	Output     json.RawMessage
	Receipt    *receipt.Receipt
	Signature  string
	Violations []schema.Violation
	Err        error
}

// Succeeded 判断调用是否完整结束并写入回执。
func (o *Outcome) Succeeded() bool {
	return o != nil && o.State == StateReceipted && o.Err == nil
}

// ReceiptID 返回回执 ID，未写入时为空。
func (o *Outcome) ReceiptID() string {
	if o == nil || o.Receipt == nil {
		return ""
	}
	return o.Receipt.ID
}

// Code 返回失败的错误码，成功时为空。
func (o *Outcome) Code() xerrors.Code {
	if o == nil || o.Err == nil {
		return ""
	}
	return xerrors.CodeOf(o.Err)
}
