package settlement

import (
	"errors"

	xerrors "AgentPay-Chain/internal/errors"
)

// 结算相关错误码。
const (
	CodeUnsupportedAssetKind xerrors.Code = "UNSUPPORTED_ASSET_KIND"
	CodeFreshnessFetchFailed xerrors.Code = "FRESHNESS_FETCH_FAILED"
	CodeAccountQueryFailed   xerrors.Code = "ACCOUNT_QUERY_FAILED"
	CodeSealFailed           xerrors.Code = "SEAL_FAILED"
	CodeSubmitFailed         xerrors.Code = "SUBMIT_FAILED"
	CodeConfirmationFailed   xerrors.Code = "CONFIRMATION_FAILED"
)

// 账本实现通过包裹以下哨兵错误告知编排层可以重建交易。
var (
	// ErrFreshnessExpired 表示交易携带的新鲜度令牌已过期。
	ErrFreshnessExpired = errors.New("新鲜度令牌已过期")
	// ErrAccountExists 表示待创建的关联账户已被他人创建。
	ErrAccountExists = errors.New("关联账户已存在")
	// ErrInsufficientFunds 表示付款方余额不足。
	ErrInsufficientFunds = errors.New("余额不足")
	// ErrUnknownTransaction 表示账本中不存在该交易。
	ErrUnknownTransaction = errors.New("交易不存在")
	// ErrRejected 表示账本确定未接收该交易，例如签名无效或尚未广播即失败。
	ErrRejected = errors.New("账本拒绝交易")
)

func init() {
	xerrors.Register(CodeUnsupportedAssetKind, xerrors.Attributes{
		Message:  "unsupported asset kind",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeFreshnessFetchFailed, xerrors.Attributes{
		Message:   "failed to fetch freshness token",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeAccountQueryFailed, xerrors.Attributes{
		Message:   "failed to query associated accounts",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeSealFailed, xerrors.Attributes{
		Message:  "failed to seal transaction",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeSubmitFailed, xerrors.Attributes{
		Message:   "failed to submit transaction",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeConfirmationFailed, xerrors.Attributes{
		Message:  "transaction was not confirmed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Rebuildable 判断提交失败是否可以通过重建计划恢复。
func Rebuildable(err error) bool {
	return errors.Is(err, ErrFreshnessExpired) || errors.Is(err, ErrAccountExists)
}

// Rejected 判断提交错误是否能证明账本未接收交易。其余提交错误
// （如广播时连接中断）都可能已被账本接收，调用方必须按已提交处理。
func Rejected(err error) bool {
	return Rebuildable(err) || errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrRejected)
}
