package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Ledger 抽象结算所需的账本能力。
type Ledger interface {
	// FreshnessToken 返回新的新鲜度令牌及其过期高度，每次结算单独获取，不得缓存。
	FreshnessToken(ctx context.Context) (Freshness, error)
	// AccountExists 查询关联账户是否已存在。
	AccountExists(ctx context.Context, account common.Address, asset Asset) (bool, error)
	// Seal 将计划编译为账本交易并由 signer 签名。
	Seal(ctx context.Context, plan *Plan, signer Signer) (*SealedTransaction, error)
	// Submit 提交已签名交易，返回交易签名。令牌过期时返回包裹 ErrFreshnessExpired 的错误；
	// 能确定账本未接收时应包裹 ErrRejected、ErrInsufficientFunds 或 ErrAccountExists。
	Submit(ctx context.Context, tx *SealedTransaction) (string, error)
	// Confirm 查询交易确认状态。
	Confirm(ctx context.Context, signature string) (Confirmation, error)
}

// SealedTransaction 是签名后的交易。
type SealedTransaction struct {
	// Signature 为交易在账本上的唯一标识。
	Signature    string
	Raw          []byte
	Payer        common.Address
	ExpiryHeight uint64
	Plan         *Plan
}

// ConfirmationStatus 描述交易确认进度。
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationFailed    ConfirmationStatus = "failed"
)

// Confirmation 是一次确认查询的结果。
type Confirmation struct {
	Status ConfirmationStatus
	Height uint64
	Reason string
	// Cause 为失败对应的哨兵错误。交易因账户已被他人创建而回滚时为
	// ErrAccountExists，此时资金未移动，可以重建计划。
	Cause error
}

// Signer 是调用方注入的签名能力，只读，可被并发调用共享。
type Signer interface {
	Address() common.Address
	SignDigest(ctx context.Context, digest common.Hash) ([]byte, error)
}

// KeySigner 使用本地 secp256k1 私钥签名。
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner 包装一个私钥。
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// KeySignerFromHex 解析十六进制私钥，允许带 0x 前缀。
func KeySignerFromHex(hexKey string) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("私钥为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return NewKeySigner(key), nil
}

// Address 返回签名者地址。
func (s *KeySigner) Address() common.Address { return s.addr }

// SignDigest 对 32 字节摘要签名，返回 [R || S || V] 格式。
func (s *KeySigner) SignDigest(ctx context.Context, digest common.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return crypto.Sign(digest.Bytes(), s.key)
}

// RecoverSigner 由摘要与签名恢复签名者地址。
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("恢复签名者失败: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
