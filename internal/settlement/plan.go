package settlement

import (
	"encoding/binary"
	"fmt"
	"math/big"

	xerrors "AgentPay-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// BasisPoints 为费率分母。
const BasisPoints = 10_000

// OpKind 区分计划中的操作类型。
type OpKind string

const (
	OpCreateAccount OpKind = "create_account"
	OpTransfer      OpKind = "transfer"
)

// Operation 是结算计划中的一条操作。
//
// 创建操作使用 Payer/Owner/Account，转账操作使用 From/To/Amount。
type Operation struct {
	Kind    OpKind         `json:"kind"`
	Asset   Asset          `json:"asset"`
	Payer   common.Address `json:"payer,omitempty"`
	Owner   common.Address `json:"owner,omitempty"`
	Account common.Address `json:"account,omitempty"`
	From    common.Address `json:"from,omitempty"`
	To      common.Address `json:"to,omitempty"`
	Amount  *big.Int       `json:"amount,omitempty"`
}

// Freshness 为账本签发的新鲜度令牌，ExpiryHeight 之后提交将被拒绝。
type Freshness struct {
	Token        common.Hash `json:"token"`
	ExpiryHeight uint64      `json:"expiryHeight"`
}

// Plan 是一次调用的结算计划：先创建缺失账户，再执行两笔转账。
type Plan struct {
	Operations     []Operation    `json:"operations"`
	FeePayer       common.Address `json:"feePayer"`
	Freshness      Freshness      `json:"freshness"`
	Asset          Asset          `json:"asset"`
	AgentPayout    common.Address `json:"agentPayout"`
	ProtocolPayout common.Address `json:"protocolPayout"`
	Total          *big.Int       `json:"total"`
	AgentShare     *big.Int       `json:"agentShare"`
	ProtocolFee    *big.Int       `json:"protocolFee"`
}

// CreationOps 返回全部账户创建操作。
func (p *Plan) CreationOps() []Operation {
	return p.filter(OpCreateAccount)
}

// Transfers 返回全部转账操作。
func (p *Plan) Transfers() []Operation {
	return p.filter(OpTransfer)
}

func (p *Plan) filter(kind OpKind) []Operation {
	var out []Operation
	for _, op := range p.Operations {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// Validate 校验计划的结构与金额不变量。
func (p *Plan) Validate() error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算计划为空")
	}
	if p.Total == nil || p.AgentShare == nil || p.ProtocolFee == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算金额缺失")
	}
	if new(big.Int).Add(p.AgentShare, p.ProtocolFee).Cmp(p.Total) != 0 {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("分账不平衡: %s + %s != %s", p.AgentShare, p.ProtocolFee, p.Total))
	}

	transfers := 0
	seenTransfer := false
	for i, op := range p.Operations {
		switch op.Kind {
		case OpCreateAccount:
			if seenTransfer {
				return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 个操作: 账户创建必须位于转账之前", i))
			}
		case OpTransfer:
			seenTransfer = true
			transfers++
			if op.Amount == nil || op.Amount.Sign() < 0 {
				return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 个操作: 转账金额非法", i))
			}
		default:
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 个操作: 未知类型 %s", i, op.Kind))
		}
	}
	if transfers != 2 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("结算计划必须包含两笔转账，实际 %d 笔", transfers))
	}
	return nil
}

// Digest 返回计划的规范摘要，签名者对其签名。
func (p *Plan) Digest() common.Hash {
	var buf []byte
	buf = append(buf, []byte("agentpay.plan.v1")...)
	buf = append(buf, p.Freshness.Token.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, p.Freshness.ExpiryHeight)
	buf = append(buf, p.FeePayer.Bytes()...)
	buf = append(buf, []byte(p.Asset.Kind)...)
	buf = append(buf, p.Asset.Token.Bytes()...)
	for _, op := range p.Operations {
		buf = append(buf, []byte(op.Kind)...)
		switch op.Kind {
		case OpCreateAccount:
			buf = append(buf, op.Payer.Bytes()...)
			buf = append(buf, op.Owner.Bytes()...)
			buf = append(buf, op.Account.Bytes()...)
		case OpTransfer:
			buf = append(buf, op.From.Bytes()...)
			buf = append(buf, op.To.Bytes()...)
			buf = append(buf, common.LeftPadBytes(amountBytes(op.Amount), 32)...)
		}
	}
	return crypto.Keccak256Hash(buf)
}

func amountBytes(v *big.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}

// Split 按基点计算协议费，返回 (智能体份额, 协议费)。协议费向下取整。
func Split(total *big.Int, feeBps uint32) (*big.Int, *big.Int, error) {
	if total == nil || total.Sign() < 0 {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "总价必须为非负整数")
	}
	if feeBps > BasisPoints {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("费率 %d 超过 %d 基点", feeBps, BasisPoints))
	}
	fee := new(big.Int).Mul(total, big.NewInt(int64(feeBps)))
	fee.Quo(fee, big.NewInt(BasisPoints))
	return new(big.Int).Sub(total, fee), fee, nil
}
