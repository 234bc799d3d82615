package settlement

import (
	"context"
	"fmt"
	"math/big"

	xerrors "AgentPay-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// BuildRequest 为构建结算计划的输入。
type BuildRequest struct {
	Payer          common.Address
	AgentPayout    common.Address
	ProtocolPayout common.Address
	Total          *big.Int
	Fee            *big.Int
	AssetRef       string
}

// Builder 将一次调用的价格编译为结算计划。
type Builder struct {
	ledger      Ledger
	assets      *AssetRegistry
	provisioner *Provisioner
}

// NewBuilder 创建 Builder。
func NewBuilder(ledger Ledger, assets *AssetRegistry, deriver Deriver) *Builder {
	return &Builder{
		ledger:      ledger,
		assets:      assets,
		provisioner: NewProvisioner(deriver, ledger),
	}
}

// Assets 返回资产注册表。
func (b *Builder) Assets() *AssetRegistry { return b.assets }

// Ledger 返回底层账本。
func (b *Builder) Ledger() Ledger { return b.ledger }

// Build 获取新鲜度令牌并生成计划。
//
// 原生资产生成两笔转账；代币资产先为缺失账户生成创建操作，再生成两笔代币转账。
// 新鲜度获取失败直接返回 FRESHNESS_FETCH_FAILED，不在内部重试。
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*Plan, error) {
	asset, err := b.assets.Resolve(req.AssetRef)
	if err != nil {
		return nil, err
	}
	if req.Total == nil || req.Fee == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "总价与协议费不能为空")
	}
	if req.Fee.Sign() < 0 || req.Total.Cmp(req.Fee) < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("金额非法: total=%s fee=%s", req.Total, req.Fee))
	}
	agentShare := new(big.Int).Sub(req.Total, req.Fee)

	freshness, err := b.ledger.FreshnessToken(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeFreshnessFetchFailed, err, "")
	}

	plan := &Plan{
		FeePayer:       req.Payer,
		Freshness:      freshness,
		Asset:          asset,
		AgentPayout:    req.AgentPayout,
		ProtocolPayout: req.ProtocolPayout,
		Total:          new(big.Int).Set(req.Total),
		AgentShare:     agentShare,
		ProtocolFee:    new(big.Int).Set(req.Fee),
	}

	switch asset.Kind {
	case AssetNative:
		plan.Operations = []Operation{
			transfer(asset, req.Payer, req.AgentPayout, agentShare),
			transfer(asset, req.Payer, req.ProtocolPayout, req.Fee),
		}
	case AssetToken:
		provisioning, err := b.provisioner.EnsureAccounts(ctx, asset,
			[]common.Address{req.AgentPayout, req.ProtocolPayout}, req.Payer)
		if err != nil {
			return nil, err
		}
		// 付款方账户视为已存在。
		source := b.provisioner.Deriver().AssociatedAccount(asset, req.Payer)
		plan.Operations = append(plan.Operations, provisioning.CreationOps...)
		plan.Operations = append(plan.Operations,
			transfer(asset, source, provisioning.Accounts[req.AgentPayout], agentShare),
			transfer(asset, source, provisioning.Accounts[req.ProtocolPayout], req.Fee),
		)
	default:
		return nil, xerrors.New(CodeUnsupportedAssetKind, fmt.Sprintf("不支持的资产类型 %s", asset.Kind))
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func transfer(asset Asset, from, to common.Address, amount *big.Int) Operation {
	return Operation{
		Kind:   OpTransfer,
		Asset:  asset,
		From:   from,
		To:     to,
		Amount: new(big.Int).Set(amount),
	}
}
