package settlement

import (
	"context"
	"fmt"

	xerrors "AgentPay-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Deriver 确定性地推导代币关联账户地址。
//
// 关联账户由账户工厂通过 CREATE2 部署，salt 为 keccak256(token || owner)，
// 因此地址只取决于 (资产, 所有者)，推导不需要任何网络访问。
type Deriver struct {
	Factory      common.Address
	InitCodeHash common.Hash
}

// AssociatedAccount 返回 owner 在 asset 下的关联账户。原生资产直接返回 owner。
func (d Deriver) AssociatedAccount(asset Asset, owner common.Address) common.Address {
	if asset.IsNative() {
		return owner
	}
	salt := crypto.Keccak256Hash(asset.Token.Bytes(), owner.Bytes())
	return crypto.CreateAddress2(d.Factory, salt, d.InitCodeHash.Bytes())
}

// AccountQuerier 为 Provisioner 所需的账本查询能力。
type AccountQuerier interface {
	AccountExists(ctx context.Context, account common.Address, asset Asset) (bool, error)
}

// Provisioning 为一次账户准备的结果。
type Provisioning struct {
	// Accounts 将收款人映射到实际入账地址。
	Accounts    map[common.Address]common.Address
	CreationOps []Operation
	Existing    []common.Address
	Missing     []common.Address
}

// Existed 返回已有关联账户的收款人数。
func (p *Provisioning) Existed() int { return len(p.Existing) }

// Created 返回本次需要创建关联账户的收款人数。
func (p *Provisioning) Created() int { return len(p.CreationOps) }

// Provisioner 确保收款人具备接收资产的关联账户。
type Provisioner struct {
	deriver Deriver
	query   AccountQuerier
}

// NewProvisioner 创建 Provisioner。
func NewProvisioner(deriver Deriver, query AccountQuerier) *Provisioner {
	return &Provisioner{deriver: deriver, query: query}
}

// Deriver 返回使用的地址推导器。
func (p *Provisioner) Deriver() Deriver { return p.deriver }

// EnsureAccounts 为缺少关联账户的收款人生成由 payer 出资的创建操作。
// 原生资产无需关联账户，直接返回。重复的收款人只处理一次。
func (p *Provisioner) EnsureAccounts(ctx context.Context, asset Asset, recipients []common.Address, payer common.Address) (*Provisioning, error) {
	result := &Provisioning{Accounts: make(map[common.Address]common.Address, len(recipients))}
	if asset.IsNative() {
		for _, owner := range recipients {
			result.Accounts[owner] = owner
		}
		return result, nil
	}
	if asset.Kind != AssetToken {
		return nil, xerrors.New(CodeUnsupportedAssetKind, fmt.Sprintf("不支持的资产类型 %s", asset.Kind))
	}

	for _, owner := range recipients {
		if _, done := result.Accounts[owner]; done {
			continue
		}
		account := p.deriver.AssociatedAccount(asset, owner)
		result.Accounts[owner] = account

		exists, err := p.query.AccountExists(ctx, account, asset)
		if err != nil {
			return nil, xerrors.Wrap(CodeAccountQueryFailed, err, fmt.Sprintf("查询账户 %s 失败", account.Hex()),
				xerrors.WithMetadata("owner", owner.Hex()))
		}
		if exists {
			result.Existing = append(result.Existing, owner)
			continue
		}
		result.Missing = append(result.Missing, owner)
		result.CreationOps = append(result.CreationOps, Operation{
			Kind:    OpCreateAccount,
			Asset:   asset,
			Payer:   payer,
			Owner:   owner,
			Account: account,
		})
	}
	return result, nil
}
