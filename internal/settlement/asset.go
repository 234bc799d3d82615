package settlement

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// AssetKind 区分原生资产与代币资产。
type AssetKind string

const (
	AssetNative AssetKind = "native"
	AssetToken  AssetKind = "token"
)

// NativeRef 为原生资产的引用名。
const NativeRef = "native"

// Asset 描述一次结算使用的资产。
type Asset struct {
	Kind     AssetKind      `json:"kind" yaml:"kind"`
	Token    common.Address `json:"token,omitempty" yaml:"token,omitempty"`
	Symbol   string         `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	Decimals uint8          `json:"decimals" yaml:"decimals"`
}

// IsNative 判断是否为原生资产。
func (a Asset) IsNative() bool { return a.Kind == AssetNative }

// Ref 返回资产引用，原生资产为 "native"，代币为合约地址。
func (a Asset) Ref() string {
	if a.IsNative() {
		return NativeRef
	}
	return a.Token.Hex()
}

// AssetRegistry 维护当前部署支持的资产，解析智能体声明的资产引用。
type AssetRegistry struct {
	mu     sync.RWMutex
	native Asset
	tokens map[common.Address]Asset
}

// NewAssetRegistry 创建资产注册表。
func NewAssetRegistry(nativeSymbol string, nativeDecimals uint8, tokens ...Asset) *AssetRegistry {
	r := &AssetRegistry{
		native: Asset{Kind: AssetNative, Symbol: nativeSymbol, Decimals: nativeDecimals},
		tokens: make(map[common.Address]Asset),
	}
	for _, token := range tokens {
		_ = r.Register(token)
	}
	return r
}

// Register 注册一个代币资产。
func (r *AssetRegistry) Register(asset Asset) error {
	if asset.Kind == "" {
		asset.Kind = AssetToken
	}
	if asset.Kind != AssetToken {
		return xerrors.New(CodeUnsupportedAssetKind, fmt.Sprintf("仅可注册代币资产，收到 %s", asset.Kind))
	}
	if asset.Token == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "代币地址不能为空")
	}
	r.mu.Lock()
	r.tokens[asset.Token] = asset
	r.mu.Unlock()
	return nil
}

// Resolve 将资产引用解析为 Asset。无法识别的引用返回 UNSUPPORTED_ASSET_KIND。
func (r *AssetRegistry) Resolve(ref string) (Asset, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.EqualFold(ref, NativeRef) {
		return r.native, nil
	}
	if !common.IsHexAddress(ref) {
		return Asset{}, xerrors.New(CodeUnsupportedAssetKind, fmt.Sprintf("无法识别的资产引用 %q", ref),
			xerrors.WithMetadata("asset", ref))
	}
	r.mu.RLock()
	asset, ok := r.tokens[common.HexToAddress(ref)]
	r.mu.RUnlock()
	if !ok {
		return Asset{}, xerrors.New(CodeUnsupportedAssetKind, fmt.Sprintf("代币 %s 未注册", ref),
			xerrors.WithMetadata("asset", ref))
	}
	return asset, nil
}

// Tokens 返回已注册的代币，按地址排序。
func (r *AssetRegistry) Tokens() []Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Asset, 0, len(r.tokens))
	for _, asset := range r.tokens {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token.Hex() < out[j].Token.Hex() })
	return out
}
