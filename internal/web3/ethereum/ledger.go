package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/settlement"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// RouterABI is the settlement router interface. settle reverts when
// block.number exceeds expiryHeight, when freshness is not a recent block
// hash, or when an account listed in createFor already exists.
const RouterABI = `[{
	"type": "function",
	"name": "settle",
	"stateMutability": "payable",
	"inputs": [
		{"name": "expiryHeight", "type": "uint64"},
		{"name": "freshness", "type": "bytes32"},
		{"name": "asset", "type": "address"},
		{"name": "createFor", "type": "address[]"},
		{"name": "recipients", "type": "address[]"},
		{"name": "amounts", "type": "uint256[]"}
	],
	"outputs": []
}]`

var routerABI = mustParseABI(RouterABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse router abi: %v", err))
	}
	return parsed
}

// Backend is the subset of ethclient.Client the ledger depends on.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config describes an EVM settlement deployment.
type Config struct {
	Name            string
	RPCURL          string
	Router          common.Address
	FreshnessWindow uint64
	Confirmations   uint64
	// GasMarginPercent is added on top of the estimated gas limit.
	GasMarginPercent uint64
}

func (c *Config) applyDefaults() {
	if c.FreshnessWindow == 0 {
		c.FreshnessWindow = 64
	}
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
	if c.GasMarginPercent == 0 {
		c.GasMarginPercent = 20
	}
}

// Ledger implements settlement.Ledger on an EVM chain through the router contract.
type Ledger struct {
	name    string
	cfg     Config
	backend Backend
	closer  func()

	mu      sync.Mutex
	chainID *big.Int
	// creating tracks, per submitted transaction, the associated accounts
	// its createFor list deploys, so a revert can be attributed to a race.
	creating map[string][]common.Address
}

// Dial connects to the configured RPC endpoint and returns a ready-to-use ledger.
func Dial(ctx context.Context, cfg Config) (*Ledger, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if cfg.Router == (common.Address{}) {
		return nil, errors.New("未配置结算路由合约地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	ledger := NewLedger(eth, cfg)
	ledger.closer = eth.Close
	return ledger, nil
}

// NewLedger wraps an existing backend, typically a fake in tests.
func NewLedger(backend Backend, cfg Config) *Ledger {
	cfg.applyDefaults()
	return &Ledger{name: cfg.Name, cfg: cfg, backend: backend, creating: make(map[string][]common.Address)}
}

// Name returns the configured chain name.
func (l *Ledger) Name() string { return l.name }

// Close releases the RPC connection, if any.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer != nil {
		l.closer()
		l.closer = nil
	}
}

func (l *Ledger) chain(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.chainID != nil {
		return l.chainID, nil
	}
	id, err := l.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	l.chainID = new(big.Int).Set(id)
	return l.chainID, nil
}

// FreshnessToken uses the latest block hash; the router accepts it until
// ExpiryHeight.
func (l *Ledger) FreshnessToken(ctx context.Context) (settlement.Freshness, error) {
	head, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return settlement.Freshness{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	return settlement.Freshness{
		Token:        head.Hash(),
		ExpiryHeight: head.Number.Uint64() + l.cfg.FreshnessWindow,
	}, nil
}

// AccountExists reports whether the associated account contract is deployed.
func (l *Ledger) AccountExists(ctx context.Context, account common.Address, asset settlement.Asset) (bool, error) {
	if asset.IsNative() {
		return true, nil
	}
	code, err := l.backend.CodeAt(ctx, account, nil)
	if err != nil {
		return false, fmt.Errorf("查询账户 %s 失败: %w", account.Hex(), err)
	}
	return len(code) > 0, nil
}

// Seal compiles the plan into a router call and signs it as a dynamic fee transaction.
func (l *Ledger) Seal(ctx context.Context, plan *settlement.Plan, signer settlement.Signer) (*settlement.SealedTransaction, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, xerrors.New(settlement.CodeSealFailed, "缺少签名者")
	}
	if signer.Address() != plan.FeePayer {
		return nil, xerrors.New(settlement.CodeSealFailed,
			fmt.Sprintf("签名者 %s 与付款方 %s 不一致", signer.Address().Hex(), plan.FeePayer.Hex()))
	}

	data, value, err := EncodePlan(plan)
	if err != nil {
		return nil, xerrors.Wrap(settlement.CodeSealFailed, err, "编码结算调用失败")
	}
	chainID, err := l.chain(ctx)
	if err != nil {
		return nil, xerrors.Wrap(settlement.CodeSealFailed, err, "获取链 ID 失败")
	}
	nonce, err := l.backend.PendingNonceAt(ctx, plan.FeePayer)
	if err != nil {
		return nil, xerrors.Wrap(settlement.CodeSealFailed, err, "获取 nonce 失败")
	}
	tip, err := l.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, xerrors.Wrap(settlement.CodeSealFailed, err, "获取小费建议失败")
	}
	head, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(settlement.CodeSealFailed, err, "获取最新区块失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	router := l.cfg.Router
	gas, err := l.backend.EstimateGas(ctx, gethcore.CallMsg{
		From:  plan.FeePayer,
		To:    &router,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, xerrors.Wrap(settlement.CodeSealFailed, classifyRevert(err), "估算 gas 失败")
	}
	gas += gas * l.cfg.GasMarginPercent / 100

	unsigned := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &router,
		Value:     value,
		Data:      data,
	})
	txSigner := coretypes.LatestSignerForChainID(chainID)
	sig, err := signer.SignDigest(ctx, txSigner.Hash(unsigned))
	if err != nil {
		return nil, xerrors.Wrap(settlement.CodeSealFailed, err, "签名失败")
	}
	signed, err := unsigned.WithSignature(txSigner, sig)
	if err != nil {
		return nil, xerrors.Wrap(settlement.CodeSealFailed, err, "附加签名失败")
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(settlement.CodeSealFailed, err, "序列化交易失败")
	}
	return &settlement.SealedTransaction{
		Signature:    signed.Hash().Hex(),
		Raw:          raw,
		Payer:        plan.FeePayer,
		ExpiryHeight: plan.Freshness.ExpiryHeight,
		Plan:         plan,
	}, nil
}

// EncodePlan packs the plan into router calldata and returns the value to attach.
func EncodePlan(plan *settlement.Plan) ([]byte, *big.Int, error) {
	createFor := make([]common.Address, 0, len(plan.Operations))
	recipients := make([]common.Address, 0, 2)
	amounts := make([]*big.Int, 0, 2)
	for _, op := range plan.Operations {
		switch op.Kind {
		case settlement.OpCreateAccount:
			createFor = append(createFor, op.Owner)
		case settlement.OpTransfer:
			recipients = append(recipients, op.To)
			amounts = append(amounts, new(big.Int).Set(op.Amount))
		}
	}
	var asset common.Address
	value := new(big.Int)
	if plan.Asset.IsNative() {
		value.Set(plan.Total)
	} else {
		asset = plan.Asset.Token
	}
	data, err := routerABI.Pack("settle",
		plan.Freshness.ExpiryHeight,
		[32]byte(plan.Freshness.Token),
		asset,
		createFor,
		recipients,
		amounts,
	)
	if err != nil {
		return nil, nil, err
	}
	return data, value, nil
}

// Submit broadcasts the signed transaction. Submissions past the expiry
// height are rejected locally with settlement.ErrFreshnessExpired. Errors the
// node returns before admitting the transaction wrap settlement.ErrRejected;
// any other broadcast error leaves the transaction possibly in flight.
func (l *Ledger) Submit(ctx context.Context, sealed *settlement.SealedTransaction) (string, error) {
	if sealed == nil || len(sealed.Raw) == 0 {
		return "", fmt.Errorf("交易为空: %w", settlement.ErrRejected)
	}
	height, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return "", fmt.Errorf("获取区块高度失败: %w: %w", err, settlement.ErrRejected)
	}
	if height > sealed.ExpiryHeight {
		return "", fmt.Errorf("当前高度 %d 超过过期高度 %d: %w", height, sealed.ExpiryHeight, settlement.ErrFreshnessExpired)
	}

	tx := new(coretypes.Transaction)
	if err := tx.UnmarshalBinary(sealed.Raw); err != nil {
		return "", fmt.Errorf("解析交易失败: %w: %w", err, settlement.ErrRejected)
	}
	signature := tx.Hash().Hex()
	// Registered before broadcasting: a lost acknowledgement may still be mined.
	l.track(signature, sealed.Plan)
	if err := l.backend.SendTransaction(ctx, tx); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already known") {
			return signature, nil
		}
		classified := classifyRevert(err)
		if settlement.Rejected(classified) {
			l.untrack(signature)
			return "", fmt.Errorf("广播交易被拒绝: %w", classified)
		}
		return "", fmt.Errorf("广播交易失败: %w", err)
	}
	return signature, nil
}

// rejectionReasons are txpool and router errors returned before a
// transaction is admitted.
var rejectionReasons = []string{
	"intrinsic gas too low",
	"invalid sender",
	"max fee per gas less than block base fee",
	"exceeds block gas limit",
	"gas limit reached",
	"execution reverted",
}

// classifyRevert maps node and router error messages onto settlement sentinels.
func classifyRevert(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "account already exists"), strings.Contains(msg, "account exists"):
		return fmt.Errorf("%w: %w", err, settlement.ErrAccountExists)
	case strings.Contains(msg, "expired"), strings.Contains(msg, "stale freshness"):
		return fmt.Errorf("%w: %w", err, settlement.ErrFreshnessExpired)
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient balance"):
		return fmt.Errorf("%w: %w", err, settlement.ErrInsufficientFunds)
	}
	for _, reason := range rejectionReasons {
		if strings.Contains(msg, reason) {
			return fmt.Errorf("%w: %w", err, settlement.ErrRejected)
		}
	}
	return err
}

func (l *Ledger) track(signature string, plan *settlement.Plan) {
	if plan == nil || plan.Asset.IsNative() {
		return
	}
	var accounts []common.Address
	for _, op := range plan.CreationOps() {
		accounts = append(accounts, op.Account)
	}
	if len(accounts) == 0 {
		return
	}
	l.mu.Lock()
	l.creating[signature] = accounts
	l.mu.Unlock()
}

func (l *Ledger) untrack(signature string) []common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	accounts := l.creating[signature]
	delete(l.creating, signature)
	return accounts
}

// Confirm reports confirmed once the receipt is Confirmations blocks deep.
// A reverted settle whose createFor accounts now carry code lost a creation
// race; the confirmation then carries settlement.ErrAccountExists.
func (l *Ledger) Confirm(ctx context.Context, signature string) (settlement.Confirmation, error) {
	hash := common.HexToHash(signature)
	receipt, err := l.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		return settlement.Confirmation{Status: settlement.ConfirmationPending}, nil
	}
	if err != nil {
		return settlement.Confirmation{}, fmt.Errorf("查询交易回执失败: %w", err)
	}
	included := receipt.BlockNumber.Uint64()
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		conf := settlement.Confirmation{
			Status: settlement.ConfirmationFailed,
			Height: included,
			Reason: "execution reverted",
		}
		if l.lostCreationRace(ctx, signature) {
			conf.Reason = "execution reverted: account already exists"
			conf.Cause = settlement.ErrAccountExists
		}
		return conf, nil
	}
	head, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return settlement.Confirmation{}, fmt.Errorf("获取区块高度失败: %w", err)
	}
	if head+1 < included+l.cfg.Confirmations {
		return settlement.Confirmation{Status: settlement.ConfirmationPending, Height: included}, nil
	}
	l.untrack(signature)
	return settlement.Confirmation{Status: settlement.ConfirmationConfirmed, Height: included}, nil
}

func (l *Ledger) lostCreationRace(ctx context.Context, signature string) bool {
	for _, account := range l.untrack(signature) {
		code, err := l.backend.CodeAt(ctx, account, nil)
		if err == nil && len(code) > 0 {
			return true
		}
	}
	return false
}

var _ settlement.Ledger = (*Ledger)(nil)
