// Package memory 提供进程内账本，语义与链上结算路由合约一致，
// 用于本地开发与测试。
package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Option 定义账本可选配置。
type Option func(*Ledger)

// WithFreshnessWindow 设置令牌有效的区块数。
func WithFreshnessWindow(blocks uint64) Option {
	return func(l *Ledger) {
		if blocks > 0 {
			l.window = blocks
		}
	}
}

// WithConfirmAfter 设置交易在第几次确认查询时变为已确认。
func WithConfirmAfter(polls int) Option {
	return func(l *Ledger) {
		if polls > 0 {
			l.confirmAfter = polls
		}
	}
}

// WithDeriver 设置关联账户推导器。
func WithDeriver(d settlement.Deriver) Option {
	return func(l *Ledger) {
		l.deriver = d
	}
}

// WithStrictAccountCreation 让重复创建账户返回 ErrAccountExists，而不是视为成功。
func WithStrictAccountCreation() Option {
	return func(l *Ledger) {
		l.strictCreation = true
	}
}

// Stats 统计账本收到的调用次数。
type Stats struct {
	FreshnessCalls int
	AccountQueries int
	Submissions    int
	Accepted       int
}

type accountKey struct {
	token   common.Address
	account common.Address
}

type record struct {
	tx     *settlement.SealedTransaction
	height uint64
	polls  int
}

// Ledger 为进程内账本实现，可安全并发使用。
type Ledger struct {
	mu             sync.Mutex
	deriver        settlement.Deriver
	height         uint64
	window         uint64
	confirmAfter   int
	strictCreation bool
	nonce          uint64

	issued   map[common.Hash]uint64
	native   map[common.Address]*big.Int
	tokens   map[accountKey]*big.Int
	accounts map[accountKey]bool
	txs      map[string]*record

	stats        Stats
	freshnessErr error
	queryErr     error
	failConfirm  string
	beforeSubmit func()
}

// New 创建账本。
func New(opts ...Option) *Ledger {
	l := &Ledger{
		height:       1,
		window:       150,
		confirmAfter: 1,
		issued:       make(map[common.Hash]uint64),
		native:       make(map[common.Address]*big.Int),
		tokens:       make(map[accountKey]*big.Int),
		accounts:     make(map[accountKey]bool),
		txs:          make(map[string]*record),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// FreshnessToken 签发令牌，过期高度为当前高度加窗口。
func (l *Ledger) FreshnessToken(ctx context.Context) (settlement.Freshness, error) {
	if err := ctx.Err(); err != nil {
		return settlement.Freshness{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.FreshnessCalls++
	if l.freshnessErr != nil {
		return settlement.Freshness{}, l.freshnessErr
	}
	l.nonce++
	var seed [16]byte
	binary.BigEndian.PutUint64(seed[:8], l.height)
	binary.BigEndian.PutUint64(seed[8:], l.nonce)
	token := crypto.Keccak256Hash(seed[:])
	expiry := l.height + l.window
	l.issued[token] = expiry
	return settlement.Freshness{Token: token, ExpiryHeight: expiry}, nil
}

// AccountExists 查询关联账户是否存在。原生资产账户始终存在。
func (l *Ledger) AccountExists(ctx context.Context, account common.Address, asset settlement.Asset) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.AccountQueries++
	if l.queryErr != nil {
		return false, l.queryErr
	}
	if asset.IsNative() {
		return true, nil
	}
	return l.accounts[accountKey{token: asset.Token, account: account}], nil
}

// Seal 对计划摘要签名。
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
	sig, err := signer.SignDigest(ctx, plan.Digest())
	if err != nil {
		return nil, xerrors.Wrap(settlement.CodeSealFailed, err, "签名失败")
	}
	return &settlement.SealedTransaction{
		Signature:    hexutil.Encode(sig),
		Raw:          sig,
		Payer:        plan.FeePayer,
		ExpiryHeight: plan.Freshness.ExpiryHeight,
		Plan:         plan,
	}, nil
}

// Submit 原子地执行计划中的全部操作，任一操作失败则不改变任何状态。
func (l *Ledger) Submit(ctx context.Context, tx *settlement.SealedTransaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	hook := l.beforeSubmit
	l.mu.Unlock()
	if hook != nil {
		hook()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.Submissions++

	if tx == nil || tx.Plan == nil {
		return "", fmt.Errorf("交易为空: %w", settlement.ErrRejected)
	}
	plan := tx.Plan
	signer, err := settlement.RecoverSigner(plan.Digest(), tx.Raw)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, settlement.ErrRejected)
	}
	if signer != plan.FeePayer {
		return "", fmt.Errorf("签名无效: 恢复出 %s，期望 %s: %w", signer.Hex(), plan.FeePayer.Hex(), settlement.ErrRejected)
	}
	if _, dup := l.txs[tx.Signature]; dup {
		return "", fmt.Errorf("交易 %s 已提交: %w", tx.Signature, settlement.ErrRejected)
	}
	expiry, ok := l.issued[plan.Freshness.Token]
	if !ok || expiry != plan.Freshness.ExpiryHeight {
		return "", fmt.Errorf("未知的新鲜度令牌 %s: %w", plan.Freshness.Token.Hex(), settlement.ErrFreshnessExpired)
	}
	if l.height > expiry {
		return "", fmt.Errorf("当前高度 %d 超过 %d: %w", l.height, expiry, settlement.ErrFreshnessExpired)
	}

	st := newStage(l)
	for i, op := range plan.Operations {
		if err := st.apply(op, l.strictCreation); err != nil {
			if !settlement.Rejected(err) {
				err = fmt.Errorf("%w: %w", err, settlement.ErrRejected)
			}
			return "", fmt.Errorf("操作 %d (%s) 失败: %w", i, op.Kind, err)
		}
	}
	st.commit()

	l.txs[tx.Signature] = &record{tx: tx, height: l.height}
	l.height++
	l.stats.Accepted++
	return tx.Signature, nil
}

// Confirm 返回交易的确认状态。
func (l *Ledger) Confirm(ctx context.Context, signature string) (settlement.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return settlement.Confirmation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.txs[signature]
	if !ok {
		return settlement.Confirmation{}, settlement.ErrUnknownTransaction
	}
	rec.polls++
	if l.failConfirm != "" {
		return settlement.Confirmation{Status: settlement.ConfirmationFailed, Height: rec.height, Reason: l.failConfirm}, nil
	}
	if rec.polls >= l.confirmAfter {
		return settlement.Confirmation{Status: settlement.ConfirmationConfirmed, Height: rec.height}, nil
	}
	return settlement.Confirmation{Status: settlement.ConfirmationPending}, nil
}

// Fund 为地址增加原生资产余额。
func (l *Ledger) Fund(owner common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.native[owner] = new(big.Int).Add(balanceOf(l.native, owner), amount)
}

// FundToken 为 owner 创建关联账户并增加代币余额。
func (l *Ledger) FundToken(asset settlement.Asset, owner common.Address, amount *big.Int) common.Address {
	account := l.deriver.AssociatedAccount(asset, owner)
	key := accountKey{token: asset.Token, account: account}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[key] = true
	l.tokens[key] = new(big.Int).Add(tokenBalance(l.tokens, key), amount)
	return account
}

// CreateAccount 在账本外部创建关联账户，模拟并发创建。
func (l *Ledger) CreateAccount(asset settlement.Asset, owner common.Address) common.Address {
	account := l.deriver.AssociatedAccount(asset, owner)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[accountKey{token: asset.Token, account: account}] = true
	return account
}

// Balance 返回原生资产余额。
func (l *Ledger) Balance(owner common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(balanceOf(l.native, owner))
}

// TokenBalance 返回 owner 关联账户的代币余额。
func (l *Ledger) TokenBalance(asset settlement.Asset, owner common.Address) *big.Int {
	key := accountKey{token: asset.Token, account: l.deriver.AssociatedAccount(asset, owner)}
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(tokenBalance(l.tokens, key))
}

// HasAccount 判断 owner 的关联账户是否存在。
func (l *Ledger) HasAccount(asset settlement.Asset, owner common.Address) bool {
	key := accountKey{token: asset.Token, account: l.deriver.AssociatedAccount(asset, owner)}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[key]
}

// Advance 推进区块高度。
func (l *Ledger) Advance(blocks uint64) {
	l.mu.Lock()
	l.height += blocks
	l.mu.Unlock()
}

// Height 返回当前高度。
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// Stats 返回调用统计。
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// SetFreshnessError 让后续令牌请求返回 err，传 nil 恢复。
func (l *Ledger) SetFreshnessError(err error) {
	l.mu.Lock()
	l.freshnessErr = err
	l.mu.Unlock()
}

// SetAccountQueryError 让后续账户查询返回 err，传 nil 恢复。
func (l *Ledger) SetAccountQueryError(err error) {
	l.mu.Lock()
	l.queryErr = err
	l.mu.Unlock()
}

// FailConfirmations 让后续确认查询返回失败，reason 为空时恢复。
func (l *Ledger) FailConfirmations(reason string) {
	l.mu.Lock()
	l.failConfirm = reason
	l.mu.Unlock()
}

// BeforeSubmit 注册在每次提交前执行的回调。
func (l *Ledger) BeforeSubmit(fn func()) {
	l.mu.Lock()
	l.beforeSubmit = fn
	l.mu.Unlock()
}

// stage 暂存一次提交产生的状态变化，全部操作成功后才写回账本。
type stage struct {
	l        *Ledger
	native   map[common.Address]*big.Int
	tokens   map[accountKey]*big.Int
	accounts map[accountKey]bool
}

func newStage(l *Ledger) *stage {
	return &stage{
		l:        l,
		native:   make(map[common.Address]*big.Int),
		tokens:   make(map[accountKey]*big.Int),
		accounts: make(map[accountKey]bool),
	}
}

func (s *stage) apply(op settlement.Operation, strict bool) error {
	switch op.Kind {
	case settlement.OpCreateAccount:
		key := accountKey{token: op.Asset.Token, account: op.Account}
		if s.hasAccount(key) {
			if strict {
				return settlement.ErrAccountExists
			}
			return nil
		}
		if expected := s.l.deriver.AssociatedAccount(op.Asset, op.Owner); expected != op.Account {
			return fmt.Errorf("账户 %s 不是 %s 的关联账户", op.Account.Hex(), op.Owner.Hex())
		}
		s.accounts[key] = true
		return nil
	case settlement.OpTransfer:
		if op.Asset.IsNative() {
			from := s.nativeBalance(op.From)
			if from.Cmp(op.Amount) < 0 {
				return settlement.ErrInsufficientFunds
			}
			s.native[op.From] = new(big.Int).Sub(from, op.Amount)
			s.native[op.To] = new(big.Int).Add(s.nativeBalance(op.To), op.Amount)
			return nil
		}
		fromKey := accountKey{token: op.Asset.Token, account: op.From}
		toKey := accountKey{token: op.Asset.Token, account: op.To}
		if !s.hasAccount(fromKey) {
			return fmt.Errorf("付款账户 %s 不存在", op.From.Hex())
		}
		if !s.hasAccount(toKey) {
			return fmt.Errorf("收款账户 %s 不存在", op.To.Hex())
		}
		from := s.tokenBalance(fromKey)
		if from.Cmp(op.Amount) < 0 {
			return settlement.ErrInsufficientFunds
		}
		s.tokens[fromKey] = new(big.Int).Sub(from, op.Amount)
		s.tokens[toKey] = new(big.Int).Add(s.tokenBalance(toKey), op.Amount)
		return nil
	default:
		return fmt.Errorf("未知操作 %s", op.Kind)
	}
}

func (s *stage) hasAccount(key accountKey) bool {
	return s.accounts[key] || s.l.accounts[key]
}

func (s *stage) nativeBalance(owner common.Address) *big.Int {
	if v, ok := s.native[owner]; ok {
		return v
	}
	return balanceOf(s.l.native, owner)
}

func (s *stage) tokenBalance(key accountKey) *big.Int {
	if v, ok := s.tokens[key]; ok {
		return v
	}
	return tokenBalance(s.l.tokens, key)
}

func (s *stage) commit() {
	for key := range s.accounts {
		s.l.accounts[key] = true
	}
	for owner, v := range s.native {
		s.l.native[owner] = v
	}
	for key, v := range s.tokens {
		s.l.tokens[key] = v
	}
}

func balanceOf(m map[common.Address]*big.Int, owner common.Address) *big.Int {
	if v, ok := m[owner]; ok {
		return v
	}
	return new(big.Int)
}

func tokenBalance(m map[accountKey]*big.Int, key accountKey) *big.Int {
	if v, ok := m[key]; ok {
		return v
	}
	return new(big.Int)
}

var _ settlement.Ledger = (*Ledger)(nil)
