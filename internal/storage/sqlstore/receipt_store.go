package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/receipt"
)

const receiptColumns = `id, intent_id, agent_id, caller_address, calling_agent_id, agent_payout, protocol_payout, asset, decimals,
    total, agent_share, protocol_fee, input_hash, output_hash, signature, confirmed_at, created_at, payer`

const insertReceiptSQL = `INSERT INTO receipts
    (` + receiptColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// ReceiptStore 将回执持久化到 MySQL 或 SQLite。表只追加，不提供更新与删除。
type ReceiptStore struct {
	db *sql.DB
}

// NewReceiptStore 建立连接池并执行内置迁移。
func NewReceiptStore(ctx context.Context, cfg Config) (*ReceiptStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化回执存储失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行回执表迁移失败")
	}
	return &ReceiptStore{db: db}, nil
}

// Save 写入一条回执。ID、意图或签名重复时返回 RECEIPT_DUPLICATE。
func (s *ReceiptStore) Save(ctx context.Context, r *receipt.Receipt) error {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "回执 ID 不能为空")
	}
	_, err := s.db.ExecContext(ctx, insertReceiptSQL,
		r.ID,
		r.IntentID,
		r.AgentID,
		r.CallerAddress,
		r.CallingAgentID,
		r.AgentPayout,
		r.ProtocolPayout,
		r.AssetRef,
		int64(r.Decimals),
		r.Total,
		r.AgentShare,
		r.ProtocolFee,
		r.InputHash,
		r.OutputHash,
		r.Signature,
		r.ConfirmedAt.UnixMilli(),
		r.CreatedAt.UnixMilli(),
		r.Payer,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return receipt.Duplicate(r.ID, err)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入回执失败")
	}
	return nil
}

// Get 按 ID 查询回执。
func (s *ReceiptStore) Get(ctx context.Context, id string) (*receipt.Receipt, error) {
	return s.getBy(ctx, "id", id)
}

// GetByIntent 按意图 ID 查询回执。
func (s *ReceiptStore) GetByIntent(ctx context.Context, intentID string) (*receipt.Receipt, error) {
	return s.getBy(ctx, "intent_id", intentID)
}

// GetBySignature 按交易签名查询回执。
func (s *ReceiptStore) GetBySignature(ctx context.Context, signature string) (*receipt.Receipt, error) {
	return s.getBy(ctx, "signature", signature)
}

func (s *ReceiptStore) getBy(ctx context.Context, column, value string) (*receipt.Receipt, error) {
	query := `SELECT ` + receiptColumns + `
    FROM receipts WHERE ` + column + ` = ?`
	rows, err := s.db.QueryContext(ctx, query, value)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询回执失败")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询回执失败")
		}
		return nil, receipt.NotFound(column, value)
	}
	r, err := scanReceipt(rows)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// List 按过滤条件分页查询回执。
func (s *ReceiptStore) List(ctx context.Context, opts ...receipt.ListOption) ([]*receipt.Receipt, error) {
	query, args := buildListQuery(receipt.BuildListOptions(opts))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询回执列表失败")
	}
	defer rows.Close()

	results := make([]*receipt.Receipt, 0)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历回执列表失败")
	}
	return results, nil
}

func buildListQuery(opts receipt.ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if opts.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.Payer != "" {
		clauses = append(clauses, "LOWER(payer) = ?")
		args = append(args, strings.ToLower(opts.Payer))
	}
	if opts.CallerAddress != "" {
		clauses = append(clauses, "LOWER(caller_address) = ?")
		args = append(args, strings.ToLower(opts.CallerAddress))
	}
	if opts.ConfirmedSince > 0 {
		clauses = append(clauses, "confirmed_at >= ?")
		args = append(args, opts.ConfirmedSince)
	}
	if opts.ConfirmedUntil > 0 {
		clauses = append(clauses, "confirmed_at <= ?")
		args = append(args, opts.ConfirmedUntil)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(receiptColumns)
	b.WriteString(" FROM receipts")
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	if opts.Order == receipt.SortByConfirmedAsc {
		b.WriteString(" ORDER BY confirmed_at ASC, id ASC")
	} else {
		b.WriteString(" ORDER BY confirmed_at DESC, id ASC")
	}
	b.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, opts.Limit, opts.Offset)
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*receipt.Receipt, error) {
	var (
		r         receipt.Receipt
		decimals  int64
		confirmed int64
		created   int64
	)
	if err := row.Scan(
		&r.ID,
		&r.IntentID,
		&r.AgentID,
		&r.CallerAddress,
		&r.CallingAgentID,
		&r.AgentPayout,
		&r.ProtocolPayout,
		&r.AssetRef,
		&decimals,
		&r.Total,
		&r.AgentShare,
		&r.ProtocolFee,
		&r.InputHash,
		&r.OutputHash,
		&r.Signature,
		&confirmed,
		&created,
		&r.Payer,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析回执失败")
	}
	if decimals < 0 || decimals > 255 {
		return nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("回执 %s 精度非法: %d", r.ID, decimals))
	}
	r.Decimals = uint8(decimals)
	r.ConfirmedAt = time.UnixMilli(confirmed).UTC()
	r.CreatedAt = time.UnixMilli(created).UTC()
	return &r, nil
}

// Close 关闭底层数据库连接。
func (s *ReceiptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping 检查数据库连通性。
func (s *ReceiptStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("回执存储未初始化")
	}
	return s.db.PingContext(ctx)
}

var _ receipt.Store = (*ReceiptStore)(nil)
