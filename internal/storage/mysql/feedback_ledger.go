package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/feedback"
)

const feedbackColumns = `id, chain_id, agent_id, client_address, signer_address, identity_registry, index_limit, expiry, signature, issued_at`

// FeedbackLedger stores issued feedback auths in the feedback_auths table.
type FeedbackLedger struct {
	db *sql.DB
}

var _ feedback.Ledger = (*FeedbackLedger)(nil)

// NewFeedbackLedger opens the pool and applies pending migrations.
func NewFeedbackLedger(ctx context.Context, cfg Config) (*FeedbackLedger, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &FeedbackLedger{db: db}, nil
}

// NewFeedbackLedgerWithDB wraps an already migrated handle.
func NewFeedbackLedgerWithDB(db *sql.DB) *FeedbackLedger {
	return &FeedbackLedger{db: db}
}

// Append implements feedback.Ledger.
func (l *FeedbackLedger) Append(ctx context.Context, record feedback.Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "反馈授权记录缺少 ID")
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO feedback_auths (`+feedbackColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.ChainID,
		record.AgentID,
		record.ClientAddress.Hex(),
		record.SignerAddress.Hex(),
		record.IdentityRegistry.Hex(),
		record.IndexLimit,
		record.Expiry,
		record.Signature,
		record.IssuedAt.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "反馈授权记录已存在",
				xerrors.WithMetadata("id", record.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入反馈授权记录失败")
	}
	return nil
}

// List implements feedback.Ledger, newest first.
func (l *FeedbackLedger) List(ctx context.Context, query feedback.Query) ([]feedback.Record, error) {
	stmt, args := buildListQuery(query)
	rows, err := l.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询反馈授权记录失败")
	}
	defer rows.Close()

	var out []feedback.Record
	for rows.Next() {
		var (
			rec                      feedback.Record
			client, signer, registry string
			issuedAt                 int64
		)
		if err := rows.Scan(&rec.ID, &rec.ChainID, &rec.AgentID, &client, &signer, &registry,
			&rec.IndexLimit, &rec.Expiry, &rec.Signature, &issuedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析反馈授权记录失败")
		}
		rec.ClientAddress = common.HexToAddress(client)
		rec.SignerAddress = common.HexToAddress(signer)
		rec.IdentityRegistry = common.HexToAddress(registry)
		rec.IssuedAt = time.UnixMilli(issuedAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历反馈授权记录失败")
	}
	return out, nil
}

// Close releases the pool.
func (l *FeedbackLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func buildListQuery(query feedback.Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	if query.ChainID != 0 {
		where = append(where, "chain_id = ?")
		args = append(args, query.ChainID)
	}
	if query.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, query.AgentID)
	}
	if query.ClientAddress != (common.Address{}) {
		where = append(where, "client_address = ?")
		args = append(args, query.ClientAddress.Hex())
	}

	var b strings.Builder
	b.WriteString("SELECT " + feedbackColumns + " FROM feedback_auths")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY issued_at DESC")
	if query.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, query.Limit)
	}
	return b.String(), args
}
