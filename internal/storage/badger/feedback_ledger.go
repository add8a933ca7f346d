package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/feedback"
)

const (
	recordPrefix = "feedback/rec/"
	idPrefix     = "feedback/id/"
)

// Config 描述 Badger 账本的存储位置。Path 为空时使用内存模式。
type Config struct {
	Path string
}

// FeedbackLedger stores feedback auth records in Badger.
type FeedbackLedger struct {
	db *badgerdb.DB
}

var _ feedback.Ledger = (*FeedbackLedger)(nil)

// NewFeedbackLedger opens (or creates) the database.
func NewFeedbackLedger(cfg Config) (*FeedbackLedger, error) {
	opts := badgerdb.DefaultOptions(cfg.Path).WithLogger(nil)
	if strings.TrimSpace(cfg.Path) == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 Badger 数据库失败",
			xerrors.WithMetadata("path", cfg.Path))
	}
	return &FeedbackLedger{db: db}, nil
}

// Append implements feedback.Ledger. Duplicate IDs are rejected.
func (l *FeedbackLedger) Append(ctx context.Context, record feedback.Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "反馈授权记录缺少 ID")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化反馈授权记录失败")
	}
	key := recordKey(record)
	err = l.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(idPrefix + record.ID))
		switch {
		case err == nil:
			return errDuplicate
		case !errors.Is(err, badgerdb.ErrKeyNotFound):
			return err
		}
		if err := txn.Set([]byte(idPrefix+record.ID), key); err != nil {
			return err
		}
		return txn.Set(key, payload)
	})
	if errors.Is(err, errDuplicate) {
		return xerrors.New(xerrors.CodeInvalidArgument, "反馈授权记录已存在",
			xerrors.WithMetadata("id", record.ID))
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入反馈授权记录失败")
	}
	return nil
}

// List implements feedback.Ledger, newest first.
func (l *FeedbackLedger) List(ctx context.Context, query feedback.Query) ([]feedback.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []feedback.Record
	err := l.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(recordPrefix + "\xff")); it.ValidForPrefix(opts.Prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec feedback.Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("解析记录 %s: %w", it.Item().Key(), err)
			}
			if !query.Matches(rec) {
				continue
			}
			out = append(out, rec)
			if query.Limit > 0 && len(out) == query.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取反馈授权记录失败")
	}
	return out, nil
}

// Close flushes and closes the database.
func (l *FeedbackLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

var errDuplicate = errors.New("duplicate record")

func recordKey(record feedback.Record) []byte {
	return []byte(fmt.Sprintf("%s%016x/%s", recordPrefix, uint64(record.IssuedAt.UnixMilli()), record.ID))
}
