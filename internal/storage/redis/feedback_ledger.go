package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/feedback"
)

// Config 描述 Redis 账本的连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// FeedbackLedger stores feedback auth records in Redis.
type FeedbackLedger struct {
	client redis.Cmdable
	closer func() error
	prefix string
}

var _ feedback.Ledger = (*FeedbackLedger)(nil)

// NewFeedbackLedger dials Redis and verifies the connection.
func NewFeedbackLedger(ctx context.Context, cfg Config) (*FeedbackLedger, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	ledger := NewFeedbackLedgerWithClient(client, cfg.Prefix)
	ledger.closer = client.Close
	return ledger, nil
}

// NewFeedbackLedgerWithClient wraps an existing command client.
func NewFeedbackLedgerWithClient(client redis.Cmdable, prefix string) *FeedbackLedger {
	if prefix == "" {
		prefix = "agentic-trust:feedback"
	}
	return &FeedbackLedger{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

// Append implements feedback.Ledger.
func (l *FeedbackLedger) Append(ctx context.Context, record feedback.Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "反馈授权记录缺少 ID")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化反馈授权记录失败")
	}
	created, err := l.client.SetNX(ctx, l.recordKey(record.ID), payload, 0).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入反馈授权记录失败")
	}
	if !created {
		return xerrors.New(xerrors.CodeInvalidArgument, "反馈授权记录已存在",
			xerrors.WithMetadata("id", record.ID))
	}

	member := redis.Z{Score: float64(record.IssuedAt.UnixMilli()), Member: record.ID}
	for _, key := range l.indexKeys(record) {
		if err := l.client.ZAdd(ctx, key, member).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入反馈授权索引失败",
				xerrors.WithMetadata("index", key))
		}
	}
	return nil
}

// List implements feedback.Ledger, newest first. The narrowest index that
// covers the query is scanned and remaining filters are applied in memory.
func (l *FeedbackLedger) List(ctx context.Context, query feedback.Query) ([]feedback.Record, error) {
	ids, err := l.client.ZRevRange(ctx, l.indexFor(query), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取反馈授权索引失败")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = l.recordKey(id)
	}
	values, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取反馈授权记录失败")
	}

	out := make([]feedback.Record, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var rec feedback.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析反馈授权记录失败",
				xerrors.WithMetadata("id", ids[i]))
		}
		if !query.Matches(rec) {
			continue
		}
		out = append(out, rec)
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out, nil
}

// Close releases the connection when the ledger owns it.
func (l *FeedbackLedger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	err := l.closer()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

func (l *FeedbackLedger) recordKey(id string) string {
	return l.prefix + ":record:" + id
}

func (l *FeedbackLedger) allKey() string {
	return l.prefix + ":all"
}

func (l *FeedbackLedger) agentKey(chainID int64, agentID string) string {
	return fmt.Sprintf("%s:agent:%s:%s", l.prefix, strconv.FormatInt(chainID, 10), strings.ToLower(agentID))
}

func (l *FeedbackLedger) clientKey(client common.Address) string {
	return l.prefix + ":client:" + strings.ToLower(client.Hex())
}

func (l *FeedbackLedger) indexKeys(record feedback.Record) []string {
	return []string{
		l.allKey(),
		l.agentKey(record.ChainID, record.AgentID),
		l.clientKey(record.ClientAddress),
	}
}

func (l *FeedbackLedger) indexFor(query feedback.Query) string {
	switch {
	case query.ChainID != 0 && query.AgentID != "":
		return l.agentKey(query.ChainID, query.AgentID)
	case query.ClientAddress != (common.Address{}):
		return l.clientKey(query.ClientAddress)
	default:
		return l.allKey()
	}
}
