package redis

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/feedback"
)

// fakeRedis implements the handful of commands the ledger issues. Any other
// command panics through the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable

	mu      sync.Mutex
	values  map[string]string
	sets    map[string]map[string]float64
	failSet error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, sets: map[string]map[string]float64{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return redis.NewBoolResult(false, f.failSet)
	}
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[key]
	if !ok {
		set = map[string]float64{}
		f.sets[key] = set
	}
	for _, m := range members {
		set[m.Member.(string)] = m.Score
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) ZRevRange(_ context.Context, key string, _, _ int64) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.sets[key]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return set[ids[i]] > set[ids[j]] })
	return redis.NewStringSliceResult(ids, nil)
}

func (f *fakeRedis) MGet(_ context.Context, keys ...string) *redis.SliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(keys))
	for i, key := range keys {
		if v, ok := f.values[key]; ok {
			out[i] = v
		}
	}
	return redis.NewSliceResult(out, nil)
}

func record(id string, chainID int64, agentID string, client common.Address, issued int64) feedback.Record {
	return feedback.Record{
		ID:            id,
		ChainID:       chainID,
		AgentID:       agentID,
		ClientAddress: client,
		IndexLimit:    1,
		Expiry:        uint64(issued + 3600),
		Signature:     "0x01",
		IssuedAt:      time.Unix(issued, 0).UTC(),
	}
}

func TestFeedbackLedgerAppendAndList(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	ledger := NewFeedbackLedgerWithClient(fake, "test:")

	alice := common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob := common.HexToAddress("0x2222222222222222222222222222222222222222")
	require.NoError(t, ledger.Append(ctx, record("r1", 84532, "7", alice, 100)))
	require.NoError(t, ledger.Append(ctx, record("r2", 84532, "7", bob, 200)))
	require.NoError(t, ledger.Append(ctx, record("r3", 11155111, "9", alice, 300)))

	require.Contains(t, fake.sets, "test:all")
	require.Contains(t, fake.values, "test:record:r1")

	all, err := ledger.List(ctx, feedback.Query{})
	require.NoError(t, err)
	require.Equal(t, []string{"r3", "r2", "r1"}, ids(all))

	byAgent, err := ledger.List(ctx, feedback.Query{ChainID: 84532, AgentID: "7"})
	require.NoError(t, err)
	require.Equal(t, []string{"r2", "r1"}, ids(byAgent))

	byClient, err := ledger.List(ctx, feedback.Query{ClientAddress: alice, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"r3"}, ids(byClient))
	require.Equal(t, alice, byClient[0].ClientAddress)
	require.Equal(t, int64(300), byClient[0].IssuedAt.Unix())

	mixed, err := ledger.List(ctx, feedback.Query{ChainID: 84532, AgentID: "7", ClientAddress: bob})
	require.NoError(t, err)
	require.Equal(t, []string{"r2"}, ids(mixed))
}

func TestFeedbackLedgerRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	ledger := NewFeedbackLedgerWithClient(newFakeRedis(), "")

	rec := record("dup", 84532, "1", common.Address{}, 1)
	require.NoError(t, ledger.Append(ctx, rec))
	err := ledger.Append(ctx, rec)
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	err = ledger.Append(ctx, feedback.Record{})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestFeedbackLedgerWrapsStorageErrors(t *testing.T) {
	fake := newFakeRedis()
	fake.failSet = errors.New("READONLY")
	ledger := NewFeedbackLedgerWithClient(fake, "")

	err := ledger.Append(context.Background(), record("x", 1, "1", common.Address{}, 1))
	require.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
}

func TestNewFeedbackLedgerRequiresAddress(t *testing.T) {
	_, err := NewFeedbackLedger(context.Background(), Config{})
	require.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))
}

func ids(records []feedback.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
