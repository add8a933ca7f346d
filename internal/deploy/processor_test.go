package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"agentic-trust/internal/aa"
	xerrors "agentic-trust/internal/errors"
)

var testOwner = common.HexToAddress("0x1111111111111111111111111111111111111111")

type fakeDeployer struct {
	calls   atomic.Int32
	latency time.Duration
	// fail returns the error for the n-th call (1-based), nil to succeed.
	fail func(n int32) error
	mu   sync.Mutex
	seen []string
}

func (f *fakeDeployer) GetDeployedAccountClientByAgentName(ctx context.Context, name string, eoa common.Address, opts aa.ClientOptions) (*aa.AccountClient, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, name)
	f.mu.Unlock()
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return nil, err
		}
	}
	return &aa.AccountClient{ChainID: opts.ChainID, Address: common.BytesToAddress(eoa.Bytes()[:4])}, nil
}

func startProcessor(t *testing.T, deployer Deployer, opts ...ProcessorOption) (*Service, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	service := NewService(store, queue, 3, WithDefaultChain(84532))
	processor := NewProcessor(deployer, store, queue, queue, opts...)
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return service, cancel
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	deployer := &fakeDeployer{latency: 5 * time.Millisecond}
	service, cancel := startProcessor(t, deployer, WithWorkerCount(8))
	defer cancel()

	ctx := context.Background()
	total := 100
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		job, err := service.Submit(ctx, Request{AgentName: fmt.Sprintf("agent-%d", i), Owner: testOwner})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	for _, id := range ids {
		job, err := service.WaitUntilCompleted(waitCtx, id, 10*time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, StatusSucceeded, job.Status)
		require.NotNil(t, job.Result)
		require.True(t, job.Result.Deployed)
		require.EqualValues(t, 84532, job.ChainID)
	}
	require.EqualValues(t, total, deployer.calls.Load())
}

func TestProcessorRetriesTransientFailures(t *testing.T) {
	deployer := &fakeDeployer{fail: func(n int32) error {
		if n < 3 {
			return xerrors.New(xerrors.CodeTransientNetwork, "bundler unavailable")
		}
		return nil
	}}
	service, cancel := startProcessor(t, deployer)
	defer cancel()

	job, err := service.Submit(context.Background(), Request{AgentName: "retry", Owner: testOwner})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	done, err := service.WaitUntilCompleted(waitCtx, job.ID, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, done.Status)
	require.Equal(t, 3, done.Attempts)
	require.EqualValues(t, 3, deployer.calls.Load())
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	deployer := &fakeDeployer{fail: func(int32) error {
		return xerrors.New(xerrors.CodeNotConfigured, "部署账户需要 owner 签名者")
	}}
	service, cancel := startProcessor(t, deployer)
	defer cancel()

	job, err := service.Submit(context.Background(), Request{AgentName: "no-signer", Owner: testOwner})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	done, err := service.WaitUntilCompleted(waitCtx, job.ID, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, done.Status)
	require.Equal(t, string(xerrors.CodeNotConfigured), done.ErrorCode)
	require.Equal(t, 1, done.Attempts)
	require.EqualValues(t, 1, deployer.calls.Load())
}

func TestProcessorExhaustsRetries(t *testing.T) {
	deployer := &fakeDeployer{fail: func(int32) error {
		return xerrors.New(xerrors.CodeTransientNetwork, "rpc down")
	}}
	service, cancel := startProcessor(t, deployer)
	defer cancel()

	job, err := service.Submit(context.Background(), Request{AgentName: "flaky", Owner: testOwner})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	done, err := service.WaitUntilCompleted(waitCtx, job.ID, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, done.Status)
	require.Equal(t, 3, done.Attempts)
	require.EqualValues(t, 3, deployer.calls.Load())
}

func TestProcessorJobTimeout(t *testing.T) {
	deployer := &fakeDeployer{latency: time.Second, fail: func(n int32) error { return nil }}
	service, cancel := startProcessor(t, deployer, WithJobTimeout(20*time.Millisecond))
	defer cancel()

	job, err := service.Submit(context.Background(), Request{AgentName: "slow", Owner: testOwner})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	done, err := service.WaitUntilCompleted(waitCtx, job.ID, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, done.Status)
	require.Equal(t, string(xerrors.CodeTimeout), done.ErrorCode)
}

func TestStartRequiresConsumer(t *testing.T) {
	err := NewProcessor(&fakeDeployer{}, NewMemoryStore(), nil, nil).Start(context.Background())
	require.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}
