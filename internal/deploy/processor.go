package deploy

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"agentic-trust/internal/aa"
	xerrors "agentic-trust/internal/errors"
	"agentic-trust/pkg/logger"
)

// Deployer is the account lifecycle capability the processor drives.
type Deployer interface {
	GetDeployedAccountClientByAgentName(ctx context.Context, name string, eoa common.Address, opts aa.ClientOptions) (*aa.AccountClient, error)
}

// Processor 负责从队列消费部署任务并交给账户生命周期执行。
type Processor struct {
	deployer    Deployer
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	jobTimeout  time.Duration
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithJobTimeout 限制单次部署的执行时间。
func WithJobTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.jobTimeout = timeout
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(deployer Deployer, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		deployer:    deployer,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("deploy"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置部署任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.deployer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "部署处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) {
			p.logger.Debug("跳过部署任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取部署任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		return err
	}

	runCtx := ctx
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}
	client, execErr := p.deployer.GetDeployedAccountClientByAgentName(runCtx, job.AgentName,
		common.HexToAddress(job.Owner), aa.ClientOptions{ChainID: job.ChainID})
	if execErr != nil {
		if stdErrors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			execErr = xerrors.Wrap(xerrors.CodeTimeout, execErr, "部署任务执行超时")
		}
		return p.handleFailure(ctx, job, execErr)
	}

	outcome := Outcome{Address: client.Address.Hex(), Deployed: !client.IsCounterfactual()}
	if err := p.store.MarkSucceeded(ctx, job.ID, outcome); err != nil {
		p.logger.Error("标记部署任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Info("部署任务执行成功",
		slog.String("job_id", job.ID),
		slog.String("agent", job.AgentName),
		slog.String("account", outcome.Address),
		slog.Bool("deployed", outcome.Deployed),
		slog.Int64("chain_id", job.ChainID),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记部署任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("部署任务执行失败",
		slog.String("job_id", job.ID),
		slog.String("agent", job.AgentName),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	if !terminal {
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, "部署任务重投失败", xerrors.WithMetadata("job_id", job.ID))
		}
		p.logger.Debug("部署任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}
