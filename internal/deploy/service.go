package deploy

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"agentic-trust/internal/aa"
	xerrors "agentic-trust/internal/errors"
	"agentic-trust/pkg/logger"
)

// Request 描述一次部署请求。
type Request struct {
	ID        string
	AgentName string
	Owner     common.Address
	ChainID   int64
}

// Service 负责部署任务的创建与查询。
type Service struct {
	store          Store
	producer       Producer
	maxRetries     int
	defaultChainID int64
	owner          aa.OwnerSource
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithDefaultChain 指定未携带链 ID 的请求使用的链。
func WithDefaultChain(chainID int64) ServiceOption {
	return func(s *Service) {
		s.defaultChainID = chainID
	}
}

// WithOwnerSource 在请求未指定 owner 时提供默认 owner。
func WithOwnerSource(owner aa.OwnerSource) ServiceOption {
	return func(s *Service) {
		s.owner = owner
	}
}

// NewService 构造部署任务服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建部署任务并推送到队列。携带已存在 ID 的请求直接返回已有任务。
func (s *Service) Submit(ctx context.Context, req Request) (*Job, error) {
	name := strings.TrimSpace(req.AgentName)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent 名称不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "部署服务未初始化")
	}

	owner := req.Owner
	if owner == (common.Address{}) && s.owner != nil {
		owner, _ = s.owner(ctx)
	}
	if owner == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "部署请求缺少 owner 地址")
	}
	chainID := req.ChainID
	if chainID == 0 {
		chainID = s.defaultChainID
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		job, err := s.store.Get(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	job := &Job{
		ID:         jobID,
		AgentName:  name,
		Owner:      owner.Hex(),
		ChainID:    chainID,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			if existing, getErr := s.store.Get(ctx, jobID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("部署任务入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布部署任务到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("部署任务入队成功",
		slog.String("job_id", jobID),
		slog.String("agent", name),
		slog.String("owner", job.Owner),
		slog.Int64("chain_id", chainID),
	)
	return job, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "部署任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "部署任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// WaitUntilCompleted 轮询任务状态直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
