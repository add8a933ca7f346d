package deploy

import (
	"context"

	xerrors "agentic-trust/internal/errors"
)

// Store 抽象了部署任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, outcome Outcome) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Close() error
}

// ListOptions controls which jobs List returns.
type ListOptions struct {
	Limit     int
	Statuses  []Status
	AgentName string
	ChainID   int64
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of jobs returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithStatuses filters jobs by the provided statuses. Unknown statuses are
// ignored.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = opts.Statuses[:0]
		for _, status := range statuses {
			if IsValidStatus(status) {
				opts.Statuses = append(opts.Statuses, status)
			}
		}
	}
}

// WithAgentName filters jobs for one agent.
func WithAgentName(name string) ListOption {
	return func(opts *ListOptions) {
		opts.AgentName = name
	}
}

// WithChainID filters jobs for one chain.
func WithChainID(chainID int64) ListOption {
	return func(opts *ListOptions) {
		opts.ChainID = chainID
	}
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func (opts ListOptions) matches(job *Job) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if job.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.AgentName != "" && opts.AgentName != job.AgentName {
		return false
	}
	if opts.ChainID != 0 && opts.ChainID != job.ChainID {
		return false
	}
	return true
}
