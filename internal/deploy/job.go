package deploy

import (
	xerrors "agentic-trust/internal/errors"
)

// Status 表示部署任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Outcome 保存一次部署的结果。Deployed 为 false 表示链上未配置 bundler，
// 账户仍处于未部署状态。
type Outcome struct {
	Address  string `json:"address"`
	Deployed bool   `json:"deployed"`
}

// Job 描述一次排队执行的智能账户部署。
type Job struct {
	ID         string   `json:"id"`
	AgentName  string   `json:"agentName"`
	Owner      string   `json:"owner"`
	ChainID    int64    `json:"chainId"`
	Status     Status   `json:"status"`
	Attempts   int      `json:"attempts"`
	MaxRetries int      `json:"maxRetries"`
	LastError  string   `json:"lastError,omitempty"`
	ErrorCode  string   `json:"errorCode,omitempty"`
	Result     *Outcome `json:"result,omitempty"`
	CreatedAt  int64    `json:"createdAt"`
	UpdatedAt  int64    `json:"updatedAt"`
}

const (
	CodeJobNotFound   xerrors.Code = "DEPLOY_JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "DEPLOY_JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "DEPLOY_JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "DEPLOY_JOB_RETRIES_EXHAUSTED"
	CodeJobPublish    xerrors.Code = "DEPLOY_JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "DEPLOY_JOB_FAILED"
)

var (
	// ErrJobNotFound 表示指定的部署任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "deploy job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "deploy job conflict")
	// ErrJobCompleted 表示任务已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "deploy job already completed")
	// ErrJobExhausted 表示任务的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "deploy job retries exhausted")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "deploy job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "deploy job conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "deploy job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "deploy job retries exhausted",
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish deploy job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "deploy job failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Done reports whether the job reached a final state.
func (j *Job) Done() bool {
	if j == nil {
		return false
	}
	return j.Status == StatusSucceeded || (j.Status == StatusFailed && j.Attempts >= j.MaxRetries)
}

func cloneJob(job *Job) *Job {
	clone := *job
	if job.Result != nil {
		result := *job.Result
		clone.Result = &result
	}
	return &clone
}
