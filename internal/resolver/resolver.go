// Package resolver maps agent names to on-chain accounts by walking an
// ordered list of lookup strategies.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/observability/metrics"
	"agentic-trust/pkg/logger"
)

// Method names the strategy that produced a resolution.
type Method string

const (
	MethodNone          Method = ""
	MethodENSIdentity   Method = "ens-identity"
	MethodENSDirect     Method = "ens-direct"
	MethodDiscovery     Method = "discovery"
	MethodDeterministic Method = "deterministic"
)

// Resolution is the outcome of one lookup. A nil Account with
// MethodDeterministic tells the caller to compute the counterfactual address.
type Resolution struct {
	Account *common.Address
	Method  Method
	Error   error
}

// Strategy is one step of the lookup chain. ok is false when the strategy
// has no answer. A non-nil error stops the chain and is reported in the
// Resolution; lookup misses and unconfigured subsystems are not errors.
type Strategy interface {
	Method() Method
	TryResolve(ctx context.Context, name string) (common.Address, bool, error)
}

// Resolver runs strategies in order until one answers.
type Resolver struct {
	strategies []Strategy
	log        *slog.Logger
}

// New builds a resolver over strategies in the given order.
func New(strategies ...Strategy) *Resolver {
	return &Resolver{
		strategies: lo.Filter(strategies, func(s Strategy, _ int) bool { return s != nil }),
		log:        logger.Named("resolver"),
	}
}

// Methods lists the configured strategy methods in evaluation order.
func (r *Resolver) Methods() []Method {
	return lo.Map(r.strategies, func(s Strategy, _ int) Method { return s.Method() })
}

// GetAgentAccountByAgentName resolves name. An empty name resolves to an
// empty Resolution without any lookups.
func (r *Resolver) GetAgentAccountByAgentName(ctx context.Context, name string) (res Resolution) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Resolution{}
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("解析 agent 账户时发生异常", slog.String("name", name), slog.Any("panic", p))
			res = Resolution{Error: xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("解析 agent 账户时发生异常: %v", p))}
		}
		metrics.ObserveResolution(resultLabel(res))
	}()

	for _, strategy := range r.strategies {
		if err := ctx.Err(); err != nil {
			return Resolution{Error: xerrors.Wrap(xerrors.CodeTimeout, err, "agent 账户解析被取消")}
		}
		account, ok, err := strategy.TryResolve(ctx, name)
		if err != nil {
			r.log.Warn("agent 账户解析中止",
				slog.String("name", name),
				slog.String("method", string(strategy.Method())),
				slog.Any("error", err))
			return Resolution{Error: err}
		}
		if !ok || !IsValidAccount(account) {
			continue
		}
		r.log.Debug("agent 账户已解析",
			slog.String("name", name),
			slog.String("method", string(strategy.Method())),
			slog.String("account", account.Hex()))
		return Resolution{Account: &account, Method: strategy.Method()}
	}
	return Resolution{Method: MethodDeterministic}
}

// IsValidAccount reports whether account is usable as a resolution result.
func IsValidAccount(account common.Address) bool {
	return account != (common.Address{})
}

func resultLabel(res Resolution) string {
	switch {
	case res.Error != nil:
		return "error"
	case res.Method == MethodNone:
		return "empty"
	default:
		return string(res.Method)
	}
}
