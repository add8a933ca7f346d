package resolver

import (
	"context"

	"agentic-trust/internal/discovery"
	"agentic-trust/internal/ens"
)

// ChainServices provides the per-chain clients the default strategies need;
// *chainsvc.Services satisfies it.
type ChainServices interface {
	ENS(ctx context.Context, chainID int64) (ens.Client, error)
	Discovery(ctx context.Context, chainID int64) (*discovery.Client, error)
}

// NewForChain returns the standard ENS identity, ENS direct, discovery chain
// for chainID.
func NewForChain(svc ChainServices, chainID int64) *Resolver {
	ensSource := func(ctx context.Context) (ens.Client, error) {
		return svc.ENS(ctx, chainID)
	}
	discoverySource := func(ctx context.Context) (AgentFinder, error) {
		client, err := svc.Discovery(ctx, chainID)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return New(
		NewENSIdentityStrategy(ensSource),
		NewENSDirectStrategy(ensSource),
		NewDiscoveryStrategy(discoverySource),
	)
}
