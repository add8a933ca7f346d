package provider

import (
	"context"
	"crypto/ecdsa"
	"sort"

	"agentic-trust/internal/config"
	"agentic-trust/internal/domainclient"
	"agentic-trust/internal/web3/ethereum"
)

// Dialer opens a connection for a resolved chain configuration.
type Dialer func(ctx context.Context, cfg config.ChainConfig) (*ethereum.Conn, error)

// Registry manages one RPC connection per chain ID. Connections are dialed
// lazily on first use and shared by every provider built for that chain.
type Registry struct {
	chains *config.ChainResolver
	conns  *domainclient.Registry[int64, *ethereum.Conn]
}

// NewRegistry constructs a registry dialing endpoints resolved by chains.
func NewRegistry(chains *config.ChainResolver) *Registry {
	return NewRegistryWithDialer(chains, func(ctx context.Context, cfg config.ChainConfig) (*ethereum.Conn, error) {
		return ethereum.Dial(ctx, ethereum.Config{Name: cfg.Name, RPCURL: cfg.RPCURL, ChainID: cfg.ChainID})
	})
}

// NewRegistryWithDialer allows tests to substitute the dial step.
func NewRegistryWithDialer(chains *config.ChainResolver, dial Dialer) *Registry {
	r := &Registry{chains: chains}
	r.conns = domainclient.New("rpc", func(ctx context.Context, chainID int64) (*ethereum.Conn, error) {
		cfg, err := r.chains.Resolve(chainID)
		if err != nil {
			return nil, err
		}
		return dial(ctx, cfg)
	})
	return r
}

// Chains exposes the chain configuration resolver.
func (r *Registry) Chains() *config.ChainResolver {
	return r.chains
}

// Conn returns the shared connection for chainID.
func (r *Registry) Conn(ctx context.Context, chainID int64) (*ethereum.Conn, error) {
	return r.conns.Get(ctx, chainID)
}

// ReadOnly builds a provider that can read chainID but never sign.
func (r *Registry) ReadOnly(ctx context.Context, chainID int64) (*ethereum.Provider, error) {
	conn, err := r.Conn(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return ethereum.NewReadOnly(chainID, conn.Backend()), nil
}

// Signer builds a provider bound to key on chainID.
func (r *Registry) Signer(ctx context.Context, chainID int64, key *ecdsa.PrivateKey) (*ethereum.Provider, error) {
	conn, err := r.Conn(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return ethereum.NewProvider(chainID, conn.Backend(), key), nil
}

// Connected returns the chain IDs that currently hold a connection.
func (r *Registry) Connected() []int64 {
	ids := r.conns.Keys()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases all connections managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for _, conn := range r.conns.Snapshot() {
		if conn != nil {
			conn.Close()
		}
	}
	r.conns.ResetAll()
}
