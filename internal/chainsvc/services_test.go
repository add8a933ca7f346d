package chainsvc

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentic-trust/internal/config"
	"agentic-trust/internal/ens"
	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/userapp"
	"agentic-trust/internal/web3/ethereum"
	"agentic-trust/internal/web3/provider"
	"agentic-trust/internal/web3/web3test"
)

type stubApps map[config.Role]*userapp.RoleContext

func (s stubApps) Get(_ context.Context, role config.Role) (*userapp.RoleContext, bool) {
	rc, ok := s[role]
	return rc, ok
}

func newServices(t *testing.T, apps RoleSource, values map[string]string) *Services {
	t.Helper()
	v := viper.New()
	v.Set(config.EnvRPCURL, "http://127.0.0.1:8545")
	v.Set(config.EnvIdentityRegistry, "0x00000000000000000000000000000000000000aa")
	for k, val := range values {
		v.Set(k, val)
	}
	chains := config.NewChainResolver(config.NewSource(v), config.ChainDefinitions{})
	reg := provider.NewRegistryWithDialer(chains, func(ctx context.Context, cfg config.ChainConfig) (*ethereum.Conn, error) {
		return ethereum.NewConn(cfg.Name, cfg.ChainID, nil), nil
	})
	return New(Options{Chains: chains, Apps: apps, Signers: reg})
}

func TestSelectAccountProviderOrder(t *testing.T) {
	clientWallet := &web3test.Provider{Chain: config.ChainSepolia, Signer: true}
	providerWallet := &web3test.Provider{Chain: config.ChainSepolia, Signer: true}
	svc := newServices(t, stubApps{
		config.RoleClient:   {Role: config.RoleClient, ChainID: config.ChainSepolia, Wallet: clientWallet},
		config.RoleProvider: {Role: config.RoleProvider, ChainID: config.ChainSepolia, Wallet: providerWallet},
	}, nil)

	got, role, err := svc.SelectAccountProvider(context.Background(), config.ChainSepolia)
	require.NoError(t, err)
	assert.Equal(t, config.RoleClient, role)
	assert.Same(t, clientWallet, got)
}

func TestSelectAccountProviderRebindsKeyToTargetChain(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	svc := newServices(t, stubApps{
		config.RoleAdmin: {Role: config.RoleAdmin, ChainID: config.ChainBaseSepolia, Key: key,
			Wallet: &web3test.Provider{Chain: config.ChainBaseSepolia, Signer: true}},
	}, nil)

	got, role, err := svc.SelectAccountProvider(context.Background(), config.ChainSepolia)
	require.NoError(t, err)
	assert.Equal(t, config.RoleAdmin, role)
	assert.Equal(t, config.ChainSepolia, got.ChainID())
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), got.Address())
	assert.True(t, got.CanSign())
}

func TestSelectAccountProviderFallsBackToReadOnly(t *testing.T) {
	svc := newServices(t, stubApps{}, nil)
	got, role, err := svc.SelectAccountProvider(context.Background(), config.ChainOptimismSepolia)
	require.NoError(t, err)
	assert.Equal(t, ReadOnlyRole, role)
	assert.False(t, got.CanSign())
}

func TestENSNotConfiguredWithoutRegistry(t *testing.T) {
	svc := newServices(t, stubApps{}, nil)
	_, err := svc.ENS(context.Background(), config.ChainSepolia)
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotConfigured))

	_, err = svc.Reputation(context.Background(), config.ChainSepolia)
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotConfigured))
}

func TestDiscoveryWithoutURLIsNotConfigured(t *testing.T) {
	svc := newServices(t, stubApps{}, nil)
	_, err := svc.Discovery(context.Background(), config.ChainSepolia)
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotConfigured))

	_, err = svc.Discovery(context.Background(), 1)
	require.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))
}

func TestIdentityClientIsMemoisedPerChain(t *testing.T) {
	svc := newServices(t, stubApps{}, nil)
	first, err := svc.Identity(context.Background(), config.ChainSepolia)
	require.NoError(t, err)
	second, err := svc.Identity(context.Background(), config.ChainSepolia)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000aa"), first.Address())

	_, err = svc.Identity(context.Background(), 1)
	require.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))
}

func TestNewENSClientSelectsLayerByChain(t *testing.T) {
	registry := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	resolver := common.HexToAddress("0x00000000000000000000000000000000000000e2")
	account := common.HexToAddress("0x4444444444444444444444444444444444444444")

	read := func(contract common.Address, method string, args []any) ([]any, error) {
		switch method {
		case "resolver":
			return []any{resolver}, nil
		case "addr":
			return []any{account}, nil
		}
		return nil, nil
	}

	l1 := &web3test.Provider{Read: read}
	got, err := NewENSClient(ens.Options{ChainID: config.ChainSepolia, Registry: registry, Provider: l1}).
		GetAgentAccountByName(context.Background(), "acme.eth")
	require.NoError(t, err)
	require.Equal(t, account, got)
	require.Equal(t, []string{"resolver", "addr"}, l1.Methods())

	l2 := &web3test.Provider{Read: read}
	got, err = NewENSClient(ens.Options{ChainID: config.ChainBaseSepolia, Registry: registry, Resolver: resolver, Provider: l2}).
		GetAgentAccountByName(context.Background(), "acme.eth")
	require.NoError(t, err)
	require.Equal(t, account, got)
	require.Equal(t, []string{"addr"}, l2.Methods())
	require.Equal(t, resolver, l2.Calls()[0].Contract)
}

