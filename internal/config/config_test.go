package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "agentic-trust/internal/errors"
)

func newSource(values map[string]string) *Source {
	v := viper.New()
	for k, val := range values {
		v.Set(k, val)
	}
	return NewSource(v)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(newSource(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, ChainSepolia, cfg.DefaultChainID)
	assert.Equal(t, "memory", cfg.Feedback.Ledger.Driver)
	assert.Equal(t, "memory", cfg.Deploy.QueueDriver)
	assert.EqualValues(t, 3600, cfg.Feedback.ExpirySeconds)
	assert.False(t, cfg.Logging.AuditEnabled)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"unsupported chain":  {EnvDefaultChainID: "1"},
		"bad expiry":         {EnvFeedbackExpiry: "-5"},
		"bad duration":       {EnvDeployJobTimeout: "soon"},
		"redis without addr": {EnvLedgerDriver: "redis"},
		"mysql without dsn":  {EnvLedgerDriver: "mysql"},
		"amqp without url":   {EnvDeployQueueDriver: "rabbitmq"},
		"nats without url":   {EnvDeployQueueDriver: "nats"},
		"badger without dir": {EnvLedgerDriver: "badger"},
		"unknown queue":      {EnvDeployQueueDriver: "kafka"},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(newSource(values))
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
		})
	}
}

func TestChainEnvVarPrefersSuffixedName(t *testing.T) {
	src := newSource(map[string]string{
		EnvRPCURL:                  "https://fallback.example",
		EnvRPCURL + "_BASE_SEPOLIA": "https://base.example",
	})

	value, ok := ChainEnvVar(src, EnvRPCURL, ChainBaseSepolia)
	require.True(t, ok)
	assert.Equal(t, "https://base.example", value)

	value, ok = ChainEnvVar(src, EnvRPCURL, ChainSepolia)
	require.True(t, ok)
	assert.Equal(t, "https://fallback.example", value)

	_, ok = ChainEnvVar(src, EnvBundlerURL, ChainSepolia)
	assert.False(t, ok)
}

func TestRequireChainEnvVarNamesVariableAndChain(t *testing.T) {
	_, err := RequireChainEnvVar(newSource(nil), EnvIdentityRegistry, ChainOptimismSepolia)
	require.Error(t, err)

	coded, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeConfiguration, coded.Code())
	assert.Contains(t, err.Error(), "AGENTIC_TRUST_IDENTITY_REGISTRY_OPTIMISM_SEPOLIA")
	assert.Contains(t, err.Error(), "optimism-sepolia")
	assert.Equal(t, "11155420", coded.Metadata()["chain_id"])
}

func TestChainResolverValidatesLazily(t *testing.T) {
	src := newSource(map[string]string{
		EnvRPCURL + "_SEPOLIA":           "https://sepolia.example",
		EnvIdentityRegistry + "_SEPOLIA": "0x00000000000000000000000000000000000000aa",
	})
	resolver := NewChainResolver(src, ChainDefinitions{})

	cfg, err := resolver.Resolve(ChainSepolia)
	require.NoError(t, err)
	assert.Equal(t, "https://sepolia.example", cfg.RPCURL)
	assert.Equal(t, common.HexToAddress("0xaa"), cfg.IdentityRegistry)
	assert.Equal(t, DefaultEntryPoint, cfg.EntryPoint)
	assert.False(t, cfg.HasENS())
	assert.False(t, cfg.HasBundler())

	_, err = resolver.Resolve(ChainBaseSepolia)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))

	_, err = resolver.Resolve(1)
	require.Error(t, err)
}

func TestChainResolverMemoisesResolvedChains(t *testing.T) {
	src := newSource(map[string]string{
		EnvRPCURL:           "https://one.example",
		EnvIdentityRegistry: "0x00000000000000000000000000000000000000aa",
	})
	resolver := NewChainResolver(src, ChainDefinitions{})

	first, err := resolver.Resolve(ChainSepolia)
	require.NoError(t, err)
	src.Set(EnvRPCURL, "https://two.example")
	second, err := resolver.Resolve(ChainSepolia)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestChainResolverRejectsMalformedAddress(t *testing.T) {
	src := newSource(map[string]string{
		EnvRPCURL:           "https://one.example",
		EnvIdentityRegistry: "0x00000000000000000000000000000000000000aa",
		EnvENSRegistry:      "not-an-address",
	})
	_, err := NewChainResolver(src, ChainDefinitions{}).Resolve(ChainSepolia)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvENSRegistry)
}

func TestLoadChainDefinitionsFillsResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `chains:
  84532:
    rpc_url: https://base.example
    bundler_url: https://bundler.example
    identity_registry: "0x00000000000000000000000000000000000000bb"
    ens_resolver: "0x00000000000000000000000000000000000000cc"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	defs, err := LoadChainDefinitions(path)
	require.NoError(t, err)

	src := newSource(map[string]string{EnvBundlerURL + "_BASE_SEPOLIA": "https://override.example"})
	cfg, err := NewChainResolver(src, defs).Resolve(ChainBaseSepolia)
	require.NoError(t, err)
	assert.Equal(t, "https://base.example", cfg.RPCURL)
	assert.Equal(t, "https://override.example", cfg.BundlerURL)
	assert.Equal(t, common.HexToAddress("0xcc"), cfg.ENSResolver)
}

func TestLoadChainDefinitionsReadsTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.toml")
	content := `[chains.11155420]
rpc_url = "https://op.example"
entry_point = "0x0000000071727De22E5E9d8BAf0edAc6f37da032"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	defs, err := LoadChainDefinitions(path)
	require.NoError(t, err)
	require.Contains(t, defs.Chains, ChainOptimismSepolia)
	assert.Equal(t, "https://op.example", defs.Chains[ChainOptimismSepolia].RPCURL)

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[chains.sepolia]\nrpc_url = \"x\"\n"), 0o600))
	_, err = LoadChainDefinitions(bad)
	require.Error(t, err)
}

func TestLoadChainDefinitionsRejectsUnknownChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains:\n  1:\n    rpc_url: https://mainnet.example\n"), 0o600))
	_, err := LoadChainDefinitions(path)
	require.Error(t, err)
}

func TestIsL2DependsOnlyOnChainID(t *testing.T) {
	assert.False(t, IsL2(ChainSepolia))
	assert.True(t, IsL2(ChainBaseSepolia))
	assert.True(t, IsL2(ChainOptimismSepolia))
	assert.False(t, IsL2(1))
}

func TestIsUserAppEnabledReadsEveryCall(t *testing.T) {
	src := newSource(nil)
	assert.False(t, IsUserAppEnabled(src, RoleAdmin))

	src.Set("AGENTIC_TRUST_IS_ADMIN_APP", "true")
	assert.True(t, IsUserAppEnabled(src, RoleAdmin))
	assert.False(t, IsUserAppEnabled(src, RoleClient))

	src.Set("AGENTIC_TRUST_IS_ADMIN_APP", "0")
	assert.False(t, SourceGate(src)(RoleAdmin))

	gate := StaticGate(RoleProvider)
	assert.True(t, gate(RoleProvider))
	assert.False(t, gate(RoleAdmin))
}
