package userapp

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentic-trust/internal/config"
	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/web3/ethereum"
	"agentic-trust/internal/web3/provider"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestRoleGetterBuildsOnceUnderConcurrency(t *testing.T) {
	var builds atomic.Int32
	apps := New(config.StaticGate(config.RoleAdmin), func(ctx context.Context, role config.Role) (*RoleContext, error) {
		builds.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &RoleContext{Role: role}, nil
	})

	const callers = 32
	var wg sync.WaitGroup
	results := make([]*RoleContext, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rc, ok := apps.Admin(context.Background())
			assert.True(t, ok)
			results[i] = rc
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), builds.Load())
	for _, rc := range results {
		require.Same(t, results[0], rc)
	}

	again, ok := apps.Admin(context.Background())
	require.True(t, ok)
	require.Same(t, results[0], again)
	require.Equal(t, int32(1), builds.Load())
}

func TestDisabledRoleHasNoSideEffects(t *testing.T) {
	var builds atomic.Int32
	apps := New(config.StaticGate(), func(ctx context.Context, role config.Role) (*RoleContext, error) {
		builds.Add(1)
		return &RoleContext{}, nil
	})

	rc, ok := apps.Client(context.Background())
	require.False(t, ok)
	require.Nil(t, rc)
	require.Zero(t, builds.Load())
	require.False(t, apps.IsInitialized(config.RoleClient))
}

func TestMisconfiguredRoleReturnsNilAndRetries(t *testing.T) {
	var builds atomic.Int32
	apps := New(config.StaticGate(config.RoleProvider), func(ctx context.Context, role config.Role) (*RoleContext, error) {
		if builds.Add(1) == 1 {
			return nil, xerrors.New(xerrors.CodeConfiguration, "missing session package")
		}
		return &RoleContext{Role: role}, nil
	})

	rc, ok := apps.Provider(context.Background())
	require.False(t, ok)
	require.Nil(t, rc)

	rc, ok = apps.Provider(context.Background())
	require.True(t, ok)
	require.Equal(t, config.RoleProvider, rc.Role)
}

func TestGateIsReadOnEveryCall(t *testing.T) {
	v := viper.New()
	src := config.NewSource(v)
	apps := New(config.SourceGate(src), func(ctx context.Context, role config.Role) (*RoleContext, error) {
		return &RoleContext{Role: role}, nil
	})

	_, ok := apps.Admin(context.Background())
	require.False(t, ok)

	src.Set("AGENTIC_TRUST_IS_ADMIN_APP", "1")
	_, ok = apps.Admin(context.Background())
	require.True(t, ok)

	apps.Reset()
	require.False(t, apps.IsInitialized(config.RoleAdmin))
}

func TestNormalizePrivateKey(t *testing.T) {
	normalized, err := NormalizePrivateKey(testKey)
	require.NoError(t, err)
	require.Equal(t, "0x"+testKey, normalized)

	normalized, err = NormalizePrivateKey("0x" + testKey)
	require.NoError(t, err)
	require.Equal(t, "0x"+testKey, normalized)

	for _, bad := range []string{"", "0x1234", testKey + "00", "zz" + testKey[2:]} {
		_, err := NormalizePrivateKey(bad)
		require.Error(t, err, bad)
		require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidPrivateKey))
	}
}

func newTestRegistry(t *testing.T, values map[string]string) (*config.Source, *provider.Registry) {
	t.Helper()
	v := viper.New()
	v.Set(config.EnvRPCURL, "http://127.0.0.1:8545")
	v.Set(config.EnvIdentityRegistry, "0x00000000000000000000000000000000000000aa")
	for k, val := range values {
		v.Set(k, val)
	}
	src := config.NewSource(v)
	chains := config.NewChainResolver(src, config.ChainDefinitions{})
	reg := provider.NewRegistryWithDialer(chains, func(ctx context.Context, cfg config.ChainConfig) (*ethereum.Conn, error) {
		return ethereum.NewConn(cfg.Name, cfg.ChainID, nil), nil
	})
	return src, reg
}

func TestDefaultBuilderAdmin(t *testing.T) {
	src, reg := newTestRegistry(t, map[string]string{config.EnvAdminPrivateKey: testKey})
	rc, err := NewBuilder(src, reg, config.ChainSepolia)(context.Background(), config.RoleAdmin)
	require.NoError(t, err)

	key, _ := crypto.HexToECDSA(testKey)
	want := crypto.PubkeyToAddress(key.PublicKey)
	assert.Equal(t, want, rc.Address)
	assert.True(t, rc.HasPrivateKey)
	assert.True(t, rc.AccountProvider().CanSign())
	assert.False(t, rc.Public.CanSign())
}

func TestDefaultBuilderMissingKeyIsConfigurationError(t *testing.T) {
	src, reg := newTestRegistry(t, nil)
	_, err := NewBuilder(src, reg, config.ChainSepolia)(context.Background(), config.RoleClient)
	require.Error(t, err)
	require.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))
}

func TestDefaultBuilderProviderUsesSessionPackage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	content := `{
  "agentId": "0x1f",
  "chainId": 84532,
  "aa": "0x2222222222222222222222222222222222222222",
  "sessionAA": "0x3333333333333333333333333333333333333333",
  "sessionKey": {"privateKey": "` + testKey + `", "address": "0x0", "validAfter": 0, "validUntil": 0},
  "entryPoint": "0x0000000071727De22E5E9d8BAf0edAc6f37da032"
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	src, reg := newTestRegistry(t, map[string]string{config.EnvSessionPackagePath: path})
	rc, err := NewBuilder(src, reg, config.ChainSepolia)(context.Background(), config.RoleProvider)
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0x3333333333333333333333333333333333333333"), rc.Address)
	assert.NotEqual(t, rc.Address, rc.SignerAddress)
	assert.Equal(t, config.ChainBaseSepolia, rc.ChainID)
	assert.EqualValues(t, 31, rc.AgentID.Int64())
}

func TestSessionPackageFallsBackToAA(t *testing.T) {
	pkg := &SessionPackage{AA: "0x2222222222222222222222222222222222222222", AgentID: []byte("42")}
	addr, err := pkg.AgentAddress()
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x2222222222222222222222222222222222222222"), addr)

	id, err := pkg.ParsedAgentID()
	require.NoError(t, err)
	require.EqualValues(t, 42, id.Int64())

	_, err = LoadSessionPackage(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	require.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))
}

func TestSessionPackageRejectsMalformedSessionAA(t *testing.T) {
	pkg := &SessionPackage{SessionAA: "0x1234", AA: "0x2222222222222222222222222222222222222222"}
	_, err := pkg.AgentAddress()
	require.Error(t, err)
	require.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))

	path := filepath.Join(t.TempDir(), "session.json")
	content := `{"agentId":42,"aa":"0x2222222222222222222222222222222222222222","sessionAA":"not-an-address",` +
		`"sessionKey":{"privateKey":"0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	_, err = LoadSessionPackage(path)
	require.Error(t, err)
	require.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))

	pkg = &SessionPackage{}
	_, err = pkg.AgentAddress()
	require.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))
}
