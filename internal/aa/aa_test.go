package aa

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentic-trust/internal/config"
	"agentic-trust/internal/did"
	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/resolver"
	"agentic-trust/internal/web3"
	"agentic-trust/internal/web3/web3test"
)

var eoa = common.HexToAddress("0x1111111111111111111111111111111111111111")

func newChains(t *testing.T, bundlerURL string) *config.ChainResolver {
	t.Helper()
	v := viper.New()
	v.Set(config.EnvRPCURL, "http://127.0.0.1:8545")
	v.Set(config.EnvIdentityRegistry, "0x00000000000000000000000000000000000000aa")
	if bundlerURL != "" {
		v.Set(config.EnvBundlerURL, bundlerURL)
	}
	return config.NewChainResolver(config.NewSource(v), config.ChainDefinitions{})
}

func TestAgentSaltIsKeccakOfName(t *testing.T) {
	require.Equal(t, crypto.Keccak256Hash([]byte("acme-bot")), AgentSalt("acme-bot"))
	require.NotEqual(t, AgentSalt("acme-bot"), AgentSalt("acme-bot2"))
}

func TestCloneCreationCode(t *testing.T) {
	impl := common.HexToAddress("0x48dBe696A4D990079e039489bA2053B36E8FFEC4")
	code := CloneCreationCode(impl)
	require.Len(t, code, 55)
	require.Equal(t, impl.Bytes(), code[20:40])
}

func TestCounterfactualAddressIsDeterministic(t *testing.T) {
	contracts := Contracts{
		EntryPoint:     config.DefaultEntryPoint,
		Factory:        config.DefaultAccountFactory,
		Implementation: config.DefaultHybridImplementation,
	}
	salt := AgentSalt("acme-bot")
	a, err := CounterfactualAddress(contracts, DeployParams{Owner: eoa}, salt)
	require.NoError(t, err)
	b, err := CounterfactualAddress(contracts, DeployParams{Owner: eoa}, salt)
	require.NoError(t, err)
	require.Equal(t, a, b)

	initData, err := DeployParams{Owner: eoa}.InitData()
	require.NoError(t, err)
	want := crypto.CreateAddress2(contracts.Factory, crypto.Keccak256Hash(initData, salt.Bytes()),
		crypto.Keccak256(CloneCreationCode(contracts.Implementation)))
	require.Equal(t, want, a)

	other, err := CounterfactualAddress(contracts, DeployParams{Owner: common.HexToAddress("0x2222222222222222222222222222222222222222")}, salt)
	require.NoError(t, err)
	require.NotEqual(t, a, other)

	_, err = CounterfactualAddress(contracts, DeployParams{Owner: eoa, KeyIDs: []string{"k"}}, salt)
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestWithDeployedAddressDoesNotMutate(t *testing.T) {
	client, err := NewCounterfactualClient(config.ChainSepolia, Contracts{Factory: config.DefaultAccountFactory}, DeployParams{Owner: eoa}, AgentSalt("x"), nil)
	require.NoError(t, err)
	deployed := client.WithDeployedAddress()
	require.True(t, client.IsCounterfactual())
	require.False(t, deployed.IsCounterfactual())
	require.Nil(t, deployed.DeploySalt)
	require.Equal(t, client.Address, deployed.Address)

	factory, data, err := deployed.FactoryCall()
	require.NoError(t, err)
	require.Nil(t, factory)
	require.Nil(t, data)

	factory, data, err = client.FactoryCall()
	require.NoError(t, err)
	require.Equal(t, config.DefaultAccountFactory, *factory)
	require.NotEmpty(t, data)
}

func TestUserOperationHashIgnoresSignature(t *testing.T) {
	op := &UserOperation{Sender: eoa, Nonce: big.NewInt(1), CallData: []byte{1}, Signature: DummySignature}
	h1, err := op.Hash(config.DefaultEntryPoint, config.ChainSepolia)
	require.NoError(t, err)
	op.Signature = []byte{0x01}
	h2, err := op.Hash(config.DefaultEntryPoint, config.ChainSepolia)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	h3, err := op.Hash(config.DefaultEntryPoint, config.ChainBaseSepolia)
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)

	paymaster := common.HexToAddress("0x3333333333333333333333333333333333333333")
	op.Paymaster = &paymaster
	op.PaymasterVerificationGasLimit = big.NewInt(5)
	require.Len(t, op.PaymasterAndData(), 20+16+16)
}

func TestUserOperationJSONUsesHexQuantities(t *testing.T) {
	factory := config.DefaultAccountFactory
	op := &UserOperation{Sender: eoa, Nonce: big.NewInt(10), Factory: &factory, FactoryData: []byte{0xab}}
	raw, err := json.Marshal(op)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "0xa", fields["nonce"])
	assert.Equal(t, "0xab", fields["factoryData"])
	assert.NotContains(t, fields, "paymaster")

	var decoded UserOperation
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, int64(10), decoded.Nonce.Int64())
	assert.Equal(t, factory, *decoded.Factory)
}

func TestDeterministicEndToEnd(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{
		Chains:    newChains(t, ""),
		Resolvers: func(int64) *resolver.Resolver { return resolver.New() },
	})
	first, err := lc.GetAgentAccountAddress(context.Background(), "acme-bot", eoa, 0)
	require.NoError(t, err)
	require.Equal(t, resolver.MethodDeterministic, first.Method)

	client, err := lc.GetCounterfactualAccountClientByAgentName(context.Background(), "acme-bot", eoa, ClientOptions{})
	require.NoError(t, err)
	require.Equal(t, first.Address, client.Address)
	again, err := lc.GetCounterfactualAccountClientByAgentName(context.Background(), " acme-bot ", eoa, ClientOptions{})
	require.NoError(t, err)
	require.Equal(t, client.Address, again.Address)

	_, err = lc.GetAgentAccountAddress(context.Background(), "acme-bot", common.Address{}, 0)
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotConfigured))
}

func TestDeployedOnFallbackSkipsBundler(t *testing.T) {
	var dials atomic.Int32
	chains := newChains(t, "http://bundler.invalid")
	lc := NewLifecycle(LifecycleOptions{
		Chains: chains,
		DialBundler: func(context.Context, config.ChainConfig) (Bundler, error) {
			dials.Add(1)
			return nil, errors.New("must not dial")
		},
	})
	counterfactual, err := lc.GetCounterfactualAccountClientByAgentName(context.Background(), "acme-bot", eoa, ClientOptions{})
	require.NoError(t, err)

	public := &web3test.Provider{Chain: config.ChainSepolia}
	fallback := &web3test.Provider{Code: map[common.Address][]byte{counterfactual.Address: {0x60, 0x80}}}
	lc.opts.Code = func(context.Context, int64) (web3.CodeReader, error) { return fallback, nil }

	client, err := lc.GetDeployedAccountClientByAgentName(context.Background(), "acme-bot", eoa, ClientOptions{Public: public})
	require.NoError(t, err)
	require.False(t, client.IsCounterfactual())
	require.Equal(t, counterfactual.Address, client.Address)
	require.Zero(t, dials.Load())
}

func TestUndeployedWithoutBundlerStaysCounterfactual(t *testing.T) {
	lc := NewLifecycle(LifecycleOptions{
		Chains: newChains(t, ""),
		Code: func(context.Context, int64) (web3.CodeReader, error) {
			return &web3test.Provider{CodeErr: errors.New("rpc flake")}, nil
		},
	})
	client, err := lc.GetDeployedAccountClientByAgentName(context.Background(), "acme-bot", eoa,
		ClientOptions{Public: &web3test.Provider{CodeErr: errors.New("stale node")}})
	require.NoError(t, err)
	require.True(t, client.IsCounterfactual())
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type fakeBundler struct {
	mu        sync.Mutex
	methods   []string
	sent      *UserOperation
	polls     int
	sendError bool
}

func (f *fakeBundler) handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.methods = append(f.methods, req.Method)
	f.mu.Unlock()

	paymaster := "0x4444444444444444444444444444444444444444"
	var result any
	switch req.Method {
	case "pimlico_getUserOperationGasPrice":
		tier := map[string]string{"maxFeePerGas": "0x3b9aca00", "maxPriorityFeePerGas": "0x5f5e100"}
		result = map[string]any{"slow": tier, "standard": tier, "fast": tier}
	case "pm_getPaymasterStubData":
		result = map[string]any{"paymaster": paymaster, "paymasterData": "0x00", "paymasterPostOpGasLimit": "0x1"}
	case "eth_estimateUserOperationGas":
		result = map[string]string{"preVerificationGas": "0xc350", "verificationGasLimit": "0x30d40", "callGasLimit": "0x5208",
			"paymasterVerificationGasLimit": "0x7530"}
	case "pm_getPaymasterData":
		var ctx map[string]string
		_ = json.Unmarshal(req.Params[3], &ctx)
		if ctx["mode"] != "SPONSORED" {
			http.Error(w, "unsponsored", http.StatusBadRequest)
			return
		}
		result = map[string]any{"paymaster": paymaster, "paymasterData": "0xbeef"}
	case "eth_sendUserOperation":
		if f.sendError {
			writeRPC(w, req.ID, nil, map[string]any{"code": -32500, "message": "AA21 didn't pay prefund"})
			return
		}
		var op UserOperation
		_ = json.Unmarshal(req.Params[0], &op)
		f.mu.Lock()
		f.sent = &op
		f.mu.Unlock()
		result = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	case "eth_getUserOperationReceipt":
		f.mu.Lock()
		f.polls++
		polls := f.polls
		f.mu.Unlock()
		if polls < 2 {
			result = nil
		} else {
			result = map[string]any{
				"userOpHash": "0x00000000000000000000000000000000000000000000000000000000000000aa",
				"success":    true,
				"receipt":    map[string]string{"transactionHash": "0x00000000000000000000000000000000000000000000000000000000000000bb"},
			}
		}
	default:
		writeRPC(w, req.ID, nil, map[string]any{"code": -32601, "message": "method not found"})
		return
	}
	writeRPC(w, req.ID, result, nil)
}

func writeRPC(w http.ResponseWriter, id json.RawMessage, result any, rpcErr any) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newBundlerLifecycle(t *testing.T, fake *fakeBundler) *Lifecycle {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(fake.handle))
	t.Cleanup(srv.Close)
	return NewLifecycle(LifecycleOptions{
		Chains: newChains(t, srv.URL),
		Code: func(context.Context, int64) (web3.CodeReader, error) {
			return &web3test.Provider{}, nil
		},
		DialBundler: func(ctx context.Context, cfg config.ChainConfig) (Bundler, error) {
			client, err := gethrpc.DialContext(ctx, cfg.BundlerURL)
			if err != nil {
				return nil, err
			}
			return NewBundlerClient(client, cfg.EntryPoint, cfg.ChainID, BundlerOptions{PollInterval: time.Millisecond, MaxPolls: 5}), nil
		},
	})
}

func TestDeployThroughBundler(t *testing.T) {
	fake := &fakeBundler{}
	lc := newBundlerLifecycle(t, fake)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := did.NewLocalKeyManager(key)
	require.NoError(t, err)
	owner := signer.Address()

	client, err := lc.GetDeployedAccountClientByAgentName(context.Background(), "acme-bot", owner, ClientOptions{Signer: signer})
	require.NoError(t, err)
	require.False(t, client.IsCounterfactual())

	require.Equal(t, []string{
		"pimlico_getUserOperationGasPrice",
		"pm_getPaymasterStubData",
		"eth_estimateUserOperationGas",
		"pm_getPaymasterData",
		"eth_sendUserOperation",
		"eth_getUserOperationReceipt",
		"eth_getUserOperationReceipt",
	}, fake.methods)

	sent := fake.sent
	require.NotNil(t, sent)
	require.Equal(t, client.Address, sent.Sender)
	require.NotNil(t, sent.Factory)
	require.Equal(t, []byte{0xbe, 0xef}, []byte(sent.PaymasterData))
	require.EqualValues(t, 0x5208, sent.CallGasLimit.Int64())
	require.EqualValues(t, 0x7530, sent.PaymasterVerificationGasLimit.Int64())

	hash, err := sent.Hash(config.DefaultEntryPoint, config.ChainSepolia)
	require.NoError(t, err)
	recovered, err := did.RecoverSigner(hash.Bytes(), sent.Signature)
	require.NoError(t, err)
	require.Equal(t, owner, recovered)
}

func TestBundlerFailurePropagates(t *testing.T) {
	lc := newBundlerLifecycle(t, &fakeBundler{sendError: true})
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := did.NewLocalKeyManager(key)
	require.NoError(t, err)

	_, err = lc.GetDeployedAccountClientByAgentName(context.Background(), "acme-bot", signer.Address(), ClientOptions{Signer: signer})
	require.Error(t, err)
	require.Contains(t, err.Error(), "AA21")
}

func TestDeployWithoutSignerIsNotConfigured(t *testing.T) {
	lc := newBundlerLifecycle(t, &fakeBundler{})
	_, err := lc.GetDeployedAccountClientByAgentName(context.Background(), "acme-bot", eoa, ClientOptions{})
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotConfigured))
}
