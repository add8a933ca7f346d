package aa

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"agentic-trust/internal/config"
	"agentic-trust/internal/did"
	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/observability/metrics"
	"agentic-trust/internal/resolver"
	"agentic-trust/internal/web3"
	"agentic-trust/pkg/logger"
)

// Bundler is the subset of BundlerClient used to deploy accounts.
type Bundler interface {
	GetUserOperationGasPrice(ctx context.Context) (GasPrices, error)
	GetPaymasterStubData(ctx context.Context, op *UserOperation) (PaymasterData, error)
	SponsorUserOperation(ctx context.Context, op *UserOperation) (PaymasterData, error)
	EstimateUserOperationGas(ctx context.Context, op *UserOperation) (GasEstimate, error)
	SendUserOperation(ctx context.Context, op *UserOperation) (common.Hash, error)
	WaitForUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error)
	Close()
}

// BundlerDialer opens a bundler for a chain.
type BundlerDialer func(ctx context.Context, cfg config.ChainConfig) (Bundler, error)

// CodeSource returns a direct RPC reader for a chain, used to double-check
// deployment state.
type CodeSource func(ctx context.Context, chainID int64) (web3.CodeReader, error)

// ResolverSource returns the name resolver for a chain.
type ResolverSource func(chainID int64) *resolver.Resolver

// OwnerSource supplies a default owner EOA when a caller passes none.
type OwnerSource func(ctx context.Context) (common.Address, bool)

// SignerSource finds a key manager able to sign for eoa.
type SignerSource func(ctx context.Context, eoa common.Address) (did.KeyManager, bool)

// LifecycleOptions wires a Lifecycle.
type LifecycleOptions struct {
	Chains         *config.ChainResolver
	DefaultChainID int64
	Code           CodeSource
	Resolvers      ResolverSource
	DialBundler    BundlerDialer
	Owner          OwnerSource
	Signers        SignerSource
}

// ClientOptions are per-call parameters.
type ClientOptions struct {
	ChainID int64
	// Public is the caller's own view of the chain; it is checked first.
	Public web3.AccountProvider
	// Signer signs the deployment user operation for the owner.
	Signer did.KeyManager
}

// Lifecycle builds counterfactual and deployed account clients.
type Lifecycle struct {
	opts LifecycleOptions
	log  *slog.Logger
}

// NewLifecycle returns a Lifecycle. A nil DialBundler dials over JSON-RPC.
func NewLifecycle(opts LifecycleOptions) *Lifecycle {
	if opts.DialBundler == nil {
		opts.DialBundler = func(ctx context.Context, cfg config.ChainConfig) (Bundler, error) {
			return DialBundler(ctx, cfg.BundlerURL, cfg.EntryPoint, cfg.ChainID, BundlerOptions{})
		}
	}
	if opts.DefaultChainID == 0 {
		opts.DefaultChainID = config.ChainSepolia
	}
	return &Lifecycle{opts: opts, log: logger.Named("aa")}
}

func (l *Lifecycle) chainConfig(chainID int64) (config.ChainConfig, error) {
	if chainID == 0 {
		chainID = l.opts.DefaultChainID
	}
	return l.opts.Chains.Resolve(chainID)
}

// ContractsFor returns the account contracts configured on cfg.
func ContractsFor(cfg config.ChainConfig) Contracts {
	return Contracts{
		EntryPoint:     cfg.EntryPoint,
		Factory:        cfg.AccountFactory,
		Implementation: cfg.HybridImplementation,
	}
}

// GetCounterfactualAccountClientByAgentName builds the client whose address
// is derived from (name, eoa) alone. It never touches the network.
func (l *Lifecycle) GetCounterfactualAccountClientByAgentName(ctx context.Context, name string, eoa common.Address, opts ClientOptions) (*AccountClient, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent 名称不能为空")
	}
	if eoa == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "owner EOA 地址不能为空")
	}
	cfg, err := l.chainConfig(opts.ChainID)
	if err != nil {
		return nil, err
	}
	return NewCounterfactualClient(cfg.ChainID, ContractsFor(cfg), DeployParams{Owner: eoa}, AgentSalt(name), opts.Public)
}

// GetDeployedAccountClientByAgentName returns a deployed client, deploying
// through the bundler when needed. Without a bundler URL an undeployed
// account is returned as a counterfactual client.
func (l *Lifecycle) GetDeployedAccountClientByAgentName(ctx context.Context, name string, eoa common.Address, opts ClientOptions) (*AccountClient, error) {
	client, err := l.GetCounterfactualAccountClientByAgentName(ctx, name, eoa, opts)
	if err != nil {
		return nil, err
	}
	cfg, err := l.chainConfig(client.ChainID)
	if err != nil {
		return nil, err
	}
	log := l.log.With(slog.String("agent", strings.TrimSpace(name)), slog.String("account", client.Address.Hex()),
		slog.Int64("chain_id", client.ChainID))

	if l.IsDeployed(ctx, client.ChainID, client.Address, opts.Public) {
		metrics.ObserveDeployment("already_deployed")
		return client.WithDeployedAddress(), nil
	}
	if !cfg.HasBundler() {
		metrics.ObserveDeployment("skipped")
		log.Info("未配置 bundler，返回未部署账户")
		return client, nil
	}

	signer := opts.Signer
	if signer == nil && l.opts.Signers != nil {
		signer, _ = l.opts.Signers(ctx, eoa)
	}
	if signer == nil {
		metrics.ObserveDeployment("error")
		return nil, xerrors.New(xerrors.CodeNotConfigured, "部署账户需要 owner 签名者",
			xerrors.WithMetadata("owner", eoa.Hex()))
	}

	receipt, err := l.deploy(ctx, cfg, client, signer)
	if err != nil {
		metrics.ObserveDeployment("error")
		return nil, err
	}
	metrics.ObserveDeployment("deployed")
	logger.Audit().Info("智能账户已部署",
		slog.String("agent", strings.TrimSpace(name)),
		slog.String("account", client.Address.Hex()),
		slog.String("owner", eoa.Hex()),
		slog.Int64("chain_id", client.ChainID),
		slog.String("user_op_hash", receipt.UserOpHash.Hex()),
		slog.String("tx_hash", receipt.Receipt.TransactionHash.Hex()),
	)
	return client.WithDeployedAddress(), nil
}

// IsDeployed checks for code at addr with public first, then with a direct
// RPC reader. Read failures count as "not deployed" for that reader.
func (l *Lifecycle) IsDeployed(ctx context.Context, chainID int64, addr common.Address, public web3.CodeReader) bool {
	readers := make([]web3.CodeReader, 0, 2)
	if public != nil {
		readers = append(readers, public)
	}
	if l.opts.Code != nil {
		fallback, err := l.opts.Code(ctx, chainID)
		if err != nil {
			l.log.Debug("获取 RPC 回退客户端失败", slog.Int64("chain_id", chainID), slog.Any("error", err))
		} else if fallback != nil {
			readers = append(readers, fallback)
		}
	}
	for i, reader := range readers {
		deployed, err := IsDeployedAt(ctx, reader, addr)
		if err != nil {
			l.log.Debug("读取账户字节码失败", slog.Int("attempt", i+1), slog.Any("error", err))
			continue
		}
		if deployed {
			return true
		}
	}
	return false
}

func (l *Lifecycle) deploy(ctx context.Context, cfg config.ChainConfig, client *AccountClient, signer did.KeyManager) (*UserOperationReceipt, error) {
	bundler, err := l.opts.DialBundler(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer bundler.Close()

	factory, factoryData, err := client.FactoryCall()
	if err != nil {
		return nil, err
	}
	callData, err := EncodeExecute(common.Address{}, nil, nil)
	if err != nil {
		return nil, err
	}
	nonce := new(big.Int)
	if client.Public != nil {
		if n, err := client.Nonce(ctx); err == nil {
			nonce = n
		}
	}
	prices, err := bundler.GetUserOperationGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	op := &UserOperation{
		Sender:               client.Address,
		Nonce:                nonce,
		Factory:              factory,
		FactoryData:          factoryData,
		CallData:             callData,
		MaxFeePerGas:         toInt(prices.Fast.MaxFeePerGas),
		MaxPriorityFeePerGas: toInt(prices.Fast.MaxPriorityFeePerGas),
		Signature:            DummySignature,
	}

	stub, err := bundler.GetPaymasterStubData(ctx, op)
	if err != nil {
		return nil, err
	}
	applyPaymaster(op, stub)

	estimate, err := bundler.EstimateUserOperationGas(ctx, op)
	if err != nil {
		return nil, err
	}
	op.CallGasLimit = toInt(estimate.CallGasLimit)
	op.VerificationGasLimit = toInt(estimate.VerificationGasLimit)
	op.PreVerificationGas = toInt(estimate.PreVerificationGas)
	if estimate.PaymasterVerificationGasLimit != nil {
		op.PaymasterVerificationGasLimit = estimate.PaymasterVerificationGasLimit.ToInt()
	}
	if estimate.PaymasterPostOpGasLimit != nil {
		op.PaymasterPostOpGasLimit = estimate.PaymasterPostOpGasLimit.ToInt()
	}

	sponsored, err := bundler.SponsorUserOperation(ctx, op)
	if err != nil {
		return nil, err
	}
	applyPaymaster(op, sponsored)

	hash, err := op.Hash(cfg.EntryPoint, cfg.ChainID)
	if err != nil {
		return nil, err
	}
	if op.Signature, err = signer.SignMessage(ctx, hash.Bytes()); err != nil {
		return nil, err
	}
	opHash, err := bundler.SendUserOperation(ctx, op)
	if err != nil {
		return nil, err
	}
	l.log.Info("已提交部署 user operation",
		slog.String("account", client.Address.Hex()),
		slog.String("user_op_hash", opHash.Hex()))
	return bundler.WaitForUserOperationReceipt(ctx, opHash)
}

func applyPaymaster(op *UserOperation, data PaymasterData) {
	if data.Paymaster == nil {
		return
	}
	op.Paymaster = data.Paymaster
	op.PaymasterData = data.PaymasterData
	if data.PaymasterVerificationGasLimit != nil {
		op.PaymasterVerificationGasLimit = data.PaymasterVerificationGasLimit.ToInt()
	}
	if data.PaymasterPostOpGasLimit != nil {
		op.PaymasterPostOpGasLimit = data.PaymasterPostOpGasLimit.ToInt()
	}
}

// AddressResult is the answer of GetAgentAccountAddress.
type AddressResult struct {
	Address common.Address
	Method  resolver.Method
}

// GetAgentAccountAddress resolves the account of name on chainID, falling
// back to the counterfactual address owned by eoa (or the default owner).
func (l *Lifecycle) GetAgentAccountAddress(ctx context.Context, name string, eoa common.Address, chainID int64) (AddressResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return AddressResult{}, xerrors.New(xerrors.CodeInvalidArgument, "agent 名称不能为空")
	}
	if chainID == 0 {
		chainID = l.opts.DefaultChainID
	}
	if l.opts.Resolvers != nil {
		if r := l.opts.Resolvers(chainID); r != nil {
			res := r.GetAgentAccountByAgentName(ctx, name)
			if res.Error != nil {
				return AddressResult{}, res.Error
			}
			if res.Account != nil {
				return AddressResult{Address: *res.Account, Method: res.Method}, nil
			}
		}
	}
	if eoa == (common.Address{}) && l.opts.Owner != nil {
		eoa, _ = l.opts.Owner(ctx)
	}
	if eoa == (common.Address{}) {
		return AddressResult{}, xerrors.New(xerrors.CodeNotConfigured, "无法确定计算确定性地址所需的 owner",
			xerrors.WithMetadata("chain_id", strconv.FormatInt(chainID, 10)))
	}
	client, err := l.GetCounterfactualAccountClientByAgentName(ctx, name, eoa, ClientOptions{ChainID: chainID})
	if err != nil {
		return AddressResult{}, err
	}
	return AddressResult{Address: client.Address, Method: resolver.MethodDeterministic}, nil
}
