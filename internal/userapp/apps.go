package userapp

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"agentic-trust/internal/config"
	"agentic-trust/internal/domainclient"
	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/web3"
	"agentic-trust/internal/web3/ethereum"
	"agentic-trust/pkg/logger"
)

// RoleContext is the signer-bound execution context of one user app.
type RoleContext struct {
	Role    config.Role
	ChainID int64
	Key     *ecdsa.PrivateKey
	// Address is the account the role acts as: the signer EOA for admin and
	// client apps, the agent smart account for the provider app.
	Address       common.Address
	SignerAddress common.Address
	Public        web3.AccountProvider
	Wallet        web3.AccountProvider
	HasPrivateKey bool
	Session       *SessionPackage
	AgentID       *big.Int
}

// AccountProvider returns the adapter protocol clients should use.
func (rc *RoleContext) AccountProvider() web3.AccountProvider {
	if rc.Wallet != nil {
		return rc.Wallet
	}
	return rc.Public
}

// Builder constructs the context for an enabled role.
type Builder func(ctx context.Context, role config.Role) (*RoleContext, error)

// Apps memoises one RoleContext per role for the lifetime of the process.
type Apps struct {
	gate     config.RoleGate
	contexts *domainclient.Registry[config.Role, *RoleContext]
	log      *slog.Logger
}

// New creates the role singletons. gate is consulted on every call.
func New(gate config.RoleGate, build Builder) *Apps {
	if gate == nil {
		gate = config.StaticGate()
	}
	return &Apps{
		gate:     gate,
		contexts: domainclient.New("userapp", domainclient.BuildFunc[config.Role, *RoleContext](build)),
		log:      logger.Named("userapp"),
	}
}

// Enabled reports whether role is switched on for this process.
func (a *Apps) Enabled(role config.Role) bool {
	return a.gate(role)
}

// Get returns the context for role. A disabled role yields nil, false with
// no side effects. An enabled role that cannot be built is logged and also
// yields nil, false; the next call retries.
func (a *Apps) Get(ctx context.Context, role config.Role) (*RoleContext, bool) {
	if !a.gate(role) {
		return nil, false
	}
	rc, err := a.contexts.Get(ctx, role)
	if err != nil {
		a.log.Warn("用户应用未能初始化", slog.String("role", string(role)), slog.Any("error", err))
		return nil, false
	}
	return rc, rc != nil
}

// Admin returns the admin app context.
func (a *Apps) Admin(ctx context.Context) (*RoleContext, bool) {
	return a.Get(ctx, config.RoleAdmin)
}

// Client returns the client app context.
func (a *Apps) Client(ctx context.Context) (*RoleContext, bool) {
	return a.Get(ctx, config.RoleClient)
}

// Provider returns the provider app context.
func (a *Apps) Provider(ctx context.Context) (*RoleContext, bool) {
	return a.Get(ctx, config.RoleProvider)
}

// IsInitialized reports whether role has a memoised context.
func (a *Apps) IsInitialized(role config.Role) bool {
	return a.contexts.IsInitialized(role)
}

// Reset drops every memoised context.
func (a *Apps) Reset() {
	a.contexts.ResetAll()
}

// SignerFactory binds keys to chain connections.
type SignerFactory interface {
	Signer(ctx context.Context, chainID int64, key *ecdsa.PrivateKey) (*ethereum.Provider, error)
	ReadOnly(ctx context.Context, chainID int64) (*ethereum.Provider, error)
}

// NewBuilder returns the default Builder reading role secrets from src.
func NewBuilder(src *config.Source, signers SignerFactory, defaultChainID int64) Builder {
	return func(ctx context.Context, role config.Role) (*RoleContext, error) {
		var (
			rc  *RoleContext
			err error
		)
		switch role {
		case config.RoleAdmin:
			rc, err = buildKeyed(ctx, src, signers, role, config.EnvAdminPrivateKey, defaultChainID)
		case config.RoleClient:
			rc, err = buildKeyed(ctx, src, signers, role, config.EnvClientPrivateKey, defaultChainID)
		case config.RoleProvider:
			rc, err = buildProvider(ctx, src, signers, defaultChainID)
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的用户应用角色: "+string(role))
		}
		if err != nil {
			return nil, err
		}
		logger.Audit().Info("用户应用已初始化",
			slog.String("role", string(role)),
			slog.String("address", rc.Address.Hex()),
			slog.String("signer", rc.SignerAddress.Hex()),
			slog.Int64("chain_id", rc.ChainID),
		)
		return rc, nil
	}
}

func buildKeyed(ctx context.Context, src *config.Source, signers SignerFactory, role config.Role, keyVar string, chainID int64) (*RoleContext, error) {
	raw, err := config.RequireChainEnvVar(src, keyVar, chainID)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return bind(ctx, signers, role, chainID, key)
}

func buildProvider(ctx context.Context, src *config.Source, signers SignerFactory, defaultChainID int64) (*RoleContext, error) {
	path, _ := src.Lookup(config.EnvSessionPackagePath)
	pkg, err := LoadSessionPackage(path)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(pkg.SessionKey.PrivateKey)
	if err != nil {
		return nil, err
	}
	agentID, err := pkg.ParsedAgentID()
	if err != nil {
		return nil, err
	}
	agentAddress, err := pkg.AgentAddress()
	if err != nil {
		return nil, err
	}
	chainID := defaultChainID
	if pkg.ChainID != 0 {
		if !config.IsSupportedChain(pkg.ChainID) {
			return nil, xerrors.New(xerrors.CodeConfiguration, "会话包指定了不支持的链",
				xerrors.WithMetadata("chain_id", strconv.FormatInt(pkg.ChainID, 10)))
		}
		chainID = pkg.ChainID
	}
	rc, err := bind(ctx, signers, config.RoleProvider, chainID, key)
	if err != nil {
		return nil, err
	}
	rc.Address = agentAddress
	rc.Session = pkg
	rc.AgentID = agentID
	return rc, nil
}

func bind(ctx context.Context, signers SignerFactory, role config.Role, chainID int64, key *ecdsa.PrivateKey) (*RoleContext, error) {
	wallet, err := signers.Signer(ctx, chainID, key)
	if err != nil {
		return nil, err
	}
	public, err := signers.ReadOnly(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return &RoleContext{
		Role:          role,
		ChainID:       chainID,
		Key:           key,
		Address:       wallet.Address(),
		SignerAddress: wallet.Address(),
		Public:        public,
		Wallet:        wallet,
		HasPrivateKey: true,
	}, nil
}
