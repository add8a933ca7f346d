// Package chainsvc builds the per-chain protocol clients (discovery,
// identity, ENS, reputation). Each client is memoised per chain ID and bound
// to the best account provider available when it is first built.
package chainsvc

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"agentic-trust/internal/config"
	"agentic-trust/internal/discovery"
	"agentic-trust/internal/domainclient"
	"agentic-trust/internal/ens"
	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/identity"
	"agentic-trust/internal/reputation"
	"agentic-trust/internal/userapp"
	"agentic-trust/internal/web3"
	"agentic-trust/pkg/logger"
)

// ReadOnlyRole labels the RPC fallback in provider selection results.
const ReadOnlyRole config.Role = "read-only"

// RoleSource yields role contexts; *userapp.Apps satisfies it.
type RoleSource interface {
	Get(ctx context.Context, role config.Role) (*userapp.RoleContext, bool)
}

// Options wires the services to their collaborators.
type Options struct {
	Chains    *config.ChainResolver
	Apps      RoleSource
	Signers   userapp.SignerFactory
	Discovery discovery.Config
	Storage   Storage
}

// Services owns the chain-scoped client registries.
type Services struct {
	chains    *config.ChainResolver
	apps      RoleSource
	signers   userapp.SignerFactory
	discovery discovery.Config
	storage   Storage
	log       *slog.Logger

	discoveryClients  *domainclient.Registry[int64, *discovery.Client]
	identityClients   *domainclient.Registry[int64, *identity.Client]
	ensClients        *domainclient.Registry[int64, ens.Client]
	reputationClients *domainclient.Registry[int64, *reputation.Client]
}

// New constructs the services. Nothing is dialed until first use.
func New(opts Options) *Services {
	s := &Services{
		chains:    opts.Chains,
		apps:      opts.Apps,
		signers:   opts.Signers,
		discovery: opts.Discovery,
		storage:   opts.Storage,
		log:       logger.Named("chainsvc"),
	}
	s.discoveryClients = domainclient.New("discovery", s.buildDiscovery)
	s.identityClients = domainclient.New("identity", s.buildIdentity)
	s.ensClients = domainclient.New("ens", s.buildENS)
	s.reputationClients = domainclient.New("reputation", s.buildReputation)
	return s
}

// Chains exposes the chain configuration resolver.
func (s *Services) Chains() *config.ChainResolver {
	return s.chains
}

// Discovery returns the discovery client for chainID.
func (s *Services) Discovery(ctx context.Context, chainID int64) (*discovery.Client, error) {
	return s.discoveryClients.Get(ctx, chainID)
}

// Identity returns the identity registry client for chainID.
func (s *Services) Identity(ctx context.Context, chainID int64) (*identity.Client, error) {
	return s.identityClients.Get(ctx, chainID)
}

// ENS returns the ENS client for chainID. A chain without an ENS registry
// yields a NOT_CONFIGURED error.
func (s *Services) ENS(ctx context.Context, chainID int64) (ens.Client, error) {
	return s.ensClients.Get(ctx, chainID)
}

// Reputation returns the reputation registry client for chainID.
func (s *Services) Reputation(ctx context.Context, chainID int64) (*reputation.Client, error) {
	return s.reputationClients.Get(ctx, chainID)
}

// Reset drops every memoised client.
func (s *Services) Reset() {
	s.discoveryClients.ResetAll()
	s.identityClients.ResetAll()
	s.ensClients.ResetAll()
	s.reputationClients.ResetAll()
}

// SelectAccountProvider returns the first usable provider for chainID in the
// order admin, client, provider, then a read-only RPC provider. A role whose
// context lives on another chain has its key rebound to chainID.
func (s *Services) SelectAccountProvider(ctx context.Context, chainID int64) (web3.AccountProvider, config.Role, error) {
	for _, role := range config.Roles() {
		if s.apps == nil {
			break
		}
		rc, ok := s.apps.Get(ctx, role)
		if !ok {
			continue
		}
		if rc.ChainID == chainID {
			return rc.AccountProvider(), role, nil
		}
		if rc.Key == nil || s.signers == nil {
			continue
		}
		signer, err := s.signers.Signer(ctx, chainID, rc.Key)
		if err != nil {
			s.log.Warn("角色账户无法绑定到目标链",
				slog.String("role", string(role)), slog.Int64("chain_id", chainID), slog.Any("error", err))
			continue
		}
		return signer, role, nil
	}
	if s.signers == nil {
		return nil, "", xerrors.New(xerrors.CodeNotConfigured, "没有可用的链访问方式",
			xerrors.WithMetadata("chain_id", strconv.FormatInt(chainID, 10)))
	}
	public, err := s.signers.ReadOnly(ctx, chainID)
	if err != nil {
		return nil, "", err
	}
	return public, ReadOnlyRole, nil
}

func (s *Services) buildDiscovery(_ context.Context, chainID int64) (*discovery.Client, error) {
	if _, err := s.chains.Resolve(chainID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.discovery.URL) == "" {
		return nil, xerrors.New(xerrors.CodeNotConfigured, "未配置 discovery 索引",
			xerrors.WithMetadata("chain_id", strconv.FormatInt(chainID, 10)))
	}
	return discovery.NewClient(s.discovery)
}

func (s *Services) buildIdentity(ctx context.Context, chainID int64) (*identity.Client, error) {
	cfg, err := s.chains.Resolve(chainID)
	if err != nil {
		return nil, err
	}
	provider, role, err := s.SelectAccountProvider(ctx, chainID)
	if err != nil {
		return nil, err
	}
	s.log.Debug("构建身份注册表客户端", slog.Int64("chain_id", chainID), slog.String("role", string(role)))
	return identity.NewClient(cfg.IdentityRegistry, provider), nil
}

func (s *Services) buildENS(ctx context.Context, chainID int64) (ens.Client, error) {
	cfg, err := s.chains.Resolve(chainID)
	if err != nil {
		return nil, err
	}
	if !cfg.HasENS() {
		return nil, xerrors.New(xerrors.CodeNotConfigured, "未配置 ENS 注册表",
			xerrors.WithMetadata("chain_id", strconv.FormatInt(chainID, 10)))
	}
	provider, _, err := s.SelectAccountProvider(ctx, chainID)
	if err != nil {
		return nil, err
	}
	idClient, err := s.Identity(ctx, chainID)
	if err != nil {
		return nil, err
	}
	opts := ens.Options{
		ChainID:  chainID,
		Registry: cfg.ENSRegistry,
		Resolver: cfg.ENSResolver,
		Provider: provider,
		Identity: idClient,
	}
	return NewENSClient(opts), nil
}

// NewENSClient picks the L1 or L2 implementation from the chain ID alone.
func NewENSClient(opts ens.Options) ens.Client {
	if config.IsL2(opts.ChainID) {
		return ens.NewL2Client(opts)
	}
	return ens.NewL1Client(opts)
}

func (s *Services) buildReputation(ctx context.Context, chainID int64) (*reputation.Client, error) {
	cfg, err := s.chains.Resolve(chainID)
	if err != nil {
		return nil, err
	}
	if cfg.ReputationRegistry == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeNotConfigured, "未配置信誉注册表",
			xerrors.WithMetadata("chain_id", strconv.FormatInt(chainID, 10)))
	}
	provider, _, err := s.SelectAccountProvider(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return reputation.NewClient(cfg.ReputationRegistry, cfg.IdentityRegistry, provider), nil
}
