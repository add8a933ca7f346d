package chainsvc

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"agentic-trust/internal/config"
	"agentic-trust/internal/did"
	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/feedback"
	"agentic-trust/internal/web3"
)

// DefaultOwner returns the signer EOA of the first enabled keyed role.
func (s *Services) DefaultOwner(ctx context.Context) (common.Address, bool) {
	if s.apps == nil {
		return common.Address{}, false
	}
	for _, role := range config.Roles() {
		rc, ok := s.apps.Get(ctx, role)
		if !ok || rc.Key == nil {
			continue
		}
		return rc.SignerAddress, true
	}
	return common.Address{}, false
}

// SignerFor returns a key manager for the role whose signer is eoa.
func (s *Services) SignerFor(ctx context.Context, eoa common.Address) (did.KeyManager, bool) {
	if s.apps == nil {
		return nil, false
	}
	for _, role := range config.Roles() {
		rc, ok := s.apps.Get(ctx, role)
		if !ok || rc.Key == nil || rc.SignerAddress != eoa {
			continue
		}
		km, err := did.NewLocalKeyManager(rc.Key)
		if err != nil {
			s.log.Warn("无法构造签名者", slog.String("role", string(role)), slog.Any("error", err))
			continue
		}
		return km, true
	}
	return nil, false
}

// CodeReader returns a read-only RPC view of chainID.
func (s *Services) CodeReader(ctx context.Context, chainID int64) (web3.CodeReader, error) {
	if s.signers == nil {
		return nil, xerrors.New(xerrors.CodeNotConfigured, "没有可用的链访问方式")
	}
	return s.signers.ReadOnly(ctx, chainID)
}

// Approvals returns the identity registry of chainID for feedback issuance.
func (s *Services) Approvals(ctx context.Context, chainID int64) (feedback.Approvals, error) {
	return s.Identity(ctx, chainID)
}

// FeedbackRequest asks the provider app to authorise a client.
type FeedbackRequest struct {
	// ChainID defaults to the provider app's chain.
	ChainID int64
	// AgentID defaults to the agent of the provider's session package.
	AgentID       *big.Int
	ClientAddress common.Address
	IndexLimit    *uint64
	ExpirySeconds uint64
	Format        feedback.Format
}

// FeedbackAuthorizer issues feedback auths signed by the provider app.
type FeedbackAuthorizer struct {
	services *Services
	issuer   *feedback.Issuer
}

// NewFeedbackAuthorizer binds issuer to the provider role of services.
func NewFeedbackAuthorizer(services *Services, issuer *feedback.Issuer) *FeedbackAuthorizer {
	return &FeedbackAuthorizer{services: services, issuer: issuer}
}

// Authorize resolves the provider context and reputation registry, then
// delegates to the issuer.
func (f *FeedbackAuthorizer) Authorize(ctx context.Context, req FeedbackRequest) (feedback.Result, error) {
	if f.services.apps == nil {
		return feedback.Result{}, xerrors.New(xerrors.CodeNotConfigured, "未启用 provider 应用")
	}
	rc, ok := f.services.apps.Get(ctx, config.RoleProvider)
	if !ok || rc.Key == nil {
		return feedback.Result{}, xerrors.New(xerrors.CodeNotConfigured, "未启用 provider 应用")
	}
	signer, err := did.NewLocalKeyManager(rc.Key)
	if err != nil {
		return feedback.Result{}, err
	}
	chainID := req.ChainID
	if chainID == 0 {
		chainID = rc.ChainID
	}
	agentID := req.AgentID
	if agentID == nil {
		agentID = rc.AgentID
	}
	rep, err := f.services.Reputation(ctx, chainID)
	if err != nil {
		return feedback.Result{}, err
	}
	return f.issuer.CreateFeedbackAuth(ctx, feedback.Params{
		AgentID:            agentID,
		ClientAddress:      req.ClientAddress,
		IndexLimitOverride: req.IndexLimit,
		ExpirySeconds:      req.ExpirySeconds,
		Format:             req.Format,
		Signer:             signer,
	}, rep)
}
