package feedback

import (
	"context"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"agentic-trust/internal/did"
	xerrors "agentic-trust/internal/errors"
	"agentic-trust/pkg/logger"
)

// DefaultExpirySeconds is used when neither the params nor the issuer set one.
const DefaultExpirySeconds = 3600

// Approvals answers the identity registry's ownership questions;
// *identity.Client satisfies it.
type Approvals interface {
	OwnerOf(ctx context.Context, agentID *big.Int) (common.Address, error)
	IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error)
	GetApproved(ctx context.Context, agentID *big.Int) (common.Address, error)
}

// Reputation is the registry view needed to issue an auth;
// *reputation.Client satisfies it.
type Reputation interface {
	ChainID() int64
	IdentityRegistry() common.Address
	GetLastIndex(ctx context.Context, agentID *big.Int, client common.Address) (uint64, error)
}

// ApprovalSource returns the identity registry for a chain.
type ApprovalSource func(ctx context.Context, chainID int64) (Approvals, error)

// Params describe one authorisation request.
type Params struct {
	AgentID            *big.Int
	ClientAddress      common.Address
	IndexLimitOverride *uint64
	ExpirySeconds      uint64
	Format             Format
	Signer             did.KeyManager
}

// IssuerOptions configure an Issuer.
type IssuerOptions struct {
	Approvals     ApprovalSource
	Ledger        Ledger
	ExpirySeconds uint64
	Now           func() time.Time
}

// Issuer signs feedback authorisations.
type Issuer struct {
	opts IssuerOptions
	log  *slog.Logger
}

// NewIssuer returns an Issuer. A nil ledger records into memory.
func NewIssuer(opts IssuerOptions) *Issuer {
	if opts.Ledger == nil {
		opts.Ledger = NewMemoryLedger()
	}
	if opts.ExpirySeconds == 0 {
		opts.ExpirySeconds = DefaultExpirySeconds
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Issuer{opts: opts, log: logger.Named("feedback")}
}

// Ledger exposes the ledger issued auths are recorded in.
func (i *Issuer) Ledger() Ledger {
	return i.opts.Ledger
}

// CreateFeedbackAuth checks that the signer controls the agent, computes the
// next index limit and signs the auth.
func (i *Issuer) CreateFeedbackAuth(ctx context.Context, params Params, rep Reputation) (Result, error) {
	if params.AgentID == nil || params.AgentID.Sign() < 0 {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "agentId 无效")
	}
	if params.ClientAddress == (common.Address{}) {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "client 地址不能为空")
	}
	if params.Signer == nil {
		return Result{}, xerrors.New(xerrors.CodeNotConfigured, "缺少反馈授权签名者")
	}
	if rep == nil {
		return Result{}, xerrors.New(xerrors.CodeNotConfigured, "未配置信誉注册表")
	}
	signer := params.Signer.Address()
	chainID := rep.ChainID()

	if err := i.checkApproval(ctx, chainID, params.AgentID, signer); err != nil {
		return Result{}, err
	}

	var indexLimit uint64
	if params.IndexLimitOverride != nil {
		indexLimit = *params.IndexLimitOverride
	} else {
		last, err := rep.GetLastIndex(ctx, params.AgentID, params.ClientAddress)
		if err != nil {
			return Result{}, err
		}
		if last == math.MaxUint64 {
			return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "反馈索引已达上限",
				xerrors.WithMetadata("agent_id", params.AgentID.String()),
				xerrors.WithMetadata("client", params.ClientAddress.Hex()))
		}
		indexLimit = last + 1
	}

	seconds := params.ExpirySeconds
	if seconds == 0 {
		seconds = i.opts.ExpirySeconds
	}
	expiry := i.expiry(seconds)

	auth := Auth{
		AgentID:          new(big.Int).Set(params.AgentID),
		ClientAddress:    params.ClientAddress,
		IndexLimit:       indexLimit,
		Expiry:           expiry,
		ChainID:          big.NewInt(chainID),
		IdentityRegistry: rep.IdentityRegistry(),
		SignerAddress:    signer,
	}
	encoded, err := auth.Encode()
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码反馈授权失败")
	}
	hash, err := auth.Hash()
	if err != nil {
		return Result{}, err
	}
	sig, err := params.Signer.SignMessage(ctx, hash.Bytes())
	if err != nil {
		return Result{}, err
	}
	result := Result{Auth: auth, Encoded: encoded, Signature: sig, Format: params.Format}

	record := Record{
		ID:               uuid.NewString(),
		ChainID:          chainID,
		AgentID:          auth.AgentID.String(),
		ClientAddress:    auth.ClientAddress,
		SignerAddress:    signer,
		IdentityRegistry: auth.IdentityRegistry,
		IndexLimit:       indexLimit,
		Expiry:           expiry,
		Signature:        hexutil.Encode(sig),
		IssuedAt:         i.opts.Now().UTC(),
	}
	if err := i.opts.Ledger.Append(ctx, record); err != nil {
		i.log.Warn("记录反馈授权失败", slog.String("agent_id", record.AgentID), slog.Any("error", err))
	}
	logger.Audit().Info("已签发反馈授权",
		slog.String("id", record.ID),
		slog.Int64("chain_id", chainID),
		slog.String("agent_id", record.AgentID),
		slog.String("client", auth.ClientAddress.Hex()),
		slog.String("signer", signer.Hex()),
		slog.Uint64("index_limit", indexLimit),
		slog.Uint64("expiry", expiry),
		slog.String("format", params.Format.String()),
	)
	return result, nil
}

func (i *Issuer) checkApproval(ctx context.Context, chainID int64, agentID *big.Int, signer common.Address) error {
	if i.opts.Approvals == nil {
		return xerrors.New(xerrors.CodeNotConfigured, "未配置身份注册表")
	}
	registry, err := i.opts.Approvals(ctx, chainID)
	if err != nil {
		return err
	}
	owner, err := registry.OwnerOf(ctx, agentID)
	if err != nil {
		return err
	}
	if owner == signer {
		return nil
	}
	approvedForAll, err := registry.IsApprovedForAll(ctx, owner, signer)
	if err != nil {
		return err
	}
	if approvedForAll {
		return nil
	}
	approved, err := registry.GetApproved(ctx, agentID)
	if err != nil {
		return err
	}
	if approved == signer {
		return nil
	}
	return xerrors.New(xerrors.CodeAuthorization, "签名者既不是 agent 所有者也未获授权",
		xerrors.WithMetadata("agent_id", agentID.String()),
		xerrors.WithMetadata("owner", owner.Hex()),
		xerrors.WithMetadata("signer", signer.Hex()))
}

func (i *Issuer) expiry(seconds uint64) uint64 {
	total := new(big.Int).Add(big.NewInt(i.opts.Now().Unix()), new(big.Int).SetUint64(seconds))
	if !total.IsUint64() {
		i.log.Warn("反馈授权过期时间超出 uint64 范围，已截断",
			slog.String("requested", total.String()))
		return math.MaxUint64
	}
	return total.Uint64()
}
