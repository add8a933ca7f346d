package chainsvc

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	xerrors "agentic-trust/internal/errors"
)

// Storage reads documents from IPFS; *ipfs.Client satisfies it.
type Storage interface {
	GetJSON(ctx context.Context, ref string) (map[string]any, error)
}

// Registration is an agent's identity token URI and the document behind it.
type Registration struct {
	AgentID  *big.Int
	ChainID  int64
	TokenURI string
	Document map[string]any
}

// AgentRegistration reads the token URI of agentID from the identity registry
// and fetches the registration document it points at. Document is nil when
// the URI has no content.
func (s *Services) AgentRegistration(ctx context.Context, chainID int64, agentID *big.Int) (Registration, error) {
	if agentID == nil || agentID.Sign() < 0 {
		return Registration{}, xerrors.New(xerrors.CodeInvalidArgument, "agentId 无效")
	}
	if s.storage == nil {
		return Registration{}, xerrors.New(xerrors.CodeNotConfigured, "未配置 IPFS 存储")
	}
	identity, err := s.Identity(ctx, chainID)
	if err != nil {
		return Registration{}, err
	}
	uri, err := identity.TokenURI(ctx, agentID)
	if err != nil {
		return Registration{}, err
	}
	reg := Registration{AgentID: agentID, ChainID: chainID, TokenURI: strings.TrimSpace(uri)}
	if reg.TokenURI == "" {
		return reg, xerrors.New(xerrors.CodeNotFound, "agent 未设置 tokenURI",
			xerrors.WithMetadata("agent_id", agentID.String()),
			xerrors.WithMetadata("chain_id", strconv.FormatInt(chainID, 10)))
	}
	doc, err := s.storage.GetJSON(ctx, reg.TokenURI)
	if err != nil {
		return reg, err
	}
	if doc == nil {
		s.log.Debug("注册文档不存在", slog.String("token_uri", reg.TokenURI))
	}
	reg.Document = doc
	return reg, nil
}
