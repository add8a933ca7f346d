package resolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"agentic-trust/internal/discovery"
	"agentic-trust/internal/ens"
	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/web3"
	"agentic-trust/pkg/logger"
)

// ENSSource yields the ENS client for the resolver's chain.
type ENSSource func(ctx context.Context) (ens.Client, error)

// AgentFinder looks agents up by name; *discovery.Client satisfies it.
type AgentFinder interface {
	GetAgentByName(ctx context.Context, name string) (*discovery.Agent, error)
}

// DiscoverySource yields the discovery client for the resolver's chain.
type DiscoverySource func(ctx context.Context) (AgentFinder, error)

// sourceFailure classifies an error from building a chain client. NOT_CONFIGURED
// skips the strategy; CONFIGURATION_ERROR is returned so the chain stops;
// anything else is logged and skipped.
func sourceFailure(err error, what string, log *slog.Logger) error {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotConfigured:
		return nil
	case xerrors.CodeConfiguration:
		return err
	default:
		log.Warn("获取"+what+"客户端失败", slog.Any("error", err))
		return nil
	}
}

// usableENS returns the ENS client when a registry is configured. A missing
// registry is not an error.
func usableENS(ctx context.Context, source ENSSource, log *slog.Logger) (ens.Client, bool, error) {
	if source == nil {
		return nil, false, nil
	}
	client, err := source(ctx)
	if err != nil {
		return nil, false, sourceFailure(err, " ENS ", log)
	}
	if client == nil || client.RegistryAddress() == (common.Address{}) {
		return nil, false, nil
	}
	return client, true, nil
}

// ENSIdentityStrategy resolves the agent-identity text record of a name and
// returns the owner of that identity.
type ENSIdentityStrategy struct {
	source ENSSource
	log    *slog.Logger
}

// NewENSIdentityStrategy builds the strategy.
func NewENSIdentityStrategy(source ENSSource) *ENSIdentityStrategy {
	return &ENSIdentityStrategy{source: source, log: logger.Named("resolver.ens-identity")}
}

// Method implements Strategy.
func (s *ENSIdentityStrategy) Method() Method { return MethodENSIdentity }

// TryResolve implements Strategy.
func (s *ENSIdentityStrategy) TryResolve(ctx context.Context, name string) (common.Address, bool, error) {
	client, ok, err := usableENS(ctx, s.source, s.log)
	if !ok {
		return common.Address{}, false, err
	}
	identity, err := client.GetAgentIdentityByName(ctx, name)
	if err != nil {
		s.log.Debug("ENS 身份解析失败", slog.String("name", name), slog.Any("error", err))
		return common.Address{}, false, nil
	}
	return identity.Account, IsValidAccount(identity.Account), nil
}

// ENSDirectStrategy resolves the addr record of a name.
type ENSDirectStrategy struct {
	source ENSSource
	log    *slog.Logger
}

// NewENSDirectStrategy builds the strategy.
func NewENSDirectStrategy(source ENSSource) *ENSDirectStrategy {
	return &ENSDirectStrategy{source: source, log: logger.Named("resolver.ens-direct")}
}

// Method implements Strategy.
func (s *ENSDirectStrategy) Method() Method { return MethodENSDirect }

// TryResolve implements Strategy.
func (s *ENSDirectStrategy) TryResolve(ctx context.Context, name string) (common.Address, bool, error) {
	client, ok, err := usableENS(ctx, s.source, s.log)
	if !ok {
		return common.Address{}, false, err
	}
	account, err := client.GetAgentAccountByName(ctx, name)
	if err != nil {
		s.log.Debug("ENS 地址解析失败", slog.String("name", name), slog.Any("error", err))
		return common.Address{}, false, nil
	}
	return account, IsValidAccount(account), nil
}

// DiscoveryStrategy looks the name up in the discovery index.
type DiscoveryStrategy struct {
	source DiscoverySource
	log    *slog.Logger
}

// NewDiscoveryStrategy builds the strategy.
func NewDiscoveryStrategy(source DiscoverySource) *DiscoveryStrategy {
	return &DiscoveryStrategy{source: source, log: logger.Named("resolver.discovery")}
}

// Method implements Strategy.
func (s *DiscoveryStrategy) Method() Method { return MethodDiscovery }

// TryResolve implements Strategy.
func (s *DiscoveryStrategy) TryResolve(ctx context.Context, name string) (common.Address, bool, error) {
	if s.source == nil {
		return common.Address{}, false, nil
	}
	finder, err := s.source(ctx)
	if err != nil {
		return common.Address{}, false, sourceFailure(err, " discovery ", s.log)
	}
	if finder == nil {
		return common.Address{}, false, nil
	}
	agent, err := finder.GetAgentByName(ctx, name)
	if err != nil {
		s.log.Debug("discovery 查询失败", slog.String("name", name), slog.Any("error", err))
		return common.Address{}, false, nil
	}
	account, ok := ExtractAgentAccountFromDiscovery(agent)
	return account, ok, nil
}

// ExtractAgentAccountFromDiscovery pulls an account out of an indexed agent.
// Precedence: agentAccount, the last ':' segment of agentAccountEndpoint,
// then agentAccount, agent.account or account inside rawJson.
func ExtractAgentAccountFromDiscovery(agent *discovery.Agent) (common.Address, bool) {
	if agent == nil {
		return common.Address{}, false
	}
	if addr, ok := parseAccount(agent.AgentAccount); ok {
		return addr, true
	}
	if endpoint := strings.TrimSpace(agent.AgentAccountEndpoint); endpoint != "" {
		parts := strings.Split(endpoint, ":")
		if addr, ok := parseAccount(parts[len(parts)-1]); ok {
			return addr, true
		}
	}
	return accountFromRawJSON(agent.RawJSON)
}

func accountFromRawJSON(raw string) (common.Address, bool) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, false
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return common.Address{}, false
	}
	candidates := []any{doc["agentAccount"]}
	if nested, ok := doc["agent"].(map[string]any); ok {
		candidates = append(candidates, nested["account"])
	}
	candidates = append(candidates, doc["account"])
	for _, candidate := range candidates {
		text, _ := candidate.(string)
		if addr, ok := parseAccount(text); ok {
			return addr, true
		}
	}
	return common.Address{}, false
}

func parseAccount(s string) (common.Address, bool) {
	s = strings.TrimSpace(s)
	if !web3.IsValidAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}
