// Package ens resolves agent names through the Ethereum Name Service. On L1
// the registry is asked for the resolver of each name; on L2 testnets the
// configured resolver is queried directly.
package ens

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/web3"
	"agentic-trust/pkg/logger"
)

// IdentityTextKey is the text record holding the agent identity reference.
const IdentityTextKey = "agent-identity"

var (
	registryABI = web3.MustParseABI(`[
{"type":"function","name":"resolver","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"owner","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]}
]`)
	resolverABI = web3.MustParseABI(`[
{"type":"function","name":"addr","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"text","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"name","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"string"}]}
]`)
)

// Identity is the on-chain identity an ENS name points to.
type Identity struct {
	AgentID  *big.Int
	Registry common.Address
	Account  common.Address
}

// OwnerReader resolves the owner of an identity token.
type OwnerReader interface {
	OwnerOf(ctx context.Context, agentID *big.Int) (common.Address, error)
}

// Client is the ENS surface used by the agent-account resolver.
type Client interface {
	RegistryAddress() common.Address
	GetAgentIdentityByName(ctx context.Context, name string) (Identity, error)
	GetAgentAccountByName(ctx context.Context, name string) (common.Address, error)
	GetAgentNameByAccount(ctx context.Context, account common.Address) (string, error)
}

// Options configures an ENS client.
type Options struct {
	ChainID  int64
	Registry common.Address
	Resolver common.Address
	Provider web3.AccountProvider
	Identity OwnerReader
}

type resolverLocator func(ctx context.Context, node common.Hash) (common.Address, error)

type client struct {
	chainID  int64
	registry common.Address
	provider web3.AccountProvider
	identity OwnerReader
	locate   resolverLocator
	log      *slog.Logger
}

// NewL1Client resolves names through the registry's per-name resolver.
func NewL1Client(opts Options) Client {
	c := newClient(opts, "l1")
	c.locate = func(ctx context.Context, node common.Hash) (common.Address, error) {
		values, err := c.provider.ReadContract(ctx, c.registry, registryABI, "resolver", node)
		if err != nil {
			return common.Address{}, err
		}
		resolver, _ := values[0].(common.Address)
		if resolver == (common.Address{}) {
			return common.Address{}, xerrors.New(xerrors.CodeNotFound, "名称未设置解析器",
				xerrors.WithMetadata("node", node.Hex()))
		}
		return resolver, nil
	}
	return c
}

// NewL2Client queries the configured resolver directly. When no resolver is
// configured the registry address doubles as the resolver.
func NewL2Client(opts Options) Client {
	c := newClient(opts, "l2")
	resolver := opts.Resolver
	if resolver == (common.Address{}) {
		resolver = opts.Registry
	}
	c.locate = func(context.Context, common.Hash) (common.Address, error) {
		return resolver, nil
	}
	return c
}

func newClient(opts Options, layer string) *client {
	return &client{
		chainID:  opts.ChainID,
		registry: opts.Registry,
		provider: opts.Provider,
		identity: opts.Identity,
		log:      logger.Named("ens").With(slog.String("layer", layer), slog.Int64("chain_id", opts.ChainID)),
	}
}

func (c *client) RegistryAddress() common.Address {
	return c.registry
}

func (c *client) GetAgentAccountByName(ctx context.Context, name string) (common.Address, error) {
	node := Namehash(name)
	resolver, err := c.locate(ctx, node)
	if err != nil {
		return common.Address{}, err
	}
	values, err := c.provider.ReadContract(ctx, resolver, resolverABI, "addr", node)
	if err != nil {
		return common.Address{}, err
	}
	account, _ := values[0].(common.Address)
	if account == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("名称 %s 未设置地址", name))
	}
	return account, nil
}

func (c *client) GetAgentIdentityByName(ctx context.Context, name string) (Identity, error) {
	node := Namehash(name)
	resolver, err := c.locate(ctx, node)
	if err != nil {
		return Identity{}, err
	}
	values, err := c.provider.ReadContract(ctx, resolver, resolverABI, "text", node, IdentityTextKey)
	if err != nil {
		return Identity{}, err
	}
	record, _ := values[0].(string)
	identity, err := ParseIdentityRecord(record)
	if err != nil {
		return Identity{}, err
	}
	if identity.AgentID == nil {
		return Identity{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("名称 %s 未关联身份", name))
	}
	if c.identity == nil {
		return Identity{}, xerrors.New(xerrors.CodeNotConfigured, "未配置身份注册表")
	}
	owner, err := c.identity.OwnerOf(ctx, identity.AgentID)
	if err != nil {
		return Identity{}, err
	}
	identity.Account = owner
	c.log.Debug("名称解析到身份", slog.String("name", name), slog.String("agent_id", identity.AgentID.String()))
	return identity, nil
}

func (c *client) GetAgentNameByAccount(ctx context.Context, account common.Address) (string, error) {
	node := ReverseNode(account)
	resolver, err := c.locate(ctx, node)
	if err != nil {
		return "", err
	}
	values, err := c.provider.ReadContract(ctx, resolver, resolverABI, "name", node)
	if err != nil {
		return "", err
	}
	name, _ := values[0].(string)
	if strings.TrimSpace(name) == "" {
		return "", xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("地址 %s 未设置反向解析", account.Hex()))
	}
	return name, nil
}

// ParseIdentityRecord decodes an agent-identity text record. Accepted forms
// are eip155:<chainId>:<registry>:<agentId> and a bare decimal agent ID. An
// empty record yields an Identity with a nil AgentID.
func ParseIdentityRecord(record string) (Identity, error) {
	record = strings.TrimSpace(record)
	if record == "" {
		return Identity{}, nil
	}
	parts := strings.Split(record, ":")
	switch {
	case len(parts) == 1:
		id, ok := new(big.Int).SetString(parts[0], 10)
		if !ok {
			return Identity{}, invalidRecord(record)
		}
		return Identity{AgentID: id}, nil
	case len(parts) == 4 && parts[0] == "eip155":
		if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
			return Identity{}, invalidRecord(record)
		}
		if !common.IsHexAddress(parts[2]) {
			return Identity{}, invalidRecord(record)
		}
		id, ok := new(big.Int).SetString(parts[3], 10)
		if !ok {
			return Identity{}, invalidRecord(record)
		}
		return Identity{AgentID: id, Registry: common.HexToAddress(parts[2])}, nil
	default:
		return Identity{}, invalidRecord(record)
	}
}

func invalidRecord(record string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无法解析 %s 记录: %q", IdentityTextKey, record))
}
