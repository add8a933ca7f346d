// Package identity wraps the ERC-8004 identity registry, an ERC-721 style
// contract whose token IDs are agent IDs.
package identity

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/web3"
)

var registryABI = web3.MustParseABI(`[
{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"isApprovedForAll","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"getApproved","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"tokenURI","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"register","stateMutability":"nonpayable","inputs":[{"name":"tokenURI","type":"string"}],"outputs":[{"name":"agentId","type":"uint256"}]}
]`)

// Client reads and writes the identity registry on one chain.
type Client struct {
	registry common.Address
	provider web3.AccountProvider
}

// NewClient binds the registry at address to provider.
func NewClient(address common.Address, provider web3.AccountProvider) *Client {
	return &Client{registry: address, provider: provider}
}

// Address returns the registry address.
func (c *Client) Address() common.Address {
	return c.registry
}

// ChainID returns the chain the registry lives on.
func (c *Client) ChainID() int64 {
	return c.provider.ChainID()
}

// Provider exposes the account provider the client was built with.
func (c *Client) Provider() web3.AccountProvider {
	return c.provider
}

// OwnerOf returns the current owner of agentID.
func (c *Client) OwnerOf(ctx context.Context, agentID *big.Int) (common.Address, error) {
	values, err := c.provider.ReadContract(ctx, c.registry, registryABI, "ownerOf", agentID)
	if err != nil {
		return common.Address{}, err
	}
	owner, _ := values[0].(common.Address)
	return owner, nil
}

// IsApprovedForAll reports whether operator may manage all of owner's agents.
func (c *Client) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	values, err := c.provider.ReadContract(ctx, c.registry, registryABI, "isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}
	approved, _ := values[0].(bool)
	return approved, nil
}

// GetApproved returns the operator approved for agentID.
func (c *Client) GetApproved(ctx context.Context, agentID *big.Int) (common.Address, error) {
	values, err := c.provider.ReadContract(ctx, c.registry, registryABI, "getApproved", agentID)
	if err != nil {
		return common.Address{}, err
	}
	operator, _ := values[0].(common.Address)
	return operator, nil
}

// TokenURI returns the registration metadata URI of agentID.
func (c *Client) TokenURI(ctx context.Context, agentID *big.Int) (string, error) {
	values, err := c.provider.ReadContract(ctx, c.registry, registryABI, "tokenURI", agentID)
	if err != nil {
		return "", err
	}
	uri, _ := values[0].(string)
	return uri, nil
}

// TransferFrom moves agentID from one owner to another.
func (c *Client) TransferFrom(ctx context.Context, from, to common.Address, agentID *big.Int) (common.Hash, error) {
	return c.send(ctx, "transferFrom", from, to, agentID)
}

// RegisterAgent mints a new identity pointing at tokenURI.
func (c *Client) RegisterAgent(ctx context.Context, tokenURI string) (common.Hash, error) {
	if tokenURI == "" {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "tokenURI 不能为空")
	}
	return c.send(ctx, "register", tokenURI)
}

func (c *Client) send(ctx context.Context, method string, args ...any) (common.Hash, error) {
	if !c.provider.CanSign() {
		return common.Hash{}, xerrors.New(xerrors.CodeNotConfigured, "身份注册表写操作需要签名账户")
	}
	data, err := c.provider.EncodeFunctionData(registryABI, method, args...)
	if err != nil {
		return common.Hash{}, err
	}
	to := c.registry
	return c.provider.Send(ctx, web3.TxRequest{To: &to, Data: data})
}
