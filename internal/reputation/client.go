// Package reputation wraps the ERC-8004 reputation registry.
package reputation

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/web3"
)

var registryABI = web3.MustParseABI(`[
{"type":"function","name":"getLastIndex","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"},{"name":"clientAddress","type":"address"}],"outputs":[{"name":"","type":"uint64"}]},
{"type":"function","name":"getIdentityRegistry","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"giveFeedback","stateMutability":"nonpayable","inputs":[{"name":"agentId","type":"uint256"},{"name":"score","type":"uint8"},{"name":"tag1","type":"bytes32"},{"name":"tag2","type":"bytes32"},{"name":"fileuri","type":"string"},{"name":"filehash","type":"bytes32"},{"name":"feedbackAuth","type":"bytes"}],"outputs":[]}
]`)

// Feedback is a reputation entry submitted by a client.
type Feedback struct {
	AgentID      *big.Int
	Score        uint8
	Tag1         [32]byte
	Tag2         [32]byte
	FileURI      string
	FileHash     [32]byte
	FeedbackAuth []byte
}

// Client reads and writes the reputation registry on one chain.
type Client struct {
	registry common.Address
	identity common.Address
	provider web3.AccountProvider
}

// NewClient binds the registry at address to provider. identityRegistry is
// the identity registry configured for the same chain.
func NewClient(address, identityRegistry common.Address, provider web3.AccountProvider) *Client {
	return &Client{registry: address, identity: identityRegistry, provider: provider}
}

// Address returns the registry address.
func (c *Client) Address() common.Address {
	return c.registry
}

// ChainID returns the chain the registry lives on.
func (c *Client) ChainID() int64 {
	return c.provider.ChainID()
}

// IdentityRegistry returns the configured identity registry address.
func (c *Client) IdentityRegistry() common.Address {
	return c.identity
}

// GetLastIndex returns the highest feedback index used by client for agentID.
func (c *Client) GetLastIndex(ctx context.Context, agentID *big.Int, client common.Address) (uint64, error) {
	values, err := c.provider.ReadContract(ctx, c.registry, registryABI, "getLastIndex", agentID, client)
	if err != nil {
		return 0, err
	}
	index, _ := values[0].(uint64)
	return index, nil
}

// GetIdentityRegistry asks the contract which identity registry it trusts.
func (c *Client) GetIdentityRegistry(ctx context.Context) (common.Address, error) {
	values, err := c.provider.ReadContract(ctx, c.registry, registryABI, "getIdentityRegistry")
	if err != nil {
		return common.Address{}, err
	}
	addr, _ := values[0].(common.Address)
	return addr, nil
}

// GiveFeedback submits feedback authorised by a previously signed auth.
func (c *Client) GiveFeedback(ctx context.Context, fb Feedback) (common.Hash, error) {
	if !c.provider.CanSign() {
		return common.Hash{}, xerrors.New(xerrors.CodeNotConfigured, "提交反馈需要签名账户")
	}
	if fb.AgentID == nil || len(fb.FeedbackAuth) == 0 {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "反馈缺少 agentId 或授权")
	}
	if fb.Score > 100 {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "反馈分数必须在 0-100 之间")
	}
	data, err := c.provider.EncodeFunctionData(registryABI, "giveFeedback",
		fb.AgentID, fb.Score, fb.Tag1, fb.Tag2, fb.FileURI, fb.FileHash, fb.FeedbackAuth)
	if err != nil {
		return common.Hash{}, err
	}
	to := c.registry
	return c.provider.Send(ctx, web3.TxRequest{To: &to, Data: data})
}
