// Package aa computes, builds and deploys the agents' ERC-4337 smart
// accounts (Hybrid delegator implementation behind an EIP-1167 clone).
package aa

import (
	"bytes"
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/web3"
)

// ImplementationHybrid names the smart account implementation in use.
const ImplementationHybrid = "Hybrid"

var (
	accountABI = web3.MustParseABI(`[
{"type":"function","name":"initialize","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"keyIds","type":"string[]"},{"name":"xValues","type":"uint256[]"},{"name":"yValues","type":"uint256[]"}],"outputs":[]},
{"type":"function","name":"execute","stateMutability":"payable","inputs":[{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"callData","type":"bytes"}],"outputs":[]}
]`)
	factoryABI = web3.MustParseABI(`[
{"type":"function","name":"deploy","stateMutability":"nonpayable","inputs":[{"name":"implementation","type":"address"},{"name":"initData","type":"bytes"},{"name":"salt","type":"bytes32"}],"outputs":[{"name":"account","type":"address"}]}
]`)
	entryPointABI = web3.MustParseABI(`[
{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
]`)

	clonePrefix = common.FromHex("0x3d602d80600a3d3981f3363d3d373d3d3d363d73")
	cloneSuffix = common.FromHex("0x5af43d82803e903d91602b57fd5bf3")
)

// AgentSalt derives the deployment salt from an agent name.
func AgentSalt(name string) common.Hash {
	return crypto.Keccak256Hash([]byte(name))
}

// DeployParams are the initializer arguments of a Hybrid account: the owner
// EOA plus optional P-256 passkeys.
type DeployParams struct {
	Owner   common.Address
	KeyIDs  []string
	XValues []*big.Int
	YValues []*big.Int
}

// InitData ABI-encodes the initializer call.
func (p DeployParams) InitData() ([]byte, error) {
	keyIDs := p.KeyIDs
	if keyIDs == nil {
		keyIDs = []string{}
	}
	xs, ys := p.XValues, p.YValues
	if xs == nil {
		xs = []*big.Int{}
	}
	if ys == nil {
		ys = []*big.Int{}
	}
	if len(keyIDs) != len(xs) || len(xs) != len(ys) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "passkey 参数长度不一致")
	}
	return accountABI.Pack("initialize", p.Owner, keyIDs, xs, ys)
}

// Contracts are the addresses the account system depends on.
type Contracts struct {
	EntryPoint     common.Address
	Factory        common.Address
	Implementation common.Address
}

// CloneCreationCode returns the EIP-1167 minimal proxy creation code for
// implementation.
func CloneCreationCode(implementation common.Address) []byte {
	code := make([]byte, 0, len(clonePrefix)+common.AddressLength+len(cloneSuffix))
	code = append(code, clonePrefix...)
	code = append(code, implementation.Bytes()...)
	return append(code, cloneSuffix...)
}

// CounterfactualAddress computes where the factory will deploy the account.
// The factory salts CREATE2 with keccak256(initData || salt) so that the
// owner is bound to the address.
func CounterfactualAddress(contracts Contracts, params DeployParams, salt common.Hash) (common.Address, error) {
	initData, err := params.InitData()
	if err != nil {
		return common.Address{}, err
	}
	create2Salt := crypto.Keccak256Hash(initData, salt.Bytes())
	codeHash := crypto.Keccak256(CloneCreationCode(contracts.Implementation))
	return crypto.CreateAddress2(contracts.Factory, create2Salt, codeHash), nil
}

// AccountClient is an immutable view of one smart account. A counterfactual
// client carries deploy parameters; a deployed one carries only the address.
type AccountClient struct {
	ChainID        int64
	Address        common.Address
	Implementation string
	Contracts      Contracts
	DeployParams   *DeployParams
	DeploySalt     *common.Hash
	Public         web3.AccountProvider
}

// NewCounterfactualClient builds a client for an account that may not exist
// yet. No network access is performed.
func NewCounterfactualClient(chainID int64, contracts Contracts, params DeployParams, salt common.Hash, public web3.AccountProvider) (*AccountClient, error) {
	addr, err := CounterfactualAddress(contracts, params, salt)
	if err != nil {
		return nil, err
	}
	p := params
	s := salt
	return &AccountClient{
		ChainID:        chainID,
		Address:        addr,
		Implementation: ImplementationHybrid,
		Contracts:      contracts,
		DeployParams:   &p,
		DeploySalt:     &s,
		Public:         public,
	}, nil
}

// IsCounterfactual reports whether the client still carries deploy params.
func (c *AccountClient) IsCounterfactual() bool {
	return c.DeployParams != nil
}

// WithDeployedAddress returns a copy bound only to the address.
func (c *AccountClient) WithDeployedAddress() *AccountClient {
	return &AccountClient{
		ChainID:        c.ChainID,
		Address:        c.Address,
		Implementation: c.Implementation,
		Contracts:      c.Contracts,
		Public:         c.Public,
	}
}

// FactoryCall returns the factory address and calldata that deploy the
// account, or nil for a deployed client.
func (c *AccountClient) FactoryCall() (*common.Address, []byte, error) {
	if !c.IsCounterfactual() {
		return nil, nil, nil
	}
	initData, err := c.DeployParams.InitData()
	if err != nil {
		return nil, nil, err
	}
	data, err := factoryABI.Pack("deploy", c.Contracts.Implementation, initData, *c.DeploySalt)
	if err != nil {
		return nil, nil, err
	}
	factory := c.Contracts.Factory
	return &factory, data, nil
}

// EncodeExecute encodes a single call through the account.
func EncodeExecute(target common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	if data == nil {
		data = []byte{}
	}
	return accountABI.Pack("execute", target, value, data)
}

// Nonce reads the account's EntryPoint nonce for key 0.
func (c *AccountClient) Nonce(ctx context.Context) (*big.Int, error) {
	if c.Public == nil {
		return new(big.Int), nil
	}
	values, err := c.Public.ReadContract(ctx, c.Contracts.EntryPoint, entryPointABI, "getNonce", c.Address, new(big.Int))
	if err != nil {
		return nil, err
	}
	nonce, _ := values[0].(*big.Int)
	if nonce == nil {
		nonce = new(big.Int)
	}
	return nonce, nil
}

// IsDeployedAt reports whether reader sees code at addr.
func IsDeployedAt(ctx context.Context, reader web3.CodeReader, addr common.Address) (bool, error) {
	code, err := reader.CodeAt(ctx, addr)
	if err != nil {
		return false, err
	}
	return len(bytes.TrimLeft(code, "\x00")) > 0, nil
}

