package ens

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/web3/web3test"
)

var (
	registry = common.HexToAddress("0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e")
	resolver = common.HexToAddress("0x8FADE66B79cC9f707aB26799354482EB93a5B7dD")
	account  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	owner    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type ownerStub struct {
	owners map[int64]common.Address
}

func (o ownerStub) OwnerOf(_ context.Context, id *big.Int) (common.Address, error) {
	addr, ok := o.owners[id.Int64()]
	if !ok {
		return common.Address{}, errors.New("ERC721: invalid token ID")
	}
	return addr, nil
}

func TestNamehashVectors(t *testing.T) {
	assert.Equal(t, common.Hash{}, Namehash(""))
	assert.Equal(t, common.HexToHash("0x93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae"), Namehash("eth"))
	assert.Equal(t, common.HexToHash("0xde9b09fd7c5f901e23a3f19fecc54828e9c848539801e86591bd9801b019f84f"), Namehash("foo.eth"))
	assert.Equal(t, Namehash("foo.eth"), Namehash(" FOO.eth "))
}

func TestL1ClientResolvesThroughRegistry(t *testing.T) {
	provider := &web3test.Provider{Chain: 11155111, Read: func(contract common.Address, method string, args []any) ([]any, error) {
		switch {
		case contract == registry && method == "resolver":
			return []any{resolver}, nil
		case contract == resolver && method == "addr":
			return []any{account}, nil
		case contract == resolver && method == "text":
			require.Equal(t, IdentityTextKey, args[1])
			return []any{"eip155:11155111:0x00000000000000000000000000000000000000aa:7"}, nil
		}
		return nil, errors.New("unexpected call")
	}}
	client := NewL1Client(Options{ChainID: 11155111, Registry: registry, Provider: provider,
		Identity: ownerStub{owners: map[int64]common.Address{7: owner}}})

	got, err := client.GetAgentAccountByName(context.Background(), "acme-bot.agent.eth")
	require.NoError(t, err)
	assert.Equal(t, account, got)

	identity, err := client.GetAgentIdentityByName(context.Background(), "acme-bot.agent.eth")
	require.NoError(t, err)
	assert.EqualValues(t, 7, identity.AgentID.Int64())
	assert.Equal(t, owner, identity.Account)
	assert.Equal(t, common.HexToAddress("0xaa"), identity.Registry)
}

func TestL1ClientMissingResolverIsNotFound(t *testing.T) {
	provider := &web3test.Provider{Read: func(common.Address, string, []any) ([]any, error) {
		return []any{common.Address{}}, nil
	}}
	client := NewL1Client(Options{Registry: registry, Provider: provider})
	_, err := client.GetAgentAccountByName(context.Background(), "nobody.eth")
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestL2ClientQueriesResolverDirectly(t *testing.T) {
	provider := &web3test.Provider{Chain: 84532, Read: func(contract common.Address, method string, args []any) ([]any, error) {
		if contract != resolver {
			return nil, errors.New("registry must not be consulted on L2")
		}
		switch method {
		case "addr":
			return []any{account}, nil
		case "name":
			return []any{"acme-bot.base.eth"}, nil
		}
		return nil, errors.New("unexpected call")
	}}
	client := NewL2Client(Options{ChainID: 84532, Registry: registry, Resolver: resolver, Provider: provider})

	got, err := client.GetAgentAccountByName(context.Background(), "acme-bot.base.eth")
	require.NoError(t, err)
	assert.Equal(t, account, got)

	name, err := client.GetAgentNameByAccount(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "acme-bot.base.eth", name)
	assert.Equal(t, []string{"addr", "name"}, provider.Methods())
}

func TestParseIdentityRecord(t *testing.T) {
	identity, err := ParseIdentityRecord("42")
	require.NoError(t, err)
	assert.EqualValues(t, 42, identity.AgentID.Int64())

	identity, err = ParseIdentityRecord("")
	require.NoError(t, err)
	assert.Nil(t, identity.AgentID)

	for _, bad := range []string{"eip155:x:0xaa:1", "abc", "eip155:1:nothex:1", "a:b"} {
		_, err := ParseIdentityRecord(bad)
		assert.Error(t, err, bad)
	}
}
