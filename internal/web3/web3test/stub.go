// Package web3test provides an in-memory web3.AccountProvider for tests.
package web3test

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"agentic-trust/internal/web3"
)

// ReadFunc answers a contract read.
type ReadFunc func(contract common.Address, method string, args []any) ([]any, error)

// Call records one contract read.
type Call struct {
	Contract common.Address
	Method   string
	Args     []any
}

// Provider is a scriptable account provider.
type Provider struct {
	Chain   int64
	Account common.Address
	Signer  bool
	Read    ReadFunc
	Code    map[common.Address][]byte
	CodeErr error

	mu    sync.Mutex
	calls []Call
	sent  []web3.TxRequest
}

var _ web3.AccountProvider = (*Provider)(nil)

// ChainID implements web3.AccountProvider.
func (p *Provider) ChainID() int64 { return p.Chain }

// Address implements web3.AccountProvider.
func (p *Provider) Address() common.Address { return p.Account }

// CanSign implements web3.AccountProvider.
func (p *Provider) CanSign() bool { return p.Signer }

// ReadContract implements web3.AccountProvider.
func (p *Provider) ReadContract(_ context.Context, contract common.Address, _ *abi.ABI, method string, args ...any) ([]any, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Contract: contract, Method: method, Args: args})
	p.mu.Unlock()
	if p.Read == nil {
		return nil, fmt.Errorf("unexpected read %s", method)
	}
	return p.Read(contract, method, args)
}

// EncodeFunctionData implements web3.AccountProvider.
func (p *Provider) EncodeFunctionData(contractABI *abi.ABI, method string, args ...any) ([]byte, error) {
	return contractABI.Pack(method, args...)
}

// EstimateGas implements web3.AccountProvider.
func (p *Provider) EstimateGas(context.Context, web3.TxRequest) (uint64, error) {
	return 21000, nil
}

// Send implements web3.AccountProvider and records the request.
func (p *Provider) Send(_ context.Context, tx web3.TxRequest) (common.Hash, error) {
	if !p.Signer {
		return common.Hash{}, fmt.Errorf("read-only provider")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, tx)
	return common.BytesToHash(crypto.Keccak256(tx.Data)), nil
}

// GetBalance implements web3.AccountProvider.
func (p *Provider) GetBalance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

// GetTransactionCount implements web3.AccountProvider.
func (p *Provider) GetTransactionCount(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

// CodeAt implements web3.CodeReader.
func (p *Provider) CodeAt(_ context.Context, account common.Address) ([]byte, error) {
	if p.CodeErr != nil {
		return nil, p.CodeErr
	}
	return p.Code[account], nil
}

// Calls returns the recorded reads.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Methods returns the recorded read method names in order.
func (p *Provider) Methods() []string {
	calls := p.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

// Sent returns the recorded transactions.
func (p *Provider) Sent() []web3.TxRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]web3.TxRequest(nil), p.sent...)
}
