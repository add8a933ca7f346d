package web3

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// TxRequest describes a transaction to estimate or send. A nil Value means
// zero and a zero Gas lets the provider estimate it.
type TxRequest struct {
	To    *common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64
}

// CodeReader is the subset needed to detect deployed contracts.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
}

// AccountProvider is the capability set protocol clients depend on. Read-only
// implementations report CanSign() == false and reject Send.
type AccountProvider interface {
	CodeReader

	ChainID() int64
	Address() common.Address
	CanSign() bool

	ReadContract(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error)
	EncodeFunctionData(contractABI *abi.ABI, method string, args ...any) ([]byte, error)
	EstimateGas(ctx context.Context, tx TxRequest) (uint64, error)
	Send(ctx context.Context, tx TxRequest) (common.Hash, error)
	GetBalance(ctx context.Context, account common.Address) (*big.Int, error)
	GetTransactionCount(ctx context.Context, account common.Address) (uint64, error)
}

const zeroAddressHex = "0x0000000000000000000000000000000000000000"

// IsValidAddress reports whether s looks like a usable account: a 0x prefix,
// 42 characters in total and not the zero address.
func IsValidAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	if strings.EqualFold(s, zeroAddressHex) {
		return false
	}
	return common.IsHexAddress(s)
}

// IsZeroAddress reports whether addr is the zero address.
func IsZeroAddress(addr common.Address) bool {
	return addr == (common.Address{})
}

// MustParseABI parses a JSON ABI definition and panics on failure. It is
// meant for package level contract definitions.
func MustParseABI(definition string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(err)
	}
	return &parsed
}
