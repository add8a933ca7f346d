package aa

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// DummySignature is a well-formed ECDSA signature used while estimating gas.
var DummySignature = common.FromHex("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

// UserOperation is an EntryPoint v0.7 user operation in its unpacked RPC
// form.
type UserOperation struct {
	Sender                        common.Address
	Nonce                         *big.Int
	Factory                       *common.Address
	FactoryData                   []byte
	CallData                      []byte
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	MaxFeePerGas                  *big.Int
	MaxPriorityFeePerGas          *big.Int
	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte
	Signature                     []byte
}

type rpcUserOperation struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

func hexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(v)
}

func optionalHexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(v)
}

// MarshalJSON encodes the operation with hex quantities.
func (op *UserOperation) MarshalJSON() ([]byte, error) {
	out := rpcUserOperation{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		Factory:              op.Factory,
		FactoryData:          op.FactoryData,
		CallData:             nonNil(op.CallData),
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		Signature:            nonNil(op.Signature),
	}
	if op.Paymaster != nil {
		out.Paymaster = op.Paymaster
		out.PaymasterVerificationGasLimit = hexBig(op.PaymasterVerificationGasLimit)
		out.PaymasterPostOpGasLimit = hexBig(op.PaymasterPostOpGasLimit)
		out.PaymasterData = nonNil(op.PaymasterData)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the RPC form.
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var in rpcUserOperation
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	optInt := func(v *hexutil.Big) *big.Int {
		if v == nil {
			return nil
		}
		return v.ToInt()
	}
	*op = UserOperation{
		Sender:                        in.Sender,
		Nonce:                         optInt(in.Nonce),
		Factory:                       in.Factory,
		FactoryData:                   in.FactoryData,
		CallData:                      in.CallData,
		CallGasLimit:                  optInt(in.CallGasLimit),
		VerificationGasLimit:          optInt(in.VerificationGasLimit),
		PreVerificationGas:            optInt(in.PreVerificationGas),
		MaxFeePerGas:                  optInt(in.MaxFeePerGas),
		MaxPriorityFeePerGas:          optInt(in.MaxPriorityFeePerGas),
		Paymaster:                     in.Paymaster,
		PaymasterVerificationGasLimit: optInt(in.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       optInt(in.PaymasterPostOpGasLimit),
		PaymasterData:                 in.PaymasterData,
		Signature:                     in.Signature,
	}
	return nil
}

func nonNil(b []byte) hexutil.Bytes {
	if b == nil {
		return hexutil.Bytes{}
	}
	return b
}

var packedUserOpArgs = mustArguments("address", "uint256", "bytes32", "bytes32", "bytes32", "uint256", "bytes32", "bytes32")

var userOpHashArgs = mustArguments("bytes32", "address", "uint256")

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		args[i] = abi.Argument{Type: typ}
	}
	return args
}

// InitCode returns factory || factoryData, empty for deployed accounts.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return nil
	}
	return append(op.Factory.Bytes(), op.FactoryData...)
}

// PaymasterAndData returns the packed paymaster field.
func (op *UserOperation) PaymasterAndData() []byte {
	if op.Paymaster == nil {
		return nil
	}
	out := append([]byte{}, op.Paymaster.Bytes()...)
	out = append(out, uint128Bytes(op.PaymasterVerificationGasLimit)...)
	out = append(out, uint128Bytes(op.PaymasterPostOpGasLimit)...)
	return append(out, op.PaymasterData...)
}

// Hash computes the EntryPoint v0.7 user operation hash.
func (op *UserOperation) Hash(entryPoint common.Address, chainID int64) (common.Hash, error) {
	packed, err := packedUserOpArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode()),
		crypto.Keccak256Hash(op.CallData),
		packPair(op.VerificationGasLimit, op.CallGasLimit),
		orZero(op.PreVerificationGas),
		packPair(op.MaxPriorityFeePerGas, op.MaxFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData()),
	)
	if err != nil {
		return common.Hash{}, err
	}
	outer, err := userOpHashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, big.NewInt(chainID))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(outer), nil
}

func toInt(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToInt()
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func uint128Bytes(v *big.Int) []byte {
	return common.LeftPadBytes(orZero(v).Bytes(), 16)
}

// packPair places high in the upper and low in the lower 128 bits.
func packPair(high, low *big.Int) common.Hash {
	var out common.Hash
	copy(out[:16], uint128Bytes(high))
	copy(out[16:], uint128Bytes(low))
	return out
}
