// Package feedback issues signed authorisations that let a client submit
// reputation feedback for an agent.
package feedback

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "agentic-trust/internal/errors"
)

// Format selects the payload shape returned to the caller.
type Format int

const (
	// FormatSignature returns the 65-byte signature only.
	FormatSignature Format = iota
	// FormatEncodedWithSignature returns the encoded struct followed by the
	// signature, the form consumed by giveFeedback.
	FormatEncodedWithSignature
)

// ParseFormat maps "signature" and "encoded" onto a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "signature":
		return FormatSignature, nil
	case "encoded", "encoded-with-signature":
		return FormatEncodedWithSignature, nil
	}
	return 0, xerrors.New(xerrors.CodeInvalidArgument, "未知的反馈授权格式: "+s)
}

func (f Format) String() string {
	if f == FormatEncodedWithSignature {
		return "encoded"
	}
	return "signature"
}

// Auth is the struct the reputation registry verifies.
type Auth struct {
	AgentID          *big.Int
	ClientAddress    common.Address
	IndexLimit       uint64
	Expiry           uint64
	ChainID          *big.Int
	IdentityRegistry common.Address
	SignerAddress    common.Address
}

var authArgs = func() abi.Arguments {
	types := []string{"uint256", "address", "uint64", "uint256", "uint256", "address", "address"}
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		args[i] = abi.Argument{Type: typ}
	}
	return args
}()

// EncodedLength is the size of an ABI-encoded Auth.
const EncodedLength = 7 * 32

// Encode ABI-encodes the auth in registry field order.
func (a Auth) Encode() ([]byte, error) {
	return authArgs.Pack(
		a.AgentID,
		a.ClientAddress,
		a.IndexLimit,
		new(big.Int).SetUint64(a.Expiry),
		a.ChainID,
		a.IdentityRegistry,
		a.SignerAddress,
	)
}

// Hash returns keccak256 of the encoding.
func (a Auth) Hash() (common.Hash, error) {
	encoded, err := a.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// DecodeAuth parses an encoded auth, optionally followed by a signature.
func DecodeAuth(payload []byte) (Auth, []byte, error) {
	if len(payload) < EncodedLength {
		return Auth{}, nil, xerrors.New(xerrors.CodeInvalidArgument, "反馈授权长度不足")
	}
	values, err := authArgs.Unpack(payload[:EncodedLength])
	if err != nil {
		return Auth{}, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析反馈授权失败")
	}
	expiry, _ := values[3].(*big.Int)
	auth := Auth{
		AgentID:          values[0].(*big.Int),
		ClientAddress:    values[1].(common.Address),
		IndexLimit:       values[2].(uint64),
		ChainID:          values[4].(*big.Int),
		IdentityRegistry: values[5].(common.Address),
		SignerAddress:    values[6].(common.Address),
	}
	if expiry != nil {
		auth.Expiry = expiry.Uint64()
	}
	var sig []byte
	if len(payload) > EncodedLength {
		sig = payload[EncodedLength:]
	}
	return auth, sig, nil
}

// Result is an issued authorisation.
type Result struct {
	Auth      Auth
	Encoded   []byte
	Signature []byte
	Format    Format
}

// Payload returns the bytes the caller asked for.
func (r Result) Payload() []byte {
	if r.Format == FormatEncodedWithSignature {
		out := make([]byte, 0, len(r.Encoded)+len(r.Signature))
		out = append(out, r.Encoded...)
		return append(out, r.Signature...)
	}
	return r.Signature
}

// PayloadHex returns Payload as 0x-prefixed hex.
func (r Result) PayloadHex() string {
	return hexutil.Encode(r.Payload())
}
