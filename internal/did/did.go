// Package did holds the narrow DID contracts used by signing flows: resolving
// an Ethereum-backed DID to its controller and signing on its behalf.
package did

import (
	"context"
	"crypto/ecdsa"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "agentic-trust/internal/errors"
)

// Document is the subset of a DID document the SDK relies on.
type Document struct {
	ID         string
	Method     string
	ChainID    int64
	Controller common.Address
}

// Resolver resolves a DID string to its document.
type Resolver interface {
	ResolveDID(ctx context.Context, did string) (Document, error)
}

// KeyManager signs EIP-191 personal messages for one controller address.
type KeyManager interface {
	Address() common.Address
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// EthereumResolver resolves did:ethr and did:pkh:eip155 identifiers without
// any network access.
type EthereumResolver struct {
	DefaultChainID int64
}

// ResolveDID implements Resolver.
func (r EthereumResolver) ResolveDID(_ context.Context, did string) (Document, error) {
	parts := strings.Split(strings.TrimSpace(did), ":")
	if len(parts) < 3 || parts[0] != "did" {
		return Document{}, xerrors.New(xerrors.CodeInvalidArgument, "DID 格式无效", xerrors.WithMetadata("did", did))
	}
	doc := Document{ID: did, Method: parts[1], ChainID: r.DefaultChainID}
	var rest []string
	switch parts[1] {
	case "ethr":
		rest = parts[2:]
	case "pkh":
		if len(parts) != 5 || parts[2] != "eip155" {
			return Document{}, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 did:pkh:eip155", xerrors.WithMetadata("did", did))
		}
		rest = parts[3:]
	default:
		return Document{}, xerrors.New(xerrors.CodeInvalidArgument, "不支持的 DID 方法", xerrors.WithMetadata("method", parts[1]))
	}

	addr := rest[len(rest)-1]
	if len(rest) == 2 {
		chainID, err := parseChain(rest[0])
		if err != nil {
			return Document{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "DID 链 ID 无效", xerrors.WithMetadata("did", did))
		}
		doc.ChainID = chainID
	} else if len(rest) != 1 {
		return Document{}, xerrors.New(xerrors.CodeInvalidArgument, "DID 格式无效", xerrors.WithMetadata("did", did))
	}
	if !common.IsHexAddress(addr) {
		return Document{}, xerrors.New(xerrors.CodeInvalidArgument, "DID 地址无效", xerrors.WithMetadata("did", did))
	}
	doc.Controller = common.HexToAddress(addr)
	return doc, nil
}

func parseChain(s string) (int64, error) {
	if strings.HasPrefix(s, "0x") {
		return strconv.ParseInt(s[2:], 16, 64)
	}
	return strconv.ParseInt(s, 10, 64)
}

// LocalKeyManager signs with an in-process ECDSA key.
type LocalKeyManager struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocalKeyManager wraps key.
func NewLocalKeyManager(key *ecdsa.PrivateKey) (*LocalKeyManager, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeNotConfigured, "缺少签名私钥")
	}
	return &LocalKeyManager{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address implements KeyManager.
func (m *LocalKeyManager) Address() common.Address {
	return m.address
}

// SignMessage implements KeyManager. The signature is 65 bytes with v in
// {27, 28}.
func (m *LocalKeyManager) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), m.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "签名消息失败")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced sig over message using
// EIP-191 personal signing.
func RecoverSigner(message, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "签名长度无效")
	}
	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), normalized)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "恢复签名者失败")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
