package userapp

import (
	"crypto/ecdsa"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "agentic-trust/internal/errors"
)

// NormalizePrivateKey adds a missing 0x prefix and checks that the value
// decodes to exactly 32 bytes.
func NormalizePrivateKey(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if !strings.HasPrefix(value, "0x") && !strings.HasPrefix(value, "0X") {
		value = "0x" + value
	}
	value = "0x" + value[2:]
	decoded, err := hex.DecodeString(value[2:])
	if err != nil || len(decoded) != 32 {
		return "", xerrors.New(xerrors.CodeInvalidPrivateKey, "私钥必须是 32 字节的十六进制字符串")
	}
	return value, nil
}

// ParsePrivateKey normalises raw and converts it into an ECDSA key.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	normalized, err := NormalizePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(normalized[2:])
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidPrivateKey, err, "私钥不在 secp256k1 曲线范围内")
	}
	return key, nil
}
