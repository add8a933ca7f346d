package userapp

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentic-trust/internal/errors"
)

// SessionKey is the delegated key a provider app signs with.
type SessionKey struct {
	PrivateKey string `json:"privateKey"`
	Address    string `json:"address"`
	ValidAfter int64  `json:"validAfter"`
	ValidUntil int64  `json:"validUntil"`
}

// SessionPackage carries the delegation credentials of a provider app.
type SessionPackage struct {
	AgentID          json.RawMessage `json:"agentId"`
	ChainID          int64           `json:"chainId"`
	AA               string          `json:"aa"`
	SessionAA        string          `json:"sessionAA"`
	Selector         string          `json:"selector"`
	SessionKey       SessionKey      `json:"sessionKey"`
	EntryPoint       string          `json:"entryPoint"`
	BundlerURL       string          `json:"bundlerUrl"`
	OrgENSRegistry   string          `json:"orgEnsRegistry"`
	SignedDelegation json.RawMessage `json:"signedDelegation,omitempty"`
}

// LoadSessionPackage reads and validates a session package file.
func LoadSessionPackage(path string) (*SessionPackage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置会话包路径",
			xerrors.WithMetadata("variable", "AGENTIC_TRUST_SESSION_PACKAGE_PATH"))
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取会话包失败",
			xerrors.WithMetadata("path", path))
	}
	var pkg SessionPackage
	if err := json.Unmarshal(content, &pkg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析会话包失败",
			xerrors.WithMetadata("path", path))
	}
	if _, err := pkg.AgentAddress(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "会话包地址无效",
			xerrors.WithMetadata("path", path))
	}
	if strings.TrimSpace(pkg.SessionKey.PrivateKey) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "会话包缺少 sessionKey.privateKey",
			xerrors.WithMetadata("path", path))
	}
	return &pkg, nil
}

// AgentAddress returns sessionAA when present, otherwise aa. A field that
// is set but is not a hex address is an error rather than a fallback.
func (p *SessionPackage) AgentAddress() (common.Address, error) {
	fields := []struct{ name, value string }{{"sessionAA", p.SessionAA}, {"aa", p.AA}}
	for _, field := range fields {
		candidate := strings.TrimSpace(field.value)
		if candidate == "" {
			continue
		}
		if !common.IsHexAddress(candidate) {
			return common.Address{}, xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("会话包中的 %s 不是有效地址: %s", field.name, candidate))
		}
		return common.HexToAddress(candidate), nil
	}
	return common.Address{}, xerrors.New(xerrors.CodeConfiguration, "会话包缺少 aa 或 sessionAA 地址")
}

// ParsedAgentID decodes the agentId field, which may be a JSON number, a
// decimal string or a 0x-prefixed hex string. A missing value yields nil.
func (p *SessionPackage) ParsedAgentID() (*big.Int, error) {
	raw := strings.TrimSpace(string(p.AgentID))
	if raw == "" || raw == "null" {
		return nil, nil
	}
	raw = strings.Trim(raw, `"`)
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw, base = raw[2:], 16
	}
	id, ok := new(big.Int).SetString(raw, base)
	if !ok || id.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("会话包中的 agentId 无法解析: %s", raw))
	}
	return id, nil
}
