package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/pkg/logger"
)

type credential struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode  Mode
	keys  []credential
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。没有配置任何 key 时认证处于关闭状态。
func NewService(cfg Config) (*Service, error) {
	svc := &Service{mode: ModeDisabled, audit: logger.Audit()}
	seen := make(map[string]struct{}, len(cfg.Keys))
	for _, key := range cfg.Keys {
		name := strings.TrimSpace(key.Name)
		token := strings.TrimSpace(key.Token)
		if name == "" || token == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, "API key 的名称和 token 不能为空")
		}
		if _, dup := seen[name]; dup {
			return nil, xerrors.New(xerrors.CodeConfiguration, "API key 名称重复: "+name)
		}
		seen[name] = struct{}{}
		subject := &Subject{Name: name, Permissions: lo.Uniq(key.Permissions)}
		subject.normalise()
		svc.keys = append(svc.keys, credential{digest: sha256.Sum256([]byte(token)), subject: subject})
	}
	if len(svc.keys) > 0 {
		svc.mode = ModeAPIKey
	}
	return svc, nil
}

// ParseKeys reads keys in the form "name:token:perm|perm", separated by
// commas. Whitespace around entries is ignored.
func ParseKeys(raw string) ([]Key, error) {
	var keys []Key
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("API key 格式应为 name:token:perm|perm，实际为 %q", redact(entry)))
		}
		perms := lo.Filter(lo.Map(strings.Split(parts[2], "|"), func(p string, _ int) string {
			return strings.TrimSpace(p)
		}), func(p string, _ int) bool { return p != "" })
		keys = append(keys, Key{Name: strings.TrimSpace(parts[0]), Token: strings.TrimSpace(parts[1]), Permissions: perms})
	}
	return keys, nil
}

func redact(entry string) string {
	name, _, ok := strings.Cut(entry, ":")
	if !ok {
		return "***"
	}
	return name + ":***"
}

// Mode 返回当前的认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled reports whether requests must carry a token.
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	for _, cred := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], cred.digest[:]) == 1 {
			match = cred.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return match, nil
}
