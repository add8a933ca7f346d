package auth

import (
	"strings"

	xerrors "agentic-trust/internal/errors"
)

// Error codes of the authentication layer.
const (
	CodeUnauthenticated xerrors.Code = "UNAUTHENTICATED"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "缺少 bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "无效的 API token")
	ErrPermissionDenied = xerrors.New(xerrors.CodeAuthorization, "权限不足")
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "unauthenticated",
		Severity: xerrors.SeverityWarning,
	})
}

// Permissions granted to API keys.
const (
	PermRead   = "read"
	PermDeploy = "deploy"
	PermSign   = "sign"
)

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "apikey"
)

// Key is one configured API key.
type Key struct {
	Name        string
	Token       string
	Permissions []string
}

// Config configures the authentication service. An empty key list disables
// authentication.
type Config struct {
	Keys []Key
}

// Subject is the authenticated caller passed to handlers via context.
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
// The wildcard "*" grants everything.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(xerrors.CodeAuthorization, ErrPermissionDenied, "缺少权限 "+perm,
				xerrors.WithMetadata("permission", perm),
				xerrors.WithMetadata("subject", s.Name))
		}
	}
	return nil
}
