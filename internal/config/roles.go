package config

import "strings"

// Role identifies one of the three user applications a process can act as.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
)

// Roles lists roles in account-provider priority order.
func Roles() []Role {
	return []Role{RoleAdmin, RoleClient, RoleProvider}
}

// ParseRole maps a user supplied string onto a Role.
func ParseRole(value string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleClient:
		return RoleClient, true
	case RoleProvider:
		return RoleProvider, true
	default:
		return "", false
	}
}

var roleFlags = map[Role]string{
	RoleAdmin:    "AGENTIC_TRUST_IS_ADMIN_APP",
	RoleClient:   "AGENTIC_TRUST_IS_CLIENT_APP",
	RoleProvider: "AGENTIC_TRUST_IS_PROVIDER_APP",
}

// Role secrets.
const (
	EnvAdminPrivateKey    = "AGENTIC_TRUST_ADMIN_PRIVATE_KEY"
	EnvClientPrivateKey   = "AGENTIC_TRUST_CLIENT_PRIVATE_KEY"
	EnvSessionPackagePath = "AGENTIC_TRUST_SESSION_PACKAGE_PATH"
)

// RoleFlagName returns the environment variable that enables role.
func RoleFlagName(role Role) string {
	return roleFlags[role]
}

// IsUserAppEnabled reports whether role is switched on. The flag is read on
// every call so tests can toggle it between runs.
func IsUserAppEnabled(src *Source, role Role) bool {
	name, ok := roleFlags[role]
	if !ok {
		return false
	}
	return src.Bool(name)
}

// RoleGate decides whether a role is enabled for this process.
type RoleGate func(Role) bool

// SourceGate builds a RoleGate backed by src.
func SourceGate(src *Source) RoleGate {
	return func(role Role) bool {
		return IsUserAppEnabled(src, role)
	}
}

// StaticGate enables exactly the given roles.
func StaticGate(roles ...Role) RoleGate {
	enabled := make(map[Role]bool, len(roles))
	for _, role := range roles {
		enabled[role] = true
	}
	return func(role Role) bool {
		return enabled[role]
	}
}
