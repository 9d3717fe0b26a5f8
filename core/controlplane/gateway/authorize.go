package gateway

import (
	"strings"

	"github.com/cordum/ragops/core/infra/apierr"
)

// Role orders what a caller may do. Higher roles include lower ones.
type Role string

const (
	RolePublic   Role = ""
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

func roleRank(r Role) int {
	switch r {
	case RoleViewer:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

func normalizeRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "viewer", "read", "readonly":
		return RoleViewer
	case "operator", "ops":
		return RoleOperator
	case "admin":
		return RoleAdmin
	default:
		return RolePublic
	}
}

// requireRole fails with Forbidden when auth carries a role below want.
func requireRole(auth *AuthContext, want Role) error {
	if want == RolePublic {
		return nil
	}
	if auth == nil {
		return apierr.Unauthorized("credentials required")
	}
	if roleRank(auth.Role) < roleRank(want) {
		return apierr.Forbidden("role " + string(auth.Role) + " cannot perform this action").WithDetails(map[string]any{
			"required": string(want),
			"role":     string(auth.Role),
		})
	}
	return nil
}
