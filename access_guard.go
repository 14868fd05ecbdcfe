package lms

import (
	"github.com/goliatone/go-router"
)

// Requirement describes what a caller needs. All roles listed are
// alternatives, all scopes listed are required. When both are set both
// checks must pass.
type Requirement struct {
	Roles  []UserRole
	Scopes []string
}

// RequireRoles builds a role membership requirement
func RequireRoles(roles ...UserRole) Requirement {
	return Requirement{Roles: roles}
}

// RequireScopes builds a requirement that every scope is granted
func RequireScopes(scopes ...string) Requirement {
	return Requirement{Scopes: scopes}
}

// IsEmpty reports whether the requirement allows everyone
func (r Requirement) IsEmpty() bool {
	return len(r.Roles) == 0 && len(r.Scopes) == 0
}

// AccessGuard authorizes verified callers
type AccessGuard struct {
	logger Logger
}

// NewAccessGuard creates a guard. A nil logger discards output.
func NewAccessGuard(logger Logger) *AccessGuard {
	if logger == nil {
		logger = NopLogger()
	}
	return &AccessGuard{logger: logger}
}

// Authorize fails with ErrForbidden when the caller does not meet req
func (g *AccessGuard) Authorize(claims *Claims, user *User, req Requirement) error {
	if req.IsEmpty() {
		return nil
	}

	if len(req.Roles) > 0 {
		if user == nil || !HasRole(user.Role, req.Roles...) {
			role := ""
			if user != nil {
				role = user.Role
			}
			g.logger.Debug("role check failed", "role", role, "required", req.Roles)
			return NewError(ErrForbidden, nil, map[string]any{
				"required_roles": req.Roles,
				"role":           role,
			})
		}
	}

	if len(req.Scopes) > 0 {
		if claims == nil || !claims.HasScopes(req.Scopes...) {
			g.logger.Debug("scope check failed", "required", req.Scopes)
			return NewError(ErrForbidden, nil, map[string]any{
				"required_scopes": req.Scopes,
			})
		}
	}

	return nil
}

// Allowed is Authorize as a boolean
func (g *AccessGuard) Allowed(claims *Claims, user *User, req Requirement) bool {
	return g.Authorize(claims, user, req) == nil
}

// Middleware enforces req using the claims and user stored on the request by
// the authentication middleware.
func (g *AccessGuard) Middleware(req Requirement) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			claims, _ := ClaimsFromRequest(ctx)
			user, _ := UserFromRequest(ctx)
			if err := g.Authorize(claims, user, req); err != nil {
				return err
			}
			return ctx.Next()
		}
	}
}
