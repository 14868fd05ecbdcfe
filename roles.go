package lms

import "strings"

// UserRole is the user's role
type UserRole = string

const (
	// RoleStudent is the default role assigned on first login
	RoleStudent UserRole = "student"
	// RoleTeacher manages classes and course content
	RoleTeacher UserRole = "teacher"
	// RoleAdmin manages users and roles
	RoleAdmin UserRole = "admin"
)

// IsValidRole checks if the role is one of the predefined valid roles
func IsValidRole(role UserRole) bool {
	switch role {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	default:
		return false
	}
}

// GetAllRoles returns all predefined roles in hierarchical order
func GetAllRoles() []UserRole {
	return []UserRole{
		RoleStudent,
		RoleTeacher,
		RoleAdmin,
	}
}

// ParseRole safely parses a string into a UserRole type
func ParseRole(roleStr string) (UserRole, bool) {
	role := UserRole(strings.ToLower(strings.TrimSpace(roleStr)))
	return role, IsValidRole(role)
}

// HasRole reports whether role is a member of roles
func HasRole(role UserRole, roles ...UserRole) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func rolesAsAny() []any {
	roles := GetAllRoles()
	out := make([]any, len(roles))
	for i, r := range roles {
		out[i] = r
	}
	return out
}
