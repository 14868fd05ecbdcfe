package lms

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// User is the local record of an identity provider subject
type User struct {
	bun.BaseModel `bun:"table:users,alias:usr"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id"`
	Subject       string     `bun:"subject,notnull,unique" json:"-"`
	Email         string     `bun:"email,notnull,unique" json:"email"`
	Role          UserRole   `bun:"role,notnull" json:"role"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// UserResponse is the public shape of a user
type UserResponse struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Role  UserRole  `json:"role"`
}

// ToResponse maps the record to its public shape
func (u *User) ToResponse() UserResponse {
	if u == nil {
		return UserResponse{}
	}
	return UserResponse{
		ID:    u.ID,
		Email: u.Email,
		Role:  u.Role,
	}
}

// RoleStats counts users per role
type RoleStats struct {
	TotalUsers int `json:"totalUsers"`
	Admins     int `json:"admins"`
	Teachers   int `json:"teachers"`
	Students   int `json:"students"`
}
