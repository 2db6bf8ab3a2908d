package models

import (
	"fmt"
	"time"
)

// Role is the closed set of user roles. All permission decisions go through
// the capability matrix in the services package; call sites never compare
// role strings directly.
type Role string

const (
	RoleMember    Role = "member"
	RoleLibrarian Role = "librarian"
	RoleAdmin     Role = "admin"
)

// ParseRole maps a stored or submitted role string onto the closed set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleMember, RoleLibrarian, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type User struct {
	ID        int       `json:"id" db:"id" example:"1"`                      // User ID
	Username  string    `json:"username" db:"username" example:"jdoe"`       // Unique username
	Email     string    `json:"email" db:"email" example:"user@example.com"` // Unique email
	Role      Role      `json:"role" db:"role" example:"member"`             // member, librarian or admin
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Actor is the authenticated identity attached to a request by the auth
// middleware. The engine trusts it.
type Actor struct {
	ID   int
	Role Role
}
