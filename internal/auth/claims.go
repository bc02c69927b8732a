package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Role is the account role carried in the token payload
type Role string

const (
	RoleCustomer        Role = "customer"
	RoleServiceProvider Role = "service_provider"
	RolePartsProvider   Role = "parts_provider"
	RoleAdmin           Role = "admin"
)

// IsProvider reports whether the role belongs to the provider side of the
// marketplace.
func (r Role) IsProvider() bool {
	return r == RoleServiceProvider || r == RolePartsProvider
}

// Claims is the verified payload of a bearer token issued by the external
// auth service. The acting identity is always re-derived from these fields,
// never from client-supplied body fields.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
	Active bool   `json:"active"`
	jwt.RegisteredClaims
}

// Identity is the minimal authenticated principal passed around the core
type Identity struct {
	UserID string
	Email  string
	Role   Role
}

// Identity projects the claims into an Identity value
func (c *Claims) Identity() Identity {
	return Identity{
		UserID: c.UserID,
		Email:  c.Email,
		Role:   c.Role,
	}
}
