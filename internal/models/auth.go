package models

import "github.com/golang-jwt/jwt/v5"

// JWTClaims is the token payload minted by the external identity provider.
type JWTClaims struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Role        UserRole `json:"role"`
	Email       string   `json:"email"`
	jwt.RegisteredClaims
}

// Actor is the caller identity threaded through workflow operations.
type Actor struct {
	UserID      string
	DisplayName string
	Role        UserRole
	Email       string
}

// Actor extracts the caller identity from the claims.
func (c *JWTClaims) Actor() Actor {
	if c == nil {
		return Actor{}
	}
	return Actor{UserID: c.UserID, DisplayName: c.DisplayName, Role: c.Role, Email: c.Email}
}
