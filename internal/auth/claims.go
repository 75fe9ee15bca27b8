package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
	// TokenTypeStream is a short-lived ticket accepted only on websocket upgrades,
	// where browsers cannot send an Authorization header.
	TokenTypeStream TokenType = "stream"
)

// Claims are the only supported JWT claims shape for this service.
// Name is the display name shown to the other party of a call.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role,omitempty"`
	TokenType TokenType `json:"token_type"`
}

func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Name: c.Name, Role: c.Role}
}

// carriesRole reports whether tokens of this type must name a role.
func (t TokenType) carriesRole() bool {
	return t == TokenTypeAccess || t == TokenTypeStream
}
