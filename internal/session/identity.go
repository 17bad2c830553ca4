package session

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the local user as asserted by the configured access token.
type Identity struct {
	UserID      string
	DisplayName string
}

// tokenClaims mirrors the claims the marketplace embeds in its access tokens.
type tokenClaims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// IdentityFromToken extracts the local user identity from a JWT access token.
// The signature is not verified here: the token is opaque credential material
// issued and checked by the server; the client only needs the claims to know
// who it is sending as.
func IdentityFromToken(token string) (*Identity, error) {
	var claims tokenClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, fmt.Errorf("access token carries no user id")
	}

	name := claims.DisplayName
	if name == "" {
		name = userID
	}

	return &Identity{UserID: userID, DisplayName: name}, nil
}
