package session

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestIdentityFromToken(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"user_id":      "u42",
		"display_name": "Sakura",
	})

	id, err := IdentityFromToken(token)
	if err != nil {
		t.Fatalf("IdentityFromToken() error = %v", err)
	}
	if id.UserID != "u42" {
		t.Errorf("UserID = %q, want u42", id.UserID)
	}
	if id.DisplayName != "Sakura" {
		t.Errorf("DisplayName = %q, want Sakura", id.DisplayName)
	}
}

func TestIdentityFromTokenSubjectFallback(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "u7"})

	id, err := IdentityFromToken(token)
	if err != nil {
		t.Fatalf("IdentityFromToken() error = %v", err)
	}
	if id.UserID != "u7" {
		t.Errorf("UserID = %q, want u7 (from sub)", id.UserID)
	}
	// Display name falls back to the user id.
	if id.DisplayName != "u7" {
		t.Errorf("DisplayName = %q, want u7", id.DisplayName)
	}
}

func TestIdentityFromTokenMissingUserID(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"role": "renter"})
	if _, err := IdentityFromToken(token); err == nil {
		t.Error("expected error for token without user id")
	}
}

func TestIdentityFromTokenMalformed(t *testing.T) {
	if _, err := IdentityFromToken("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}
