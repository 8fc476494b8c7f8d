package auth

import (
	"testing"
	"time"

	"github.com/JullianMQ/lifeline/internal/identity"
)

func TestTokenIssuerTokensPassValidation(t *testing.T) {
	clockNow := time.Date(2026, time.January, 5, 8, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		TokenTTL:      30 * time.Minute,
		Clock: func() time.Time {
			return clockNow
		},
	})

	token, expiresAt, err := issuer.IssueSessionToken(identity.Identity{
		UserID: "user-9",
		Name:   "Bea",
		Phone:  "+15550000009",
		Role:   "dependent",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims, err := newTestValidator(t, clockNow.Add(time.Minute)).ValidateToken(token)
	if err != nil {
		t.Fatalf("issued token rejected: %v", err)
	}
	if claims.Identity().Phone != "+15550000009" || claims.Name != "Bea" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokenIssuerRequiresSecretAndUser(t *testing.T) {
	if _, _, err := NewTokenIssuer(TokenIssuerConfig{}).IssueSessionToken(identity.Identity{UserID: "user"}); err == nil {
		t.Fatalf("expected missing secret error")
	}
	issuer := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	if _, _, err := issuer.IssueSessionToken(identity.Identity{UserID: "  "}); err == nil {
		t.Fatalf("expected missing user error")
	}
}
