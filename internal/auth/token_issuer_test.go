package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesAdminTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "prcalc-admin",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueAdminToken(context.Background(), "operator@example.com")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &AdminClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "operator@example.com" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "prcalc-admin" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != AdminAudience {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
	if !claims.HasRole(RoleAdmin) {
		t.Fatalf("expected admin role, got %#v", claims.Roles)
	}
}

func TestTokenIssuerRejectsMissingSubject(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "prcalc-admin",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueAdminToken(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for blank subject")
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name string
		cfg  TokenIssuerConfig
	}{
		{name: "missing secret", cfg: TokenIssuerConfig{Issuer: "prcalc-admin", TokenTTL: time.Minute}},
		{name: "missing issuer", cfg: TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: " ", TokenTTL: time.Minute}},
		{name: "non-positive ttl", cfg: TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: "prcalc-admin"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(testCase.cfg); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}
