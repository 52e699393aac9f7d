package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testAdminSigningSecret = "secret"
	testAdminIssuer        = "prcalc-admin"
)

func newTestPair(t *testing.T, clockNow time.Time) (*TokenIssuer, *AdminValidator) {
	t.Helper()
	clock := func() time.Time { return clockNow }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testAdminSigningSecret),
		Issuer:        testAdminIssuer,
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewAdminValidator(AdminValidatorConfig{
		SigningSecret: []byte(testAdminSigningSecret),
		Issuer:        testAdminIssuer,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return issuer, validator
}

func TestAdminValidatorAcceptsIssuedToken(t *testing.T) {
	clockNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestPair(t, clockNow)

	signed, _, err := issuer.IssueAdminToken(context.Background(), "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Subject != "operator" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
}

func TestAdminValidatorRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer, _ := newTestPair(t, issuedAt)
	_, validator := newTestPair(t, issuedAt.Add(2*time.Hour))

	signed, _, err := issuer.IssueAdminToken(context.Background(), "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrExpiredAdminToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestAdminValidatorRequiresAdminRole(t *testing.T) {
	clockNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, validator := newTestPair(t, clockNow)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Roles: []string{"viewer"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testAdminIssuer,
			Subject:   "operator",
			Audience:  []string{AdminAudience},
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testAdminSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrAdminRoleRequired) {
		t.Fatalf("expected role error, got %v", err)
	}
}

func TestAdminValidatorRejectsForeignIssuer(t *testing.T) {
	clockNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, validator := newTestPair(t, clockNow)
	foreign, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testAdminSigningSecret),
		Issuer:        "someone-else",
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("construct foreign issuer: %v", err)
	}
	signed, _, err := foreign.IssueAdminToken(context.Background(), "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidAdminToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestAdminValidatorValidateRequest(t *testing.T) {
	clockNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestPair(t, clockNow)
	signed, _, err := issuer.IssueAdminToken(context.Background(), "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/v1/admin/devices/d1/export", nil)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingAdminToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}

	request.Header.Set("Authorization", "Bearer "+signed)
	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("expected request to validate: %v", err)
	}
	if claims.Subject != "operator" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
}

func TestNewAdminValidatorRequiresConfig(t *testing.T) {
	if _, err := NewAdminValidator(AdminValidatorConfig{Issuer: testAdminIssuer}); !errors.Is(err, ErrMissingAdminSigningKey) {
		t.Fatalf("expected signing key error, got %v", err)
	}
	if _, err := NewAdminValidator(AdminValidatorConfig{SigningSecret: []byte("s")}); !errors.Is(err, ErrMissingAdminIssuer) {
		t.Fatalf("expected issuer error, got %v", err)
	}
}
