package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingAdminSigningKey = errors.New("admin validator: signing key required")
	ErrMissingAdminIssuer     = errors.New("admin validator: issuer required")
	ErrMissingAdminToken      = errors.New("admin validator: token required")
	ErrInvalidAdminToken      = errors.New("admin validator: invalid token")
	ErrExpiredAdminToken      = errors.New("admin validator: token expired")
	ErrAdminRoleRequired      = errors.New("admin validator: admin role required")
)

const bearerPrefix = "Bearer "

// AdminValidatorConfig describes how to validate operator tokens.
type AdminValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// AdminValidator validates HS256 operator tokens minted by TokenIssuer.
type AdminValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewAdminValidator constructs a validator with the provided configuration.
func NewAdminValidator(cfg AdminValidatorConfig) (*AdminValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingAdminSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingAdminIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AdminValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *AdminValidator) ValidateToken(tokenString string) (AdminClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return AdminClaims{}, ErrMissingAdminToken
	}

	claims := &AdminClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidAdminToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(AdminAudience),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AdminClaims{}, ErrExpiredAdminToken
		}
		return AdminClaims{}, fmt.Errorf("%w: %v", ErrInvalidAdminToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return AdminClaims{}, ErrInvalidAdminToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return AdminClaims{}, fmt.Errorf("%w: %v", ErrInvalidAdminToken, errMissingSubjectClaim)
	}
	if !claims.HasRole(RoleAdmin) {
		return AdminClaims{}, ErrAdminRoleRequired
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (v *AdminValidator) ValidateRequest(r *http.Request) (AdminClaims, error) {
	if r == nil {
		return AdminClaims{}, ErrMissingAdminToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, bearerPrefix) {
		return AdminClaims{}, ErrMissingAdminToken
	}
	return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
}
