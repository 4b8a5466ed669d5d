package middleware

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// hmacClaims is the JWT claim set carried by gate API tokens
type hmacClaims struct {
	jwt.RegisteredClaims
	TenantID  string   `json:"tenant_id"`
	ProjectID string   `json:"project_id,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// HMACValidator validates HS256-signed API tokens
type HMACValidator struct {
	key      []byte
	issuer   string
	audience string
}

// NewHMACValidator creates a validator for the given signing key.
// Issuer and audience are enforced when non-empty.
func NewHMACValidator(key, issuer, audience string) *HMACValidator {
	return &HMACValidator{
		key:      []byte(key),
		issuer:   issuer,
		audience: audience,
	}
}

// ValidateToken parses and verifies a bearer token
func (v *HMACValidator) ValidateToken(_ context.Context, token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims hmacClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	if claims.TenantID == "" {
		return nil, fmt.Errorf("token missing tenant_id claim")
	}

	return &Claims{
		Sub:       claims.Subject,
		TenantID:  claims.TenantID,
		ProjectID: claims.ProjectID,
		Roles:     claims.Roles,
	}, nil
}
