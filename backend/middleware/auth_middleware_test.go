package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubValidator struct {
	claims *Claims
	err    error
}

func (s *stubValidator) ValidateToken(context.Context, string) (*Claims, error) {
	return s.claims, s.err
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuth_MissingToken(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{}, zap.NewNop())
	called := false

	req := httptest.NewRequest(http.MethodPost, "/gate/terraform/preflight", nil)
	w := httptest.NewRecorder()
	m.RequireAuth(okHandler(&called)).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
}

func TestRequireAuth_InvalidToken(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{err: assert.AnError}, zap.NewNop())
	called := false

	req := httptest.NewRequest(http.MethodPost, "/gate/terraform/preflight", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	w := httptest.NewRecorder()
	m.RequireAuth(okHandler(&called)).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
}

func TestRequireAuth_ValidTokenAddsClaims(t *testing.T) {
	tenantID := uuid.New()
	m := NewAuthMiddleware(&stubValidator{claims: &Claims{
		Sub:      "ci-runner",
		TenantID: tenantID.String(),
	}}, zap.NewNop())

	var got *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/gate/terraform/preflight", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()
	m.RequireAuth(next).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, "ci-runner", got.Sub)
}

func TestExtractTenant(t *testing.T) {
	tenantID := uuid.New()
	projectID := uuid.New()
	m := NewAuthMiddleware(&stubValidator{}, zap.NewNop())

	var gotTenant, gotProject uuid.UUID
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = GetTenantIDFromContext(r.Context())
		gotProject = GetProjectIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/gate/terraform/preflight", nil)
	ctx := WithClaims(req.Context(), &Claims{
		TenantID:  tenantID.String(),
		ProjectID: projectID.String(),
	})
	w := httptest.NewRecorder()
	m.ExtractTenant(next).ServeHTTP(w, req.WithContext(ctx))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tenantID, gotTenant)
	assert.Equal(t, projectID, gotProject)
}

func TestExtractTenant_InvalidTenantID(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{}, zap.NewNop())
	called := false

	req := httptest.NewRequest(http.MethodPost, "/gate/terraform/preflight", nil)
	ctx := WithClaims(req.Context(), &Claims{TenantID: "not-a-uuid"})
	w := httptest.NewRecorder()
	m.ExtractTenant(okHandler(&called)).ServeHTTP(w, req.WithContext(ctx))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, called)
}

func TestRequireRole(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{}, zap.NewNop())

	t.Run("role present", func(t *testing.T) {
		called := false
		req := httptest.NewRequest(http.MethodPost, "/gate/breaker/x/reset", nil)
		ctx := WithClaims(req.Context(), &Claims{Roles: []string{"operator"}})
		w := httptest.NewRecorder()
		m.RequireRole("operator")(okHandler(&called)).ServeHTTP(w, req.WithContext(ctx))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, called)
	})

	t.Run("role missing", func(t *testing.T) {
		called := false
		req := httptest.NewRequest(http.MethodPost, "/gate/breaker/x/reset", nil)
		ctx := WithClaims(req.Context(), &Claims{Roles: []string{"viewer"}})
		w := httptest.NewRecorder()
		m.RequireRole("operator")(okHandler(&called)).ServeHTTP(w, req.WithContext(ctx))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.False(t, called)
	})
}

func signTestToken(t *testing.T, key string, claims hmacClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func TestHMACValidator_RoundTrip(t *testing.T) {
	tenantID := uuid.New()
	v := NewHMACValidator("secret", "policy-gate", "gate-api")

	token := signTestToken(t, "secret", hmacClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ci-runner",
			Issuer:    "policy-gate",
			Audience:  jwt.ClaimStrings{"gate-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenantID.String(),
		Roles:    []string{"operator"},
	})

	claims, err := v.ValidateToken(context.Background(), token)

	require.NoError(t, err)
	assert.Equal(t, "ci-runner", claims.Sub)
	assert.Equal(t, tenantID.String(), claims.TenantID)
	assert.Equal(t, []string{"operator"}, claims.Roles)
}

func TestHMACValidator_RejectsBadSignature(t *testing.T) {
	v := NewHMACValidator("secret", "", "")

	token := signTestToken(t, "other-key", hmacClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: uuid.NewString(),
	})

	_, err := v.ValidateToken(context.Background(), token)
	assert.Error(t, err)
}

func TestHMACValidator_RejectsWrongIssuer(t *testing.T) {
	v := NewHMACValidator("secret", "policy-gate", "")

	token := signTestToken(t, "secret", hmacClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: uuid.NewString(),
	})

	_, err := v.ValidateToken(context.Background(), token)
	assert.Error(t, err)
}

func TestHMACValidator_RejectsMissingTenant(t *testing.T) {
	v := NewHMACValidator("secret", "", "")

	token := signTestToken(t, "secret", hmacClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := v.ValidateToken(context.Background(), token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant_id")
}
