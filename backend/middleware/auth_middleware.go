package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/utils"
	"go.uber.org/zap"
)

// TokenValidator verifies a caller credential and returns its claims.
// Terraform runners and the admission webhook both authenticate this way.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// AuthMiddleware authenticates gate callers and scopes them to a tenant
type AuthMiddleware struct {
	validator TokenValidator
	logger    *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(validator TokenValidator, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
		logger:    logger,
	}
}

// RequireAuth rejects requests without a valid bearer token and stores the
// validated claims on the request context
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token := bearerToken(r)
		if token == "" {
			m.logger.Warn("request without bearer token",
				zap.String("request_id", GetRequestIDFromContext(ctx)),
				zap.String("path", r.URL.Path))
			_ = utils.WriteUnauthorized(w, "missing bearer token")
			return
		}

		claims, err := m.validator.ValidateToken(ctx, token)
		if err != nil {
			m.logger.Warn("credential rejected",
				zap.String("request_id", GetRequestIDFromContext(ctx)),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, "invalid or expired credential")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
	})
}

// ExtractTenant resolves the tenant and project scope from the validated
// claims. Every gate operation downstream assumes this scope is present,
// so claims without a parseable tenant are refused here.
func (m *AuthMiddleware) ExtractTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		claims := GetClaimsFromContext(ctx)
		if claims == nil {
			_ = utils.WriteUnauthorized(w, "authentication required")
			return
		}

		tenantID, err := uuid.Parse(claims.TenantID)
		if err != nil {
			m.logger.Error("credential carries unusable tenant scope",
				zap.String("request_id", GetRequestIDFromContext(ctx)),
				zap.String("tenant_id", claims.TenantID),
				zap.Error(err))
			_ = utils.WriteForbidden(w, "invalid tenant scope")
			return
		}
		ctx = WithTenantID(ctx, tenantID)

		// Project scope is optional; tenant-wide credentials omit it.
		if claims.ProjectID != "" {
			projectID, err := uuid.Parse(claims.ProjectID)
			if err != nil {
				m.logger.Error("credential carries unusable project scope",
					zap.String("request_id", GetRequestIDFromContext(ctx)),
					zap.String("project_id", claims.ProjectID),
					zap.Error(err))
				_ = utils.WriteForbidden(w, "invalid project scope")
				return
			}
			ctx = WithProjectID(ctx, projectID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a route on one of the caller's roles. Operator-only
// surfaces like breaker reset and reservation release sit behind this.
func (m *AuthMiddleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaimsFromContext(r.Context())
			if claims == nil {
				_ = utils.WriteUnauthorized(w, "authentication required")
				return
			}

			if !hasRole(claims.Roles, role) {
				m.logger.Warn("role requirement not met",
					zap.String("request_id", GetRequestIDFromContext(r.Context())),
					zap.String("required_role", role),
					zap.Strings("roles", claims.Roles))
				_ = utils.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func hasRole(roles []string, want string) bool {
	for _, have := range roles {
		if have == want {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
