package middleware

import (
	"context"

	"github.com/google/uuid"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// ClaimsKey is the context key for bearer token claims
	ClaimsKey contextKey = "claims"

	// TenantIDKey is the context key for tenant ID
	TenantIDKey contextKey = "tenant_id"

	// ProjectIDKey is the context key for project ID
	ProjectIDKey contextKey = "project_id"
)

// Claims represents the caller identity extracted from a bearer token
type Claims struct {
	Sub       string   `json:"sub"`
	TenantID  string   `json:"tenant_id"`
	ProjectID string   `json:"project_id"`
	Roles     []string `json:"roles"`
}

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetClaimsFromContext retrieves bearer token claims from context
func GetClaimsFromContext(ctx context.Context) *Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds bearer token claims to the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetTenantIDFromContext retrieves the tenant ID from context
func GetTenantIDFromContext(ctx context.Context) uuid.UUID {
	if val := ctx.Value(TenantIDKey); val != nil {
		if tenantID, ok := val.(uuid.UUID); ok {
			return tenantID
		}
	}
	return uuid.Nil
}

// WithTenantID adds a tenant ID to the context
func WithTenantID(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetProjectIDFromContext retrieves the project ID from context
func GetProjectIDFromContext(ctx context.Context) uuid.UUID {
	if val := ctx.Value(ProjectIDKey); val != nil {
		if projectID, ok := val.(uuid.UUID); ok {
			return projectID
		}
	}
	return uuid.Nil
}

// WithProjectID adds a project ID to the context
func WithProjectID(ctx context.Context, projectID uuid.UUID) context.Context {
	return context.WithValue(ctx, ProjectIDKey, projectID)
}
