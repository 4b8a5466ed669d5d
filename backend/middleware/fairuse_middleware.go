package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/services"
	"github.com/upb/policy-gate/backend/services/fairuse"
	"github.com/upb/policy-gate/backend/utils"
	"go.uber.org/zap"
)

// Admitter grants per-tenant evaluation slots
type Admitter interface {
	Authorize(ctx context.Context, tenantID uuid.UUID) (*fairuse.Lease, error)
}

// FairUseMiddleware throttles evaluation traffic per tenant.
// This should be called after auth and tenant extraction middleware.
type FairUseMiddleware struct {
	guard  Admitter
	logger *zap.Logger
}

// NewFairUseMiddleware creates a new FairUseMiddleware
func NewFairUseMiddleware(guard Admitter, logger *zap.Logger) *FairUseMiddleware {
	return &FairUseMiddleware{
		guard:  guard,
		logger: logger,
	}
}

// Limit admits the request under the tenant's fair-use caps, holding a
// concurrency lease for the duration of the handler.
func (m *FairUseMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		tenantID := GetTenantIDFromContext(ctx)
		if tenantID == uuid.Nil {
			m.logger.Error("missing tenant information in context",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing tenant information")
			return
		}

		lease, err := m.guard.Authorize(ctx, tenantID)
		if err != nil {
			switch {
			case services.IsRateLimitError(err):
				m.logger.Warn("fair-use limit reached",
					zap.String("request_id", requestID),
					zap.String("tenant_id", tenantID.String()))
				_ = utils.WriteTooManyRequests(w, err.Error(), services.GetErrorDetails(err))
			case services.IsForbiddenError(err):
				m.logger.Warn("tenant suspended by kill switch",
					zap.String("request_id", requestID),
					zap.String("tenant_id", tenantID.String()))
				_ = utils.WriteForbidden(w, err.Error())
			default:
				m.logger.Error("fair-use guard failed",
					zap.String("request_id", requestID),
					zap.Error(err))
				_ = utils.WriteInternalServerError(w, "", nil)
			}
			return
		}
		defer lease.Release(ctx)

		next.ServeHTTP(w, r)
	})
}
