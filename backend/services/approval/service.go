package approval

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/repositories"
	"github.com/upb/policy-gate/backend/services"
	"go.uber.org/zap"
)

// TokenConfig holds the signing parameters for approval tokens
type TokenConfig struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	TTL        time.Duration
}

// Claims are the approval token claims. Every binding field ties the token
// to one specific change under one specific policy; Consume verifies all of
// them before the one-time marker is set.
type Claims struct {
	jwt.RegisteredClaims
	TenantID            string  `json:"tenant_id"`
	ProjectID           string  `json:"project_id"`
	DecisionID          string  `json:"decision_id"`
	ApprovalID          string  `json:"approval_id"`
	Source              string  `json:"source"`
	RequestFingerprint  string  `json:"request_fingerprint"`
	PolicyLineageSHA256 string  `json:"policy_lineage_sha256"`
	Environment         string  `json:"environment"`
	ResourceReference   string  `json:"resource_reference"`
	MaxHourlyDeltaUSD   float64 `json:"max_hourly_delta_usd"`
	MaxMonthlyDeltaUSD  float64 `json:"max_monthly_delta_usd"`
	Approver            string  `json:"approver"`
}

// ConsumeExpectation carries the caller-side values a token must match.
// The fingerprint comes from re-canonicalizing the change being executed,
// so a token approved for one change can never admit another. Every field
// is compared; an absent expectation is a mismatch, not a wildcard.
type ConsumeExpectation struct {
	TenantID           uuid.UUID
	ProjectID          uuid.UUID
	Source             models.ChangeSource
	Fingerprint        string
	Environment        string
	ResourceReference  string
	MaxHourlyDeltaUSD  float64
	MaxMonthlyDeltaUSD float64
}

// Service manages the approval lifecycle and approval token issue/consume
type Service struct {
	txMgr  repositories.TransactionManager
	repos  *repositories.Repositories
	cfg    TokenConfig
	logger *zap.Logger
}

// NewService creates a new approval token service
func NewService(txMgr repositories.TransactionManager, repos *repositories.Repositories, cfg TokenConfig, logger *zap.Logger) *Service {
	return &Service{
		txMgr:  txMgr,
		repos:  repos,
		cfg:    cfg,
		logger: logger,
	}
}

// Approve transitions a pending approval to approved and issues the signed
// token. The transition is a conditional update, so two approvers racing on
// the same approval produce exactly one token.
func (s *Service) Approve(ctx context.Context, approvalID uuid.UUID, approver string) (string, *models.Approval, error) {
	if approver == "" {
		return "", nil, services.NewDomainError(services.ErrorTypeValidation,
			"approver identity is required", nil)
	}

	approval, err := s.repos.Approvals.GetByID(ctx, approvalID)
	if err != nil {
		return "", nil, services.WrapInternal("failed to load approval", err)
	}
	if approval == nil {
		return "", nil, services.ErrApprovalNotFound
	}

	decision, err := s.repos.Decisions.GetByID(ctx, approval.DecisionID)
	if err != nil {
		return "", nil, services.WrapInternal("failed to load decision for approval", err)
	}

	won, err := s.repos.Approvals.Transition(ctx, approvalID,
		models.ApprovalPending, models.ApprovalApproved, approver)
	if err != nil {
		return "", nil, services.WrapInternal("failed to approve", err)
	}
	if !won {
		return "", nil, services.NewDomainError(services.ErrorTypeConflict,
			"approval already decided", nil).
			WithDetail("status", string(approval.Status))
	}

	token, err := s.issueToken(decision, approvalID, approver)
	if err != nil {
		return "", nil, services.WrapInternal("failed to sign approval token", err)
	}

	log := models.NewAuditLog(decision.TenantID, models.AuditActionApprovalGranted, "approval").
		WithResource(approvalID).
		WithActor(approver)
	if err := s.repos.AuditLogs.Insert(ctx, log); err != nil {
		s.logger.Error("failed to record approval audit entry", zap.Error(err))
	}

	now := time.Now().UTC()
	approval.Status = models.ApprovalApproved
	approval.ApproverIdentity = approver
	approval.DecidedAt = &now

	s.logger.Info("approval granted",
		zap.String("approval_id", approvalID.String()),
		zap.String("decision_id", decision.ID.String()),
		zap.String("approver", approver))

	return token, approval, nil
}

// Reject transitions a pending approval to rejected
func (s *Service) Reject(ctx context.Context, approvalID uuid.UUID, approver string) (*models.Approval, error) {
	approval, err := s.repos.Approvals.GetByID(ctx, approvalID)
	if err != nil {
		return nil, services.WrapInternal("failed to load approval", err)
	}
	if approval == nil {
		return nil, services.ErrApprovalNotFound
	}

	won, err := s.repos.Approvals.Transition(ctx, approvalID,
		models.ApprovalPending, models.ApprovalRejected, approver)
	if err != nil {
		return nil, services.WrapInternal("failed to reject", err)
	}
	if !won {
		return nil, services.NewDomainError(services.ErrorTypeConflict,
			"approval already decided", nil)
	}

	decision, err := s.repos.Decisions.GetByID(ctx, approval.DecisionID)
	if err == nil {
		log := models.NewAuditLog(decision.TenantID, models.AuditActionApprovalRejected, "approval").
			WithResource(approvalID).
			WithActor(approver)
		if auditErr := s.repos.AuditLogs.Insert(ctx, log); auditErr != nil {
			s.logger.Error("failed to record rejection audit entry", zap.Error(auditErr))
		}
	}

	now := time.Now().UTC()
	approval.Status = models.ApprovalRejected
	approval.ApproverIdentity = approver
	approval.DecidedAt = &now
	return approval, nil
}

// Consume validates an approval token against the change being executed and
// atomically marks the approval consumed, opening the financial reservation
// in the same transaction. A second consume of the same token loses the
// conditional update and gets ErrTokenReplay.
func (s *Service) Consume(ctx context.Context, tokenString string, expected ConsumeExpectation) (*models.ReservationAuthorization, error) {
	claims, err := s.parseToken(tokenString)
	if err != nil {
		return nil, err
	}

	approvalID, decisionID, err := claimIDs(claims)
	if err != nil {
		return nil, err
	}

	if mismatched := bindingMismatches(claims, expected); len(mismatched) > 0 {
		s.auditRejection(ctx, expected.TenantID, approvalID, "binding_mismatch", mismatched)
		return nil, services.NewDomainError(services.ErrorTypeTokenBindingMismatch,
			"approval token bound to a different change", nil).
			WithDetail("mismatched_claims", mismatched)
	}

	decision, err := s.repos.Decisions.GetByID(ctx, decisionID)
	if err != nil {
		return nil, services.WrapInternal("failed to load decision for consumption", err)
	}
	if decision.RequestFingerprint != claims.RequestFingerprint ||
		decision.PolicyLineageSHA256 != claims.PolicyLineageSHA256 {
		// Token claims diverge from the stored decision row; treat the
		// stored row as the source of truth and refuse.
		s.auditRejection(ctx, decision.TenantID, approvalID, "decision_mismatch", nil)
		return nil, services.NewDomainError(services.ErrorTypeTokenBindingMismatch,
			"approval token does not match recorded decision", nil)
	}

	var auth *models.ReservationAuthorization
	err = s.txMgr.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		won, err := s.repos.Approvals.Transition(txCtx, approvalID,
			models.ApprovalApproved, models.ApprovalConsumed, "")
		if err != nil {
			return services.WrapInternal("failed to consume approval", err)
		}
		if !won {
			return services.NewDomainError(services.ErrorTypeTokenReplay,
				"approval token already consumed", nil).
				WithDetail("approval_id", approvalID.String())
		}

		reservation := models.NewReservation(decision)
		if err := s.repos.Reservations.Create(txCtx, reservation); err != nil {
			return services.WrapInternal("failed to open reservation", err)
		}

		consumeLog := models.NewAuditLog(decision.TenantID, models.AuditActionTokenConsumed, "approval").
			WithResource(approvalID)
		if err := s.repos.AuditLogs.Insert(txCtx, consumeLog); err != nil {
			return services.WrapInternal("failed to record consumption", err)
		}
		openLog := models.NewAuditLog(decision.TenantID, models.AuditActionReservationOpened, "reservation").
			WithResource(reservation.ID)
		if err := s.repos.AuditLogs.Insert(txCtx, openLog); err != nil {
			return services.WrapInternal("failed to record reservation open", err)
		}

		auth = &models.ReservationAuthorization{
			ReservationID:       reservation.ID,
			DecisionID:          decision.ID,
			ApprovalID:          approvalID,
			CommittedMonthlyUSD: reservation.CommittedMonthlyUSD,
			CommittedHourlyUSD:  reservation.CommittedHourlyUSD,
			OpenedAt:            reservation.OpenedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("approval token consumed",
		zap.String("approval_id", approvalID.String()),
		zap.String("decision_id", decision.ID.String()),
		zap.String("reservation_id", auth.ReservationID.String()))

	return auth, nil
}

// StartExpiryWorker periodically expires stale pending and approved rows
func (s *Service) StartExpiryWorker(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started approval expiry worker",
		zap.Duration("interval", interval),
		zap.Duration("max_age", maxAge))

	for {
		select {
		case <-ticker.C:
			count, err := s.repos.Approvals.ExpireOlderThan(ctx, time.Now().UTC().Add(-maxAge))
			if err != nil {
				s.logger.Error("failed to expire stale approvals", zap.Error(err))
				continue
			}
			if count > 0 {
				s.logger.Info("expired stale approvals", zap.Int64("count", count))
			}
		case <-ctx.Done():
			s.logger.Info("stopping approval expiry worker")
			return
		}
	}
}

func (s *Service) issueToken(decision *models.Decision, approvalID uuid.UUID, approver string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			Subject:   approvalID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
			ID:        uuid.NewString(),
		},
		TenantID:            decision.TenantID.String(),
		ProjectID:           decision.ProjectID.String(),
		DecisionID:          decision.ID.String(),
		ApprovalID:          approvalID.String(),
		Source:              string(decision.Source),
		RequestFingerprint:  decision.RequestFingerprint,
		PolicyLineageSHA256: decision.PolicyLineageSHA256,
		Environment:         decision.Environment,
		ResourceReference:   decision.ResourceReference,
		MaxHourlyDeltaUSD:   decision.MaxHourlyDeltaUSD,
		MaxMonthlyDeltaUSD:  decision.MaxMonthlyDeltaUSD,
		Approver:            approver,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.cfg.SigningKey)
}

func (s *Service) parseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.cfg.SigningKey, nil
		},
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, services.NewDomainError(services.ErrorTypeUnauthorized,
				"approval token expired", err)
		}
		return nil, services.NewDomainError(services.ErrorTypeUnauthorized,
			"invalid approval token", err)
	}
	if !token.Valid {
		return nil, services.ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) auditRejection(ctx context.Context, tenantID uuid.UUID, approvalID uuid.UUID, cause string, mismatched []string) {
	log := models.NewAuditLog(tenantID, models.AuditActionTokenRejected, "approval").
		WithResource(approvalID).
		WithDetails(map[string]interface{}{
			"cause":             cause,
			"mismatched_claims": mismatched,
		})
	if err := s.repos.AuditLogs.Insert(ctx, log); err != nil {
		s.logger.Error("failed to record token rejection", zap.Error(err))
	}
}

func claimIDs(claims *Claims) (approvalID, decisionID uuid.UUID, err error) {
	approvalID, err = uuid.Parse(claims.ApprovalID)
	if err != nil {
		return uuid.Nil, uuid.Nil, services.NewDomainError(services.ErrorTypeUnauthorized,
			"approval token carries malformed approval id", err)
	}
	decisionID, err = uuid.Parse(claims.DecisionID)
	if err != nil {
		return uuid.Nil, uuid.Nil, services.NewDomainError(services.ErrorTypeUnauthorized,
			"approval token carries malformed decision id", err)
	}
	return approvalID, decisionID, nil
}

// bindingMismatches returns the names of binding claims that do not match
// the expected values. Every comparison is unconditional; a hard reject on
// any single altered claim, never a partial match. Names only, never
// values, so logs cannot leak the fingerprint of another tenant's change.
func bindingMismatches(claims *Claims, expected ConsumeExpectation) []string {
	var mismatched []string
	if claims.TenantID != expected.TenantID.String() {
		mismatched = append(mismatched, "tenant_id")
	}
	if claims.ProjectID != expected.ProjectID.String() {
		mismatched = append(mismatched, "project_id")
	}
	if claims.Source != string(expected.Source) {
		mismatched = append(mismatched, "source")
	}
	if claims.RequestFingerprint != expected.Fingerprint {
		mismatched = append(mismatched, "request_fingerprint")
	}
	if claims.Environment != expected.Environment {
		mismatched = append(mismatched, "environment")
	}
	if claims.ResourceReference != expected.ResourceReference {
		mismatched = append(mismatched, "resource_reference")
	}
	if claims.MaxHourlyDeltaUSD != expected.MaxHourlyDeltaUSD {
		mismatched = append(mismatched, "max_hourly_delta_usd")
	}
	if claims.MaxMonthlyDeltaUSD != expected.MaxMonthlyDeltaUSD {
		mismatched = append(mismatched, "max_monthly_delta_usd")
	}
	return mismatched
}
