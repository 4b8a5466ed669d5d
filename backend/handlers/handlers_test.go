package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/policy-gate/backend/app"
	"github.com/upb/policy-gate/backend/config"
	"github.com/upb/policy-gate/backend/middleware"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/repositories"
	"github.com/upb/policy-gate/backend/services/approval"
	"github.com/upb/policy-gate/backend/services/audit"
	"github.com/upb/policy-gate/backend/services/breaker"
	"github.com/upb/policy-gate/backend/services/evaluate"
	"github.com/upb/policy-gate/backend/services/fingerprint"
	"github.com/upb/policy-gate/backend/services/policy"
	"github.com/upb/policy-gate/backend/services/reservation"
	"go.uber.org/zap"
)

// stubTxManager runs the transactional function inline; the repositories
// behind it are mocks, so there is no real transaction to manage.
type stubTxManager struct{}

func (stubTxManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return stubTx{}, nil
}

func (stubTxManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	return fn(ctx, stubTx{})
}

type stubTx struct{}

func (stubTx) Commit() error            { return nil }
func (stubTx) Rollback() error          { return nil }
func (stubTx) Context() context.Context { return context.Background() }

// MockDecisionRepository is a mock implementation of repositories.DecisionRepository
type MockDecisionRepository struct {
	mock.Mock
}

func (m *MockDecisionRepository) Create(ctx context.Context, decision *models.Decision) error {
	args := m.Called(ctx, decision)
	return args.Error(0)
}

func (m *MockDecisionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Decision, error) {
	args := m.Called(ctx, id)
	if d := args.Get(0); d != nil {
		return d.(*models.Decision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionRepository) RegisterKey(ctx context.Context, rec *repositories.IdempotencyRecord) (*repositories.IdempotencyRecord, bool, error) {
	args := m.Called(ctx, rec)
	if r := args.Get(0); r != nil {
		return r.(*repositories.IdempotencyRecord), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *MockDecisionRepository) GetKey(ctx context.Context, key string) (*repositories.IdempotencyRecord, error) {
	args := m.Called(ctx, key)
	if r := args.Get(0); r != nil {
		return r.(*repositories.IdempotencyRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionRepository) PurgeExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDecisionRepository) WithTx(tx repositories.Transaction) repositories.DecisionRepository {
	return m
}

// MockApprovalRepository is a mock implementation of repositories.ApprovalRepository
type MockApprovalRepository struct {
	mock.Mock
}

func (m *MockApprovalRepository) Create(ctx context.Context, approval *models.Approval) error {
	args := m.Called(ctx, approval)
	return args.Error(0)
}

func (m *MockApprovalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Approval, error) {
	args := m.Called(ctx, id)
	if a := args.Get(0); a != nil {
		return a.(*models.Approval), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockApprovalRepository) GetByDecisionID(ctx context.Context, decisionID uuid.UUID) (*models.Approval, error) {
	args := m.Called(ctx, decisionID)
	if a := args.Get(0); a != nil {
		return a.(*models.Approval), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockApprovalRepository) Transition(ctx context.Context, id uuid.UUID, from, to models.ApprovalStatus, approver string) (bool, error) {
	args := m.Called(ctx, id, from, to, approver)
	return args.Bool(0), args.Error(1)
}

func (m *MockApprovalRepository) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockApprovalRepository) WithTx(tx repositories.Transaction) repositories.ApprovalRepository {
	return m
}

// MockReservationRepository is a mock implementation of repositories.ReservationRepository
type MockReservationRepository struct {
	mock.Mock
}

func (m *MockReservationRepository) Create(ctx context.Context, reservation *models.Reservation) error {
	args := m.Called(ctx, reservation)
	return args.Error(0)
}

func (m *MockReservationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	args := m.Called(ctx, id)
	if r := args.Get(0); r != nil {
		return r.(*models.Reservation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReservationRepository) GetByDecisionID(ctx context.Context, decisionID uuid.UUID) (*models.Reservation, error) {
	args := m.Called(ctx, decisionID)
	if r := args.Get(0); r != nil {
		return r.(*models.Reservation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReservationRepository) OpenTotals(ctx context.Context, tenantID uuid.UUID) (float64, float64, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(float64), args.Get(1).(float64), args.Error(2)
}

func (m *MockReservationRepository) ListOpen(ctx context.Context, limit int) ([]*models.Reservation, error) {
	args := m.Called(ctx, limit)
	if r := args.Get(0); r != nil {
		return r.([]*models.Reservation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReservationRepository) Settle(ctx context.Context, id uuid.UUID, status models.ReservationStatus, realizedUSD, driftRatio float64, reason string) (bool, error) {
	args := m.Called(ctx, id, status, realizedUSD, driftRatio, reason)
	return args.Bool(0), args.Error(1)
}

func (m *MockReservationRepository) Release(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	args := m.Called(ctx, id, reason)
	return args.Bool(0), args.Error(1)
}

func (m *MockReservationRepository) WithTx(tx repositories.Transaction) repositories.ReservationRepository {
	return m
}

// MockPolicyRepository is a mock implementation of repositories.PolicyRepository
type MockPolicyRepository struct {
	mock.Mock
}

func (m *MockPolicyRepository) CreateVersion(ctx context.Context, version *models.PolicyVersion) error {
	args := m.Called(ctx, version)
	return args.Error(0)
}

func (m *MockPolicyRepository) ActiveVersion(ctx context.Context, tenantID uuid.UUID, now time.Time) (*models.PolicyVersion, error) {
	args := m.Called(ctx, tenantID, now)
	if pv := args.Get(0); pv != nil {
		return pv.(*models.PolicyVersion), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPolicyRepository) GetVersion(ctx context.Context, policyID uuid.UUID, version int) (*models.PolicyVersion, error) {
	args := m.Called(ctx, policyID, version)
	if pv := args.Get(0); pv != nil {
		return pv.(*models.PolicyVersion), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPolicyRepository) LatestVersionNumber(ctx context.Context, policyID uuid.UUID) (int, error) {
	args := m.Called(ctx, policyID)
	return args.Int(0), args.Error(1)
}

func (m *MockPolicyRepository) WithTx(tx repositories.Transaction) repositories.PolicyRepository {
	return m
}

// MockAuditRepository is a mock implementation of repositories.AuditRepository
type MockAuditRepository struct {
	mock.Mock
}

func (m *MockAuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *MockAuditRepository) GetByResourceID(ctx context.Context, resourceID uuid.UUID, limit int) ([]*models.AuditLog, error) {
	args := m.Called(ctx, resourceID, limit)
	if l := args.Get(0); l != nil {
		return l.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) GetByTenantID(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	args := m.Called(ctx, tenantID, limit, offset)
	if l := args.Get(0); l != nil {
		return l.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	return m
}

// MockBreakerRepository is a mock implementation of repositories.BreakerRepository
type MockBreakerRepository struct {
	mock.Mock
}

func (m *MockBreakerRepository) GetOrInit(ctx context.Context, tenantID uuid.UUID, dailyLimit float64) (*models.CircuitBreakerState, error) {
	args := m.Called(ctx, tenantID, dailyLimit)
	if s := args.Get(0); s != nil {
		return s.(*models.CircuitBreakerState), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBreakerRepository) RecordFailure(ctx context.Context, tenantID uuid.UUID, threshold int, now time.Time) (*models.CircuitBreakerState, bool, error) {
	args := m.Called(ctx, tenantID, threshold, now)
	if s := args.Get(0); s != nil {
		return s.(*models.CircuitBreakerState), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *MockBreakerRepository) RecordSuccess(ctx context.Context, tenantID uuid.UUID, savingsUSD float64, window string, now time.Time) (*models.CircuitBreakerState, bool, error) {
	args := m.Called(ctx, tenantID, savingsUSD, window, now)
	if s := args.Get(0); s != nil {
		return s.(*models.CircuitBreakerState), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *MockBreakerRepository) Reset(ctx context.Context, tenantID uuid.UUID, now time.Time) (bool, error) {
	args := m.Called(ctx, tenantID, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockBreakerRepository) ResetIfCooledDown(ctx context.Context, tenantID uuid.UUID, cutoff, now time.Time) (bool, error) {
	args := m.Called(ctx, tenantID, cutoff, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockBreakerRepository) WithTx(tx repositories.Transaction) repositories.BreakerRepository {
	return m
}

// fixture wires real services over mock repositories into Dependencies
type fixture struct {
	deps         *app.Dependencies
	decisions    *MockDecisionRepository
	approvals    *MockApprovalRepository
	reservations *MockReservationRepository
	policies     *MockPolicyRepository
	audits       *MockAuditRepository
	breakers     *MockBreakerRepository
	tenant       models.TenantContext
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		decisions:    new(MockDecisionRepository),
		approvals:    new(MockApprovalRepository),
		reservations: new(MockReservationRepository),
		policies:     new(MockPolicyRepository),
		audits:       new(MockAuditRepository),
		breakers:     new(MockBreakerRepository),
		tenant:       models.TenantContext{TenantID: uuid.New(), ProjectID: uuid.New()},
	}

	repos := &repositories.Repositories{
		Decisions:    f.decisions,
		Approvals:    f.approvals,
		Reservations: f.reservations,
		Policies:     f.policies,
		Breakers:     f.breakers,
		AuditLogs:    f.audits,
	}

	logger := zap.NewNop()
	txMgr := stubTxManager{}

	policySvc := policy.NewService(f.policies, policy.NewVersionCache(16, time.Minute), logger)
	fpSvc := fingerprint.NewService(f.decisions, time.Hour, logger)
	tokenCfg := approval.TokenConfig{
		SigningKey: []byte("handler-test-signing-key"),
		Issuer:     "policy-gate",
		Audience:   "policy-gate-executors",
		TTL:        10 * time.Minute,
	}

	f.deps = &app.Dependencies{
		Config: &config.Config{
			Token:     config.TokenConfig{TTL: tokenCfg.TTL},
			Admission: config.AdmissionConfig{TimeoutBudget: 2 * time.Second},
		},
		Logger:       logger,
		Repos:        repos,
		TxManager:    txMgr,
		Fingerprints: fpSvc,
		Policies:     policySvc,
		Evaluator:    evaluate.NewEvaluator(txMgr, repos, fpSvc, policySvc, logger),
		Approvals:    approval.NewService(txMgr, repos, tokenCfg, logger),
		Reservations: reservation.NewService(txMgr, repos, reservation.Tolerance{Mode: reservation.ToleranceRelative, Ratio: 0.1}, logger),
		Breakers: breaker.NewService(f.breakers, f.audits, breaker.Config{
			FailureThreshold:     3,
			DailySavingsLimitUSD: 1000,
		}, logger),
		Trail: audit.NewTrail(f.audits, logger),
	}
	return f
}

// activePolicy primes the policy repo with a single active version
func (f *fixture) activePolicy(t *testing.T, doc models.PolicyDocument) *models.PolicyVersion {
	t.Helper()

	hash, err := policy.LineageHash(f.tenant.TenantID, 1, doc)
	require.NoError(t, err)
	pv := &models.PolicyVersion{
		PolicyID:    uuid.New(),
		TenantID:    f.tenant.TenantID,
		Version:     1,
		Document:    doc,
		ContentHash: hash,
		EffectiveAt: time.Now().Add(-time.Hour),
	}
	f.policies.On("ActiveVersion", mock.Anything, f.tenant.TenantID, mock.Anything).
		Return(pv, nil).Maybe()
	return pv
}

// request builds an authenticated request with tenant context and chi URL
// parameters installed, the way the middleware chain would
func (f *fixture) request(method, target, body string, params map[string]string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}

	ctx := middleware.WithTenantID(r.Context(), f.tenant.TenantID)
	ctx = middleware.WithProjectID(ctx, f.tenant.ProjectID)
	ctx = middleware.WithClaims(ctx, &middleware.Claims{
		Sub:      "user-1",
		TenantID: f.tenant.TenantID.String(),
		Roles:    []string{"operator", "approver"},
	})

	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}

	return r.WithContext(ctx)
}
