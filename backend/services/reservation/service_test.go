package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/policy-gate/backend/models"
	"github.com/upb/policy-gate/backend/repositories"
	"github.com/upb/policy-gate/backend/services"
	"go.uber.org/zap"
)

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

func TestTolerance_Relative(t *testing.T) {
	tol := Tolerance{Mode: ToleranceRelative, Ratio: 0.1}

	ratio, exceeded := tol.Evaluate(100, 105)
	assert.False(t, exceeded)
	assert.InDelta(t, 0.05, ratio, 1e-9)

	ratio, exceeded = tol.Evaluate(100, 120)
	assert.True(t, exceeded)
	assert.InDelta(t, 0.2, ratio, 1e-9)

	// Savings commitments drift the same way
	_, exceeded = tol.Evaluate(-100, -95)
	assert.False(t, exceeded)
	_, exceeded = tol.Evaluate(-100, -50)
	assert.True(t, exceeded)

	// Zero commitment: any realized spend is an exception
	_, exceeded = tol.Evaluate(0, 0)
	assert.False(t, exceeded)
	_, exceeded = tol.Evaluate(0, 1)
	assert.True(t, exceeded)
}

func TestTolerance_Absolute(t *testing.T) {
	tol := Tolerance{Mode: ToleranceAbsolute, AbsoluteUSD: 50}

	_, exceeded := tol.Evaluate(100, 149)
	assert.False(t, exceeded)
	_, exceeded = tol.Evaluate(100, 151)
	assert.True(t, exceeded)

	// Under-spend drifts on magnitude too
	_, exceeded = tol.Evaluate(100, 60)
	assert.False(t, exceeded)
	_, exceeded = tol.Evaluate(100, 40)
	assert.True(t, exceeded)
}

func newService(tol Tolerance) (*Service, *MockReservationRepository, *MockDecisionRepository, *MockAuditRepository) {
	reservations := new(MockReservationRepository)
	decisions := new(MockDecisionRepository)
	audits := new(MockAuditRepository)
	repos := &repositories.Repositories{
		Reservations: reservations,
		Decisions:    decisions,
		AuditLogs:    audits,
	}
	return NewService(stubTxManager{}, repos, tol, zap.NewNop()), reservations, decisions, audits
}

func allowedDecision() *models.Decision {
	tenant := models.TenantContext{TenantID: uuid.New(), ProjectID: uuid.New()}
	change := &models.ProposedChange{
		Source:             models.SourceTerraform,
		Environment:        "staging",
		ResourceReference:  "aws_instance.worker",
		Action:             "create",
		EstHourlyDeltaUSD:  0.2,
		EstMonthlyDeltaUSD: 144,
	}
	return models.NewDecision(tenant, change, "fp", "lineage", models.OutcomeAllow, nil)
}

func openReservation(decision *models.Decision) *models.Reservation {
	return models.NewReservation(decision)
}

func TestOpen_RecordsCommitment(t *testing.T) {
	svc, reservations, _, audits := newService(Tolerance{Mode: ToleranceRelative, Ratio: 0.1})
	decision := allowedDecision()

	reservations.On("Create", mock.Anything, mock.MatchedBy(func(r *models.Reservation) bool {
		return r.DecisionID == decision.ID && r.CommittedMonthlyUSD == 144.0
	})).Return(nil)
	audits.On("Insert", mock.Anything, mock.Anything).Return(nil)

	reservation, err := svc.Open(context.Background(), decision)

	require.NoError(t, err)
	assert.Equal(t, models.ReservationOpen, reservation.Status)
}

func TestOpen_RejectsNonAllowedDecision(t *testing.T) {
	svc, reservations, _, _ := newService(Tolerance{Mode: ToleranceRelative, Ratio: 0.1})
	decision := allowedDecision()
	decision.Outcome = models.OutcomeDeny

	_, err := svc.Open(context.Background(), decision)

	assert.True(t, services.IsValidationError(err))
	reservations.AssertNotCalled(t, "Create")
}

func TestReconcile_WithinTolerance(t *testing.T) {
	svc, reservations, _, _ := newService(Tolerance{Mode: ToleranceRelative, Ratio: 0.1})
	decision := allowedDecision()
	res := openReservation(decision)

	reservations.On("GetByID", mock.Anything, res.ID).Return(res, nil)
	reservations.On("Settle", mock.Anything, res.ID, models.ReservationReconciled,
		150.0, mock.Anything, "").Return(true, nil)

	settled, err := svc.Reconcile(context.Background(), res.ID, 150)

	require.NoError(t, err)
	assert.Equal(t, models.ReservationReconciled, settled.Status)
	assert.Equal(t, 150.0, *settled.RealizedUSD)
}

func TestReconcile_DriftExceptionEmitsEvent(t *testing.T) {
	svc, reservations, decisions, audits := newService(Tolerance{Mode: ToleranceRelative, Ratio: 0.1})
	decision := allowedDecision()
	res := openReservation(decision)

	reservations.On("GetByID", mock.Anything, res.ID).Return(res, nil)
	reservations.On("Settle", mock.Anything, res.ID, models.ReservationDriftException,
		300.0, mock.Anything, mock.Anything).Return(true, nil)
	decisions.On("GetByID", mock.Anything, decision.ID).Return(decision, nil)
	audits.On("Insert", mock.Anything, mock.MatchedBy(func(l *models.AuditLog) bool {
		return l.Action == models.AuditActionDriftException
	})).Return(nil)

	settled, err := svc.Reconcile(context.Background(), res.ID, 300)

	require.NoError(t, err)
	assert.Equal(t, models.ReservationDriftException, settled.Status)
	audits.AssertExpectations(t)
}

func TestReconcile_SameSnapshotIsNoOp(t *testing.T) {
	svc, reservations, _, _ := newService(Tolerance{Mode: ToleranceRelative, Ratio: 0.1})
	decision := allowedDecision()
	res := openReservation(decision)
	realized := 150.0
	res.Status = models.ReservationReconciled
	res.RealizedUSD = &realized

	reservations.On("GetByID", mock.Anything, res.ID).Return(res, nil)

	settled, err := svc.Reconcile(context.Background(), res.ID, 150)

	require.NoError(t, err)
	assert.Equal(t, models.ReservationReconciled, settled.Status)
	reservations.AssertNotCalled(t, "Settle")
}

func TestReconcile_DifferentSnapshotConflicts(t *testing.T) {
	svc, reservations, _, _ := newService(Tolerance{Mode: ToleranceRelative, Ratio: 0.1})
	decision := allowedDecision()
	res := openReservation(decision)
	realized := 150.0
	res.Status = models.ReservationReconciled
	res.RealizedUSD = &realized

	reservations.On("GetByID", mock.Anything, res.ID).Return(res, nil)

	_, err := svc.Reconcile(context.Background(), res.ID, 999)

	assert.True(t, services.IsConflictError(err))
}

func TestReconcile_LostRaceFallsBackToNoOp(t *testing.T) {
	svc, reservations, _, _ := newService(Tolerance{Mode: ToleranceRelative, Ratio: 0.1})
	decision := allowedDecision()
	res := openReservation(decision)

	realized := 150.0
	settledCopy := *res
	settledCopy.Status = models.ReservationReconciled
	settledCopy.RealizedUSD = &realized

	reservations.On("GetByID", mock.Anything, res.ID).Return(res, nil).Once()
	reservations.On("Settle", mock.Anything, res.ID, models.ReservationReconciled,
		150.0, mock.Anything, "").Return(false, nil)
	reservations.On("GetByID", mock.Anything, res.ID).Return(&settledCopy, nil).Once()

	settled, err := svc.Reconcile(context.Background(), res.ID, 150)

	require.NoError(t, err)
	assert.Equal(t, models.ReservationReconciled, settled.Status)
}

func TestReconcile_UnknownReservation(t *testing.T) {
	svc, reservations, _, _ := newService(Tolerance{Mode: ToleranceRelative, Ratio: 0.1})
	missing := uuid.New()

	reservations.On("GetByID", mock.Anything, missing).Return(nil, nil)

	_, err := svc.Reconcile(context.Background(), missing, 10)

	assert.True(t, services.IsNotFoundError(err))
}

func TestRelease_RequiresDriftException(t *testing.T) {
	svc, reservations, _, _ := newService(Tolerance{Mode: ToleranceRelative, Ratio: 0.1})
	decision := allowedDecision()
	res := openReservation(decision)

	reservations.On("Release", mock.Anything, res.ID, "duplicate billing row").Return(false, nil)
	reservations.On("GetByID", mock.Anything, res.ID).Return(res, nil)

	_, err := svc.Release(context.Background(), res.ID, "duplicate billing row", "ops@example.com")

	assert.True(t, services.IsConflictError(err))
}

func TestRelease_Succeeds(t *testing.T) {
	svc, reservations, decisions, audits := newService(Tolerance{Mode: ToleranceRelative, Ratio: 0.1})
	decision := allowedDecision()
	res := openReservation(decision)
	res.Status = models.ReservationReleased

	reservations.On("Release", mock.Anything, res.ID, "duplicate billing row").Return(true, nil)
	reservations.On("GetByID", mock.Anything, res.ID).Return(res, nil)
	decisions.On("GetByID", mock.Anything, decision.ID).Return(decision, nil)
	audits.On("Insert", mock.Anything, mock.Anything).Return(nil)

	released, err := svc.Release(context.Background(), res.ID, "duplicate billing row", "ops@example.com")

	require.NoError(t, err)
	assert.Equal(t, models.ReservationReleased, released.Status)
}

func TestRelease_RequiresReason(t *testing.T) {
	svc, _, _, _ := newService(Tolerance{Mode: ToleranceRelative, Ratio: 0.1})

	_, err := svc.Release(context.Background(), uuid.New(), "", "ops@example.com")

	assert.True(t, services.IsValidationError(err))
}
