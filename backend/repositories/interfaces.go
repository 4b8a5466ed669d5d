package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/models"
)

// TransactionManager manages database transactions. Exactly-once mutations
// (idempotency registration, token consumption, breaker trips) run inside
// InTransaction so the storage layer enforces atomicity across gate instances.
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction.
	// Commits if the function succeeds, rolls back on error.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// IdempotencyRecord is the persisted (key -> fingerprint, decision) mapping
type IdempotencyRecord struct {
	Key         string
	TenantID    uuid.UUID
	Fingerprint string
	DecisionID  uuid.UUID
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// DecisionRepository handles immutable decision rows and the idempotency
// key registry
type DecisionRepository interface {
	// Create inserts an immutable decision row
	Create(ctx context.Context, decision *models.Decision) error

	// GetByID retrieves a decision by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Decision, error)

	// RegisterKey claims an idempotency key for a fingerprint/decision.
	// Returns the winning record; inserted reports whether this call won
	// the claim (losers read the existing row). Backed by a primary-key
	// conflict, not a read-then-write.
	RegisterKey(ctx context.Context, rec *IdempotencyRecord) (existing *IdempotencyRecord, inserted bool, err error)

	// GetKey retrieves a live idempotency record, if any
	GetKey(ctx context.Context, key string) (*IdempotencyRecord, error)

	// PurgeExpiredKeys removes idempotency records past their TTL
	PurgeExpiredKeys(ctx context.Context, now time.Time) (int64, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) DecisionRepository
}

// ApprovalRepository handles the approval lifecycle. All status changes are
// conditional updates keyed on the current status so concurrent callers
// cannot both win a transition.
type ApprovalRepository interface {
	// Create inserts a pending approval (one per decision, enforced by a
	// unique constraint on decision_id)
	Create(ctx context.Context, approval *models.Approval) error

	// GetByID retrieves an approval by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Approval, error)

	// GetByDecisionID retrieves the approval mapped to a decision
	GetByDecisionID(ctx context.Context, decisionID uuid.UUID) (*models.Approval, error)

	// Transition atomically moves the approval from one status to another,
	// recording the approver. Returns false when the approval was not in
	// the expected status (someone else won, or the lifecycle moved on).
	Transition(ctx context.Context, id uuid.UUID, from, to models.ApprovalStatus, approver string) (bool, error)

	// ExpireOlderThan moves stale pending/approved rows to expired
	ExpireOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) ApprovalRepository
}

// ReservationRepository handles the financial reservation ledger
type ReservationRepository interface {
	// Create opens a reservation (unique per decision)
	Create(ctx context.Context, reservation *models.Reservation) error

	// GetByID retrieves a reservation by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Reservation, error)

	// GetByDecisionID retrieves the reservation opened for a decision
	GetByDecisionID(ctx context.Context, decisionID uuid.UUID) (*models.Reservation, error)

	// OpenTotals sums committed amounts of open reservations for a tenant
	// (blast-radius input for evaluation)
	OpenTotals(ctx context.Context, tenantID uuid.UUID) (monthlyUSD, hourlyUSD float64, err error)

	// ListOpen returns up to limit open reservations for the sweep
	ListOpen(ctx context.Context, limit int) ([]*models.Reservation, error)

	// Settle atomically moves an open reservation to reconciled or
	// drift_exception, recording realized spend and drift. Returns false
	// when the row was no longer open (already processed by a concurrent
	// sweep).
	Settle(ctx context.Context, id uuid.UUID, status models.ReservationStatus, realizedUSD, driftRatio float64, reason string) (bool, error)

	// Release moves a drift_exception reservation to released with a
	// recorded reason (manual disposition). Returns false when the row was
	// not in drift_exception.
	Release(ctx context.Context, id uuid.UUID, reason string) (bool, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) ReservationRepository
}

// PolicyRepository handles versioned policy documents
type PolicyRepository interface {
	// CreateVersion appends a new immutable policy version
	CreateVersion(ctx context.Context, version *models.PolicyVersion) error

	// ActiveVersion returns the tenant's latest effective version
	ActiveVersion(ctx context.Context, tenantID uuid.UUID, now time.Time) (*models.PolicyVersion, error)

	// GetVersion retrieves a specific version of a policy
	GetVersion(ctx context.Context, policyID uuid.UUID, version int) (*models.PolicyVersion, error)

	// LatestVersionNumber returns the highest version for a policy, 0 if none
	LatestVersionNumber(ctx context.Context, policyID uuid.UUID) (int, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) PolicyRepository
}

// BreakerRepository persists circuit-breaker state. Only the breaker service
// calls these; trips and resets are conditional updates, never read-then-write.
type BreakerRepository interface {
	// GetOrInit fetches the tenant's breaker row, inserting a closed row
	// with the given daily limit when absent
	GetOrInit(ctx context.Context, tenantID uuid.UUID, dailyLimit float64) (*models.CircuitBreakerState, error)

	// RecordFailure increments the failure count and trips the breaker when
	// the count reaches threshold. Returns the post-update state and
	// whether this call tripped it.
	RecordFailure(ctx context.Context, tenantID uuid.UUID, threshold int, now time.Time) (*models.CircuitBreakerState, bool, error)

	// RecordSuccess resets the consecutive-failure count and adds realized
	// savings to the daily window, tripping on a daily-limit breach.
	// Returns the post-update state and whether this call tripped it.
	RecordSuccess(ctx context.Context, tenantID uuid.UUID, savingsUSD float64, window string, now time.Time) (*models.CircuitBreakerState, bool, error)

	// Reset closes an open breaker (operator action). Returns false when
	// the breaker was not open.
	Reset(ctx context.Context, tenantID uuid.UUID, now time.Time) (bool, error)

	// ResetIfCooledDown closes an open breaker whose opened_at is at or
	// before the cutoff (automatic cool-down expiry). Returns false when
	// the breaker was not open or not yet cooled down.
	ResetIfCooledDown(ctx context.Context, tenantID uuid.UUID, cutoff, now time.Time) (bool, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) BreakerRepository
}

// Repositories bundles all repository instances for dependency wiring
type Repositories struct {
	Decisions    DecisionRepository
	Approvals    ApprovalRepository
	Reservations ReservationRepository
	Policies     PolicyRepository
	Breakers     BreakerRepository
	AuditLogs    AuditRepository
}

// AuditRepository handles gate evidence records
type AuditRepository interface {
	// Insert inserts a new audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// GetByResourceID retrieves audit logs for a resource, newest first
	GetByResourceID(ctx context.Context, resourceID uuid.UUID, limit int) ([]*models.AuditLog, error)

	// GetByTenantID retrieves audit logs for a tenant with pagination
	GetByTenantID(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditLog, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) AuditRepository
}
