package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/policy-gate/backend/models"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return &DB{DB: sqlDB, logger: zap.NewNop()}, mock
}

func TestApprovalRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewApprovalRepository(db, zap.NewNop())

	approval := models.NewApproval(uuid.New())

	mock.ExpectExec("INSERT INTO approvals").
		WithArgs(approval.ID, approval.DecisionID, approval.ApproverIdentity,
			approval.Status, approval.CreatedAt, approval.DecidedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), approval)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalRepository_TransitionWinsOnce(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewApprovalRepository(db, zap.NewNop())
	id := uuid.New()

	// First caller wins the approved -> consumed transition
	mock.ExpectExec("UPDATE approvals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Second caller finds the row already consumed
	mock.ExpectExec("UPDATE approvals").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := repo.Transition(context.Background(), id, models.ApprovalApproved, models.ApprovalConsumed, "")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.Transition(context.Background(), id, models.ApprovalApproved, models.ApprovalConsumed, "")
	require.NoError(t, err)
	assert.False(t, won, "second consumption must not win the conditional update")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalRepository_TransitionRejectsIllegalMove(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewApprovalRepository(db, zap.NewNop())

	// consumed is terminal; no SQL should run
	_, err := repo.Transition(context.Background(), uuid.New(),
		models.ApprovalConsumed, models.ApprovalApproved, "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal approval transition")
}

func TestApprovalRepository_GetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewApprovalRepository(db, zap.NewNop())
	id := uuid.New()

	mock.ExpectQuery("SELECT .* FROM approvals").
		WillReturnRows(sqlmock.NewRows([]string{"id", "decision_id", "approver_identity", "status", "created_at", "decided_at"}))

	approval, err := repo.GetByID(context.Background(), id)

	require.NoError(t, err)
	assert.Nil(t, approval)
}

func TestApprovalRepository_ExpireOlderThan(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewApprovalRepository(db, zap.NewNop())

	mock.ExpectExec("UPDATE approvals").
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := repo.ExpireOlderThan(context.Background(), time.Now().Add(-time.Hour))

	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
