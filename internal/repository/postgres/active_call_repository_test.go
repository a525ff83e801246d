package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/ai-call-dispatch/internal/domain"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	db := sqlx.NewDb(raw, "pgx")
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func expectReservePrologue(mock sqlmock.Sqlmock, userLimit any, total, mine int) {
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(int64(registryLockKey)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT per_user_limit FROM users`).
		WillReturnRows(sqlmock.NewRows([]string{"per_user_limit"}).AddRow(userLimit))
	mock.ExpectQuery(`SELECT count\(\*\) AS total`).
		WillReturnRows(sqlmock.NewRows([]string{"total", "mine"}).AddRow(total, mine))
}

func TestReserveInsertsUnderLimits(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewActiveCallRepository(db, 10, 2)
	callID := uuid.New()

	expectReservePrologue(mock, 2, 3, 0)
	mock.ExpectExec(`INSERT INTO active_calls`).
		WithArgs(callID, "user-a", string(domain.CallTypeDirect), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := repo.ReserveDirect(context.Background(), "user-a", callID)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !outcome.OK() {
		t.Fatalf("expected OK outcome, got %+v", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReserveQueuesAtSystemLimit(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewActiveCallRepository(db, 10, 2)

	expectReservePrologue(mock, 2, 10, 0)
	mock.ExpectCommit()

	outcome, err := repo.ReserveDirect(context.Background(), "user-a", uuid.New())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if outcome.Result != domain.ReserveQueue || outcome.Reason != domain.ReasonSystemLimit {
		t.Fatalf("expected queue/system limit, got %+v", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReserveCampaignRejectsAtUserLimit(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewActiveCallRepository(db, 10, 2)

	expectReservePrologue(mock, 2, 5, 2)
	mock.ExpectCommit()

	outcome, err := repo.ReserveCampaign(context.Background(), "user-a", uuid.New())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if outcome.Result != domain.ReserveReject || outcome.Reason != domain.ReasonUserLimit {
		t.Fatalf("expected reject/user limit, got %+v", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReserveUsesConfiguredUserLimit(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewActiveCallRepository(db, 10, 2)
	callID := uuid.New()

	// Configured limit 5 overrides the default of 2.
	expectReservePrologue(mock, 5, 5, 3)
	mock.ExpectExec(`INSERT INTO active_calls`).
		WithArgs(callID, "user-a", string(domain.CallTypeCampaign), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := repo.ReserveCampaign(context.Background(), "user-a", callID)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !outcome.OK() {
		t.Fatalf("expected OK with raised limit, got %+v", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewActiveCallRepository(db, 10, 2)
	callID := uuid.New()

	mock.ExpectExec(`DELETE FROM active_calls WHERE id`).
		WithArgs(callID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Release(context.Background(), callID); err != nil {
		t.Fatalf("release of absent row should not error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListStaleFiltersByAge(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewActiveCallRepository(db, 10, 2)

	started := time.Now().UTC().Add(-time.Hour)
	id := uuid.New()
	mock.ExpectQuery(`SELECT id, user_id, call_type, started_at, provider_execution_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "call_type", "started_at", "provider_execution_id"}).
			AddRow(id, "user-a", "campaign", started, "exec-1"))

	stale, err := repo.ListStale(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != id || stale[0].ProviderExecutionID != "exec-1" {
		t.Fatalf("unexpected stale rows: %+v", stale)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
