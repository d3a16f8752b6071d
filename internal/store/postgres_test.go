package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"

	"github.com/presenceapp/presence-control-plane/internal/model"
)

const sessionSelectPrefix = "select id, owner_id, label, status, coalesce(credential, ''), credential_expires_at, rotation_interval_ms, credential_window_ms, started_at, ended_at"

func sessionRow(id, owner, status, credential string, expiresAt *time.Time) *pgxmock.Rows {
	cols := []string{
		"id", "owner_id", "label", "status", "credential", "credential_expires_at",
		"rotation_interval_ms", "credential_window_ms", "started_at", "ended_at",
	}
	return pgxmock.NewRows(cols).AddRow(
		id, owner, "Lecture 101", model.SessionStatus(status), credential, expiresAt, 30000, 30000, time.Now().UTC(), (*time.Time)(nil),
	)
}

func TestCreateSession_InsertsActiveWithCredential(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select id from sessions where owner_id = $1 and status = 'active'")).
		WithArgs("own_1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("insert into sessions")).
		WithArgs(pgxmock.AnyArg(), "own_1", "Lecture 101", "cred-a", pgxmock.AnyArg(), 30000, 30000, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	s := NewPostgres(mock)
	sess, err := s.CreateSession(context.Background(), CreateInput{
		OwnerID:            "own_1",
		Label:              "Lecture 101",
		Credential:         "cred-a",
		CredentialExpiry:   time.Now().UTC().Add(30 * time.Second),
		RotationIntervalMS: 30000,
		CredentialWindowMS: 30000,
	})
	if err != nil {
		t.Fatalf("CreateSession returned err: %v", err)
	}
	if sess.Status != model.SessionActive {
		t.Fatalf("expected active session, got %s", sess.Status)
	}
	if sess.Credential != "cred-a" || sess.CredentialExpiresAt == nil {
		t.Fatalf("expected first credential installed, got %+v", sess)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateSession_OwnerBusy(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select id from sessions where owner_id = $1 and status = 'active'")).
		WithArgs("own_1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("ses_existing"))
	mock.ExpectRollback()

	s := NewPostgres(mock)
	_, err = s.CreateSession(context.Background(), CreateInput{OwnerID: "own_1"})
	if !errors.Is(err, model.ErrOwnerBusy) {
		t.Fatalf("expected ErrOwnerBusy, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateSession_OwnerBusyOnUniqueViolation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	// Concurrent create for the same owner: the fast-path select sees no
	// active session, but the partial unique index rejects the insert.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select id from sessions where owner_id = $1 and status = 'active'")).
		WithArgs("own_1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("insert into sessions")).
		WithArgs(pgxmock.AnyArg(), "own_1", "", "", pgxmock.AnyArg(), 0, 0, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "sessions_owner_active_idx"})
	mock.ExpectRollback()

	s := NewPostgres(mock)
	_, err = s.CreateSession(context.Background(), CreateInput{OwnerID: "own_1"})
	if !errors.Is(err, model.ErrOwnerBusy) {
		t.Fatalf("expected ErrOwnerBusy, got %v", err)
	}
	if errors.Is(err, model.ErrStorageUnavailable) {
		t.Fatalf("unique violation must not surface as storage failure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateCredential_GuardedUpdate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	expiresAt := time.Now().UTC().Add(30 * time.Second)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update sessions")).
		WithArgs("ses_1", "cred-b", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta(sessionSelectPrefix)).
		WithArgs("ses_1").
		WillReturnRows(sessionRow("ses_1", "own_1", "active", "cred-b", &expiresAt))
	mock.ExpectCommit()

	s := NewPostgres(mock)
	sess, err := s.RotateCredential(context.Background(), "ses_1", "cred-b", expiresAt)
	if err != nil {
		t.Fatalf("RotateCredential returned err: %v", err)
	}
	if sess.Credential != "cred-b" {
		t.Fatalf("expected rotated credential, got %s", sess.Credential)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateCredential_MissClassification(t *testing.T) {
	cases := []struct {
		name    string
		rows    *pgxmock.Rows
		rowsErr error
		want    error
	}{
		{name: "ended session", rows: pgxmock.NewRows([]string{"status"}).AddRow("ended"), want: model.ErrSessionInactive},
		{name: "unknown session", rowsErr: pgx.ErrNoRows, want: model.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			if err != nil {
				t.Fatalf("pgxmock pool: %v", err)
			}
			defer mock.Close()

			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta("update sessions")).
				WithArgs("ses_1", "cred-b", pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			q := mock.ExpectQuery(regexp.QuoteMeta("select status from sessions")).WithArgs("ses_1")
			if tc.rowsErr != nil {
				q.WillReturnError(tc.rowsErr)
			} else {
				q.WillReturnRows(tc.rows)
			}
			mock.ExpectRollback()

			s := NewPostgres(mock)
			_, err = s.RotateCredential(context.Background(), "ses_1", "cred-b", time.Now().UTC())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestEndSession_AlreadyEndedFailsLoudly(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update sessions")).
		WithArgs("ses_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("select status from sessions")).
		WithArgs("ses_1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("ended"))
	mock.ExpectRollback()

	s := NewPostgres(mock)
	_, err = s.EndSession(context.Background(), "ses_1")
	if !errors.Is(err, model.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertCheckin_ConflictIsNormalReturn(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("insert into checkins")).
		WithArgs("chk_1", "ses_1", "student-1", pgxmock.AnyArg(), "203.0.113.9", "ua").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into checkins")).
		WithArgs("chk_2", "ses_1", "student-1", pgxmock.AnyArg(), "203.0.113.9", "ua").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	s := NewPostgres(mock)
	rec := &model.ConsumptionRecord{ID: "chk_1", SessionID: "ses_1", PrincipalID: "student-1", ConsumedAt: time.Now().UTC(), Origin: "203.0.113.9", ClientInfo: "ua"}
	inserted, err := s.InsertCheckin(context.Background(), rec)
	if err != nil || !inserted {
		t.Fatalf("expected first insert to win, inserted=%v err=%v", inserted, err)
	}

	rec.ID = "chk_2"
	inserted, err = s.InsertCheckin(context.Background(), rec)
	if err != nil {
		t.Fatalf("duplicate insert must not error: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate pair to report inserted=false")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCountCheckins(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("select count(*) from checkins")).
		WithArgs("ses_1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(17))

	s := NewPostgres(mock)
	n, err := s.CountCheckins(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("CountCheckins returned err: %v", err)
	}
	if n != 17 {
		t.Fatalf("expected 17, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
