package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/presenceapp/presence-control-plane/internal/model"
)

// DB is the subset of pgxpool.Pool the store needs; pgxmock satisfies it in
// tests.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

const sessionColumns = `id, owner_id, label, status, coalesce(credential, ''), credential_expires_at, rotation_interval_ms, credential_window_ms, started_at, ended_at`

func (s *Postgres) CreateSession(ctx context.Context, in CreateInput) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, storageErr(err)
	}
	defer tx.Rollback(ctx)

	// Fast path only; two concurrent creates can both pass this select. The
	// partial unique index on (owner_id) where status = 'active' is what
	// actually serializes them.
	var existingID string
	const busyQ = `select id from sessions where owner_id = $1 and status = 'active' limit 1`
	err = tx.QueryRow(ctx, busyQ, in.OwnerID).Scan(&existingID)
	if err == nil {
		return nil, model.ErrOwnerBusy
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storageErr(err)
	}

	newID := "ses_" + uuid.NewString()
	now := time.Now().UTC()
	const insertQ = `
insert into sessions
  (id, owner_id, label, status, credential, credential_expires_at, rotation_interval_ms, credential_window_ms, started_at, created_at, updated_at)
values
  ($1, $2, $3, 'active', $4, $5, $6, $7, $8, $8, $8)`
	if _, err := tx.Exec(ctx, insertQ,
		newID, in.OwnerID, in.Label, in.Credential, in.CredentialExpiry.UTC(), in.RotationIntervalMS, in.CredentialWindowMS, now,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, model.ErrOwnerBusy
		}
		return nil, storageErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr(err)
	}

	expiry := in.CredentialExpiry.UTC()
	return &model.Session{
		ID:                  newID,
		OwnerID:             in.OwnerID,
		Label:               in.Label,
		Status:              model.SessionActive,
		Credential:          in.Credential,
		CredentialExpiresAt: &expiry,
		RotationIntervalMS:  in.RotationIntervalMS,
		CredentialWindowMS:  in.CredentialWindowMS,
		StartedAt:           now,
	}, nil
}

func (s *Postgres) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	const q = `select ` + sessionColumns + ` from sessions where id = $1`
	return scanSession(s.db.QueryRow(ctx, q, sessionID))
}

func (s *Postgres) RotateCredential(ctx context.Context, sessionID, credential string, expiresAt time.Time) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, storageErr(err)
	}
	defer tx.Rollback(ctx)

	// Guarding on status makes the swap a compare-and-set: a concurrent end
	// wins and the rotation reports ErrSessionInactive instead of resurrecting
	// the credential.
	const q = `
update sessions
set credential = $2, credential_expires_at = $3, updated_at = now()
where id = $1 and status = 'active'`
	tag, err := tx.Exec(ctx, q, sessionID, credential, expiresAt.UTC())
	if err != nil {
		return nil, storageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.classifyMissTx(ctx, tx, sessionID, model.ErrSessionInactive)
	}

	out, err := s.getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

func (s *Postgres) EndSession(ctx context.Context, sessionID string) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, storageErr(err)
	}
	defer tx.Rollback(ctx)

	const q = `
update sessions
set status = 'ended', credential = null, credential_expires_at = null, ended_at = now(), updated_at = now()
where id = $1 and status = 'active'`
	tag, err := tx.Exec(ctx, q, sessionID)
	if err != nil {
		return nil, storageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.classifyMissTx(ctx, tx, sessionID, model.ErrSessionEnded)
	}

	out, err := s.getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

func (s *Postgres) InsertCheckin(ctx context.Context, rec *model.ConsumptionRecord) (bool, error) {
	const q = `
insert into checkins
  (id, session_id, principal_id, consumed_at, origin, client_info, created_at)
values
  ($1, $2, $3, $4, $5, $6, now())
on conflict (session_id, principal_id) do nothing`
	tag, err := s.db.Exec(ctx, q, rec.ID, rec.SessionID, rec.PrincipalID, rec.ConsumedAt.UTC(), rec.Origin, rec.ClientInfo)
	if err != nil {
		return false, storageErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) CountCheckins(ctx context.Context, sessionID string) (int, error) {
	var n int
	const q = `select count(*) from checkins where session_id = $1`
	if err := s.db.QueryRow(ctx, q, sessionID).Scan(&n); err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

func (s *Postgres) ListCheckins(ctx context.Context, sessionID string) ([]model.ConsumptionRecord, error) {
	const q = `
select id, session_id, principal_id, consumed_at, coalesce(origin, ''), coalesce(client_info, '')
from checkins
where session_id = $1
order by consumed_at asc`
	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	out := make([]model.ConsumptionRecord, 0)
	for rows.Next() {
		var r model.ConsumptionRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.PrincipalID, &r.ConsumedAt, &r.Origin, &r.ClientInfo); err != nil {
			return nil, storageErr(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

func (s *Postgres) getSessionTx(ctx context.Context, tx pgx.Tx, sessionID string) (*model.Session, error) {
	const q = `select ` + sessionColumns + ` from sessions where id = $1`
	return scanSession(tx.QueryRow(ctx, q, sessionID))
}

// classifyMissTx distinguishes "no such session" from "session no longer
// active" after a guarded update touched zero rows.
func (s *Postgres) classifyMissTx(ctx context.Context, tx pgx.Tx, sessionID string, inactiveErr error) error {
	var status string
	const q = `select status from sessions where id = $1`
	if err := tx.QueryRow(ctx, q, sessionID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		return storageErr(err)
	}
	return inactiveErr
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var out model.Session
	var expiresAt, endedAt *time.Time
	if err := row.Scan(
		&out.ID, &out.OwnerID, &out.Label, &out.Status, &out.Credential, &expiresAt,
		&out.RotationIntervalMS, &out.CredentialWindowMS, &out.StartedAt, &endedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, storageErr(err)
	}
	out.CredentialExpiresAt = expiresAt
	out.EndedAt = endedAt
	return &out, nil
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
}
