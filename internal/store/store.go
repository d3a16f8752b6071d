package store

import (
	"context"
	"time"

	"github.com/presenceapp/presence-control-plane/internal/model"
)

// CreateInput carries everything needed to open a session with its first
// credential already installed.
type CreateInput struct {
	OwnerID            string
	Label              string
	Credential         string
	CredentialExpiry   time.Time
	RotationIntervalMS int
	CredentialWindowMS int
}

// Store is the authoritative record of sessions and check-ins. All mutations
// are atomic: rotation and end are conditional updates guarded on the current
// status, and InsertCheckin is a single insert-if-absent. Callers never do
// read-then-write around these operations.
type Store interface {
	CreateSession(ctx context.Context, in CreateInput) (*model.Session, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	// RotateCredential installs a new credential and expiry iff the session
	// is still active. Returns model.ErrNotFound or model.ErrSessionInactive
	// otherwise.
	RotateCredential(ctx context.Context, sessionID, credential string, expiresAt time.Time) (*model.Session, error)
	// EndSession clears the credential and stamps EndedAt. Ending an
	// already-ended session returns model.ErrSessionEnded, not silent success.
	EndSession(ctx context.Context, sessionID string) (*model.Session, error)
	// InsertCheckin records the check-in iff no record exists for the
	// record's (SessionID, PrincipalID) pair. inserted=false with a nil error
	// means the pair already existed.
	InsertCheckin(ctx context.Context, rec *model.ConsumptionRecord) (inserted bool, err error)
	CountCheckins(ctx context.Context, sessionID string) (int, error)
	ListCheckins(ctx context.Context, sessionID string) ([]model.ConsumptionRecord, error)
}
