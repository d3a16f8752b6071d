package model

import "time"

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session is one time-boxed attendance window. While active it carries
// exactly one live credential; once ended it carries none.
type Session struct {
	ID                  string
	OwnerID             string
	Label               string
	Status              SessionStatus
	Credential          string
	CredentialExpiresAt *time.Time
	RotationIntervalMS  int
	CredentialWindowMS  int
	StartedAt           time.Time
	EndedAt             *time.Time
}

// ConsumptionRecord is one principal's successful check-in against a session.
// The (SessionID, PrincipalID) pair is unique across all records; the storage
// layer enforces that, not callers.
type ConsumptionRecord struct {
	ID          string
	SessionID   string
	PrincipalID string
	ConsumedAt  time.Time
	Origin      string
	ClientInfo  string
}

// RejectReason classifies why a presented credential was refused.
type RejectReason string

const (
	ReasonNotFound           RejectReason = "not_found"
	ReasonInactive           RejectReason = "inactive"
	ReasonMismatch           RejectReason = "mismatch"
	ReasonExpired            RejectReason = "expired"
	ReasonAlreadyCheckedIn   RejectReason = "already_checked_in"
	ReasonStorageUnavailable RejectReason = "storage_unavailable"
)

// Retryable reports whether the caller should re-fetch the current credential
// and try again. Only an expired-but-otherwise-correct presentation invites a
// retry; a mismatch must not.
func (r RejectReason) Retryable() bool {
	return r == ReasonExpired
}
