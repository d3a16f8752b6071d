package gate

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/presenceapp/presence-control-plane/internal/model"
)

// Reader is the slice of the session store validation needs.
type Reader interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// Gate decides whether a presented credential authorizes consumption of a
// session right now.
type Gate struct {
	store Reader
	now   func() time.Time
}

func New(store Reader) *Gate {
	return &Gate{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// NewWithClock pins the gate's clock; tests use it to sit exactly on the
// expiry boundary.
func NewWithClock(store Reader, now func() time.Time) *Gate {
	return &Gate{store: store, now: now}
}

// Validate runs the ordered checks: existence, activity, match, expiry. The
// first failing check names the reject reason. Match is compared in constant
// time, and deliberately before expiry, so a stale near-miss learns nothing
// from response timing about how close it was.
func (g *Gate) Validate(ctx context.Context, sessionID, presented string) (*model.Session, model.RejectReason, error) {
	sess, err := g.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ReasonNotFound, nil
		}
		return nil, model.ReasonStorageUnavailable, err
	}
	if sess.Status != model.SessionActive {
		return nil, model.ReasonInactive, nil
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(sess.Credential)) != 1 {
		return nil, model.ReasonMismatch, nil
	}
	// The expiry timestamp itself is already stale: strictly-before accepts,
	// at-or-after rejects. Expired is the one retryable reject; the caller
	// should fetch the newest credential and try again.
	if sess.CredentialExpiresAt == nil || !g.now().Before(*sess.CredentialExpiresAt) {
		return nil, model.ReasonExpired, nil
	}
	return sess, "", nil
}
