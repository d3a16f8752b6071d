package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/presenceapp/presence-control-plane/internal/model"
)

// Memory is a map-backed Store for tests and single-node development. One
// mutex covers both tables, which keeps every mutation atomic without any
// I/O held under the lock.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	checkins map[string]map[string]model.ConsumptionRecord // sessionID -> principalID -> record
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*model.Session),
		checkins: make(map[string]map[string]model.ConsumptionRecord),
	}
}

func (m *Memory) CreateSession(_ context.Context, in CreateInput) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.sessions {
		if sess.OwnerID == in.OwnerID && sess.Status == model.SessionActive {
			return nil, model.ErrOwnerBusy
		}
	}

	expiry := in.CredentialExpiry.UTC()
	sess := &model.Session{
		ID:                  "ses_" + uuid.NewString(),
		OwnerID:             in.OwnerID,
		Label:               in.Label,
		Status:              model.SessionActive,
		Credential:          in.Credential,
		CredentialExpiresAt: &expiry,
		RotationIntervalMS:  in.RotationIntervalMS,
		CredentialWindowMS:  in.CredentialWindowMS,
		StartedAt:           time.Now().UTC(),
	}
	m.sessions[sess.ID] = sess
	return copySession(sess), nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copySession(sess), nil
}

func (m *Memory) RotateCredential(_ context.Context, sessionID, credential string, expiresAt time.Time) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, model.ErrNotFound
	}
	if sess.Status != model.SessionActive {
		return nil, model.ErrSessionInactive
	}
	expiry := expiresAt.UTC()
	sess.Credential = credential
	sess.CredentialExpiresAt = &expiry
	return copySession(sess), nil
}

func (m *Memory) EndSession(_ context.Context, sessionID string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, model.ErrNotFound
	}
	if sess.Status != model.SessionActive {
		return nil, model.ErrSessionEnded
	}
	now := time.Now().UTC()
	sess.Status = model.SessionEnded
	sess.Credential = ""
	sess.CredentialExpiresAt = nil
	sess.EndedAt = &now
	return copySession(sess), nil
}

func (m *Memory) InsertCheckin(_ context.Context, rec *model.ConsumptionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPrincipal, ok := m.checkins[rec.SessionID]
	if !ok {
		byPrincipal = make(map[string]model.ConsumptionRecord)
		m.checkins[rec.SessionID] = byPrincipal
	}
	if _, exists := byPrincipal[rec.PrincipalID]; exists {
		return false, nil
	}
	byPrincipal[rec.PrincipalID] = *rec
	return true, nil
}

func (m *Memory) CountCheckins(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkins[sessionID]), nil
}

func (m *Memory) ListCheckins(_ context.Context, sessionID string) ([]model.ConsumptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ConsumptionRecord, 0, len(m.checkins[sessionID]))
	for _, rec := range m.checkins[sessionID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConsumedAt.Before(out[j].ConsumedAt) })
	return out, nil
}

// DeleteCheckins is a test-only affordance; records are never deleted in
// normal operation.
func (m *Memory) DeleteCheckins(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkins, sessionID)
}

func copySession(sess *model.Session) *model.Session {
	out := *sess
	if sess.CredentialExpiresAt != nil {
		t := *sess.CredentialExpiresAt
		out.CredentialExpiresAt = &t
	}
	if sess.EndedAt != nil {
		t := *sess.EndedAt
		out.EndedAt = &t
	}
	return &out
}
