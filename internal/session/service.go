package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/presenceapp/presence-control-plane/internal/model"
	"github.com/presenceapp/presence-control-plane/internal/rotation"
	"github.com/presenceapp/presence-control-plane/internal/store"
	"github.com/presenceapp/presence-control-plane/internal/token"
)

// Options are per-session overrides; zero values fall back to the service
// defaults.
type Options struct {
	RotationInterval time.Duration
	CredentialWindow time.Duration
}

// Service owns session lifecycle: creation installs the first credential and
// starts rotation; ending a session stops rotation in the same logical
// operation, so "ended" and "no longer rotating" become true together.
type Service struct {
	store store.Store
	sched *rotation.Scheduler
	gen   *token.Generator

	defaultInterval time.Duration
	defaultWindow   time.Duration
}

func NewService(st store.Store, sched *rotation.Scheduler, gen *token.Generator, defaultInterval, defaultWindow time.Duration) *Service {
	return &Service{
		store:           st,
		sched:           sched,
		gen:             gen,
		defaultInterval: defaultInterval,
		defaultWindow:   defaultWindow,
	}
}

func (s *Service) Create(ctx context.Context, ownerID, label string, opts Options) (*model.Session, error) {
	interval := opts.RotationInterval
	if interval <= 0 {
		interval = s.defaultInterval
	}
	window := opts.CredentialWindow
	if window <= 0 {
		window = s.defaultWindow
	}

	cred, err := s.gen.Generate()
	if err != nil {
		return nil, err
	}
	sess, err := s.store.CreateSession(ctx, store.CreateInput{
		OwnerID:            ownerID,
		Label:              label,
		Credential:         cred,
		CredentialExpiry:   time.Now().UTC().Add(window),
		RotationIntervalMS: int(interval / time.Millisecond),
		CredentialWindowMS: int(window / time.Millisecond),
	})
	if err != nil {
		return nil, err
	}

	s.sched.Start(sess.ID, interval, window)
	return sess, nil
}

func (s *Service) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// End stops rotation first, then transitions the record. The ordering closes
// the window where a session could be ended yet still silently rotating; the
// brief opposite window (active but no longer rotating) only shortens the
// last credential's life. When the store transition fails transiently,
// rotation resumes so the session is not left active with a credential that
// never refreshes.
func (s *Service) End(ctx context.Context, sessionID string) (*model.Session, error) {
	wasRotating := s.sched.Stop(sessionID)
	sess, err := s.store.EndSession(ctx, sessionID)
	if err != nil {
		if wasRotating && errors.Is(err, model.ErrStorageUnavailable) {
			s.resumeRotation(ctx, sessionID)
		}
		return nil, err
	}
	return sess, nil
}

func (s *Service) resumeRotation(ctx context.Context, sessionID string) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil || sess.Status != model.SessionActive {
		log.Printf("metric=rotation_resume session_id=%s status=skipped err=%v", sessionID, err)
		return
	}
	interval := time.Duration(sess.RotationIntervalMS) * time.Millisecond
	window := time.Duration(sess.CredentialWindowMS) * time.Millisecond
	if interval <= 0 {
		interval = s.defaultInterval
	}
	if window <= 0 {
		window = s.defaultWindow
	}
	s.sched.Start(sess.ID, interval, window)
	log.Printf("metric=rotation_resume session_id=%s status=resumed", sessionID)
}

func (s *Service) RotationStatus(sessionID string) rotation.Status {
	return s.sched.Status(sessionID)
}

func (s *Service) Attendees(ctx context.Context, sessionID string) ([]model.ConsumptionRecord, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListCheckins(ctx, sessionID)
}
