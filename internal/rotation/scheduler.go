package rotation

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/presenceapp/presence-control-plane/internal/model"
	"github.com/presenceapp/presence-control-plane/internal/notify"
)

// Rotator is the slice of the session store the scheduler drives.
type Rotator interface {
	RotateCredential(ctx context.Context, sessionID, credential string, expiresAt time.Time) (*model.Session, error)
}

// Generator produces the replacement credentials.
type Generator interface {
	Generate() (string, error)
}

// Status reports whether a session currently has a live timer.
type Status struct {
	Active    bool
	StartedAt time.Time
	Interval  time.Duration
}

type handle struct {
	cancel    context.CancelFunc
	startedAt time.Time
	interval  time.Duration
}

// Scheduler owns one recurring rotation timer per active session. It is an
// injected registry, not a global: whoever hosts the engine constructs one
// and shuts it down. Ticks for a given session run sequentially on a single
// goroutine, so two rotations for one session can never overlap.
type Scheduler struct {
	store Rotator
	gen   Generator
	sink  notify.Sink

	// OnFailure, when set, observes the error that fail-stopped a session's
	// timer. The timer is already gone by the time it runs.
	OnFailure func(sessionID string, err error)

	mu      sync.Mutex
	handles map[string]*handle
}

func NewScheduler(store Rotator, gen Generator, sink notify.Sink) *Scheduler {
	return &Scheduler{
		store:   store,
		gen:     gen,
		sink:    sink,
		handles: make(map[string]*handle),
	}
}

// Start schedules recurring rotation for sessionID. A previous timer for the
// same id, if any, is cancelled first: start is idempotent-replace, never
// additive, so two live timers for one session cannot exist. window is how
// long each installed credential stays valid.
func (s *Scheduler) Start(sessionID string, interval, window time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, startedAt: time.Now().UTC(), interval: interval}

	s.mu.Lock()
	if prev, ok := s.handles[sessionID]; ok {
		prev.cancel()
	}
	s.handles[sessionID] = h
	s.mu.Unlock()

	go s.run(ctx, sessionID, h, interval, window)
}

// Stop cancels the session's timer if one is live and reports whether it was.
// Both outcomes are success; calling Stop on an idle session is not an error.
func (s *Scheduler) Stop(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[sessionID]
	if !ok {
		return false
	}
	h.cancel()
	delete(s.handles, sessionID)
	return true
}

func (s *Scheduler) Status(sessionID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[sessionID]
	if !ok {
		return Status{}
	}
	return Status{Active: true, StartedAt: h.startedAt, Interval: h.interval}
}

// StopAll cancels every tracked timer. Required at process shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.handles {
		h.cancel()
		delete(s.handles, id)
	}
}

func (s *Scheduler) run(ctx context.Context, sessionID string, h *handle, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// A cancellation racing the tick must win: a stopped timer never
		// rotates again.
		if ctx.Err() != nil {
			return
		}
		if err := s.tick(ctx, sessionID, window); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("metric=rotation_tick session_id=%s status=error err=%q", sessionID, err.Error())
			s.failStop(sessionID, h, err)
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, sessionID string, window time.Duration) error {
	cred, err := s.gen.Generate()
	if err != nil {
		return err
	}
	expiresAt := time.Now().UTC().Add(window)
	if _, err := s.store.RotateCredential(ctx, sessionID, cred, expiresAt); err != nil {
		return err
	}
	s.sink.CredentialRotated(notify.RotatedEvent{
		SessionID:  sessionID,
		Credential: cred,
		ExpiresAt:  expiresAt,
	})
	return nil
}

// failStop removes the timer after a failed tick. Rotation does not retry: a
// session whose rotation failed stays un-rotated until a caller explicitly
// starts it again. The handle is removed only if the registry still points at
// this timer; a replacement started in the meantime is left alone.
func (s *Scheduler) failStop(sessionID string, h *handle, err error) {
	s.mu.Lock()
	if current, ok := s.handles[sessionID]; ok && current == h {
		delete(s.handles, sessionID)
	}
	s.mu.Unlock()
	if s.OnFailure != nil {
		s.OnFailure(sessionID, err)
	}
}
