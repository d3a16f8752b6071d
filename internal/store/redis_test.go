package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/presenceapp/presence-control-plane/internal/model"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client), mr, client
}

func redisCreateInput(owner string) CreateInput {
	return CreateInput{
		OwnerID:            owner,
		Label:              "Lecture 101",
		Credential:         "cred-a",
		CredentialExpiry:   time.Now().UTC().Add(30 * time.Second),
		RotationIntervalMS: 30000,
		CredentialWindowMS: 30000,
	}
}

func TestRedisCreateSession_ClaimsOwnerSlot(t *testing.T) {
	r, _, _ := newTestRedis(t)
	ctx := context.Background()

	sess, err := r.CreateSession(ctx, redisCreateInput("own_1"))
	if err != nil {
		t.Fatalf("CreateSession returned err: %v", err)
	}
	if sess.Status != model.SessionActive || sess.Credential != "cred-a" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	if _, err := r.CreateSession(ctx, redisCreateInput("own_1")); !errors.Is(err, model.ErrOwnerBusy) {
		t.Fatalf("expected ErrOwnerBusy for second active session, got %v", err)
	}
}

func TestRedisRotateCredential_Classification(t *testing.T) {
	r, _, _ := newTestRedis(t)
	ctx := context.Background()

	sess, err := r.CreateSession(ctx, redisCreateInput("own_1"))
	if err != nil {
		t.Fatalf("CreateSession returned err: %v", err)
	}

	next := time.Now().UTC().Add(time.Minute)
	rotated, err := r.RotateCredential(ctx, sess.ID, "cred-b", next)
	if err != nil {
		t.Fatalf("RotateCredential returned err: %v", err)
	}
	if rotated.Credential != "cred-b" {
		t.Fatalf("expected cred-b after rotate, got %s", rotated.Credential)
	}
	if rotated.CredentialExpiresAt == nil || !rotated.CredentialExpiresAt.Equal(next) {
		t.Fatalf("expected expiry %v, got %v", next, rotated.CredentialExpiresAt)
	}

	if _, err := r.RotateCredential(ctx, "ses_missing", "cred-c", next); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown session, got %v", err)
	}

	if _, err := r.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession returned err: %v", err)
	}
	if _, err := r.RotateCredential(ctx, sess.ID, "cred-c", next); !errors.Is(err, model.ErrSessionInactive) {
		t.Fatalf("expected ErrSessionInactive after end, got %v", err)
	}
}

func TestRedisEndSession_ClearsCredentialAndFreesOwner(t *testing.T) {
	r, _, _ := newTestRedis(t)
	ctx := context.Background()

	sess, err := r.CreateSession(ctx, redisCreateInput("own_1"))
	if err != nil {
		t.Fatalf("CreateSession returned err: %v", err)
	}

	ended, err := r.EndSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("EndSession returned err: %v", err)
	}
	if ended.Status != model.SessionEnded || ended.EndedAt == nil {
		t.Fatalf("expected ended session with timestamp, got %+v", ended)
	}
	if ended.Credential != "" || ended.CredentialExpiresAt != nil {
		t.Fatalf("expected credential cleared on end, got %+v", ended)
	}

	if _, err := r.EndSession(ctx, sess.ID); !errors.Is(err, model.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded on double end, got %v", err)
	}
	if _, err := r.EndSession(ctx, "ses_missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown session, got %v", err)
	}

	// Owner slot released: the same owner can open a new session.
	if _, err := r.CreateSession(ctx, redisCreateInput("own_1")); err != nil {
		t.Fatalf("expected owner freed after end, got %v", err)
	}
}

func TestRedisInsertCheckin_ExactlyOnce(t *testing.T) {
	r, _, _ := newTestRedis(t)
	ctx := context.Background()

	sess, err := r.CreateSession(ctx, redisCreateInput("own_1"))
	if err != nil {
		t.Fatalf("CreateSession returned err: %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	inserted := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := r.InsertCheckin(ctx, &model.ConsumptionRecord{
				ID:          fmt.Sprintf("chk_%d", i),
				SessionID:   sess.ID,
				PrincipalID: "principal-1",
				ConsumedAt:  time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("InsertCheckin returned err: %v", err)
				return
			}
			inserted[i] = ok
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range inserted {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one insert to win, got %d", wins)
	}
	n, err := r.CountCheckins(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CountCheckins returned err: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected ledger count 1, got %d", n)
	}
}

func TestRedisInsertCheckin_FailedWriteLeavesNoMarker(t *testing.T) {
	r, _, client := newTestRedis(t)
	ctx := context.Background()

	sess, err := r.CreateSession(ctx, redisCreateInput("own_1"))
	if err != nil {
		t.Fatalf("CreateSession returned err: %v", err)
	}

	// Occupy the record list key with a plain string so the list push fails
	// mid-insert.
	if err := client.Set(ctx, checkinListKey(sess.ID), "junk", 0).Err(); err != nil {
		t.Fatalf("seed list key: %v", err)
	}

	rec := &model.ConsumptionRecord{
		ID:          "chk_1",
		SessionID:   sess.ID,
		PrincipalID: "principal-1",
		ConsumedAt:  time.Now().UTC(),
	}
	if _, err := r.InsertCheckin(ctx, rec); !errors.Is(err, model.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable on failed write, got %v", err)
	}

	// The failed attempt must not be mistaken for a prior check-in once the
	// fault clears.
	if err := client.Del(ctx, checkinListKey(sess.ID)).Err(); err != nil {
		t.Fatalf("clear list key: %v", err)
	}
	inserted, err := r.InsertCheckin(ctx, rec)
	if err != nil {
		t.Fatalf("retry InsertCheckin returned err: %v", err)
	}
	if !inserted {
		t.Fatalf("expected retry after failed write to insert")
	}
	n, err := r.CountCheckins(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CountCheckins returned err: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected ledger count 1 after retry, got %d", n)
	}
}

func TestRedisListCheckins_PreservesOrder(t *testing.T) {
	r, _, _ := newTestRedis(t)
	ctx := context.Background()

	sess, err := r.CreateSession(ctx, redisCreateInput("own_1"))
	if err != nil {
		t.Fatalf("CreateSession returned err: %v", err)
	}

	for i := 0; i < 3; i++ {
		ok, err := r.InsertCheckin(ctx, &model.ConsumptionRecord{
			ID:          fmt.Sprintf("chk_%d", i),
			SessionID:   sess.ID,
			PrincipalID: fmt.Sprintf("principal-%d", i),
			ConsumedAt:  time.Now().UTC(),
		})
		if err != nil || !ok {
			t.Fatalf("InsertCheckin %d: ok=%v err=%v", i, ok, err)
		}
	}

	recs, err := r.ListCheckins(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListCheckins returned err: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i, rec := range recs {
		if want := fmt.Sprintf("principal-%d", i); rec.PrincipalID != want {
			t.Fatalf("record %d out of order: got %s want %s", i, rec.PrincipalID, want)
		}
	}
}
