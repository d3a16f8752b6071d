package checkin

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/presenceapp/presence-control-plane/internal/gate"
	"github.com/presenceapp/presence-control-plane/internal/model"
	"github.com/presenceapp/presence-control-plane/internal/notify"
)

// Ledger is the slice of the store the coordinator writes to. InsertCheckin
// is the atomic insert-if-absent; "already exists" comes back as a normal
// return value, never as error control flow.
type Ledger interface {
	InsertCheckin(ctx context.Context, rec *model.ConsumptionRecord) (inserted bool, err error)
	CountCheckins(ctx context.Context, sessionID string) (int, error)
}

// Provenance is audit metadata carried on the record; it plays no part in
// correctness.
type Provenance struct {
	Origin     string
	ClientInfo string
}

// Result is the outcome of one check-in attempt. Exactly one of Record or
// Reason is meaningful: a nil Record means the attempt was rejected.
type Result struct {
	Record *model.ConsumptionRecord
	Tally  int
	Reason model.RejectReason
}

// Coordinator runs validate-then-consume as one logical operation.
type Coordinator struct {
	gate   *gate.Gate
	ledger Ledger
	sink   notify.Sink
}

func NewCoordinator(g *gate.Gate, ledger Ledger, sink notify.Sink) *Coordinator {
	return &Coordinator{gate: g, ledger: ledger, sink: sink}
}

// CheckIn validates the presented credential and records the consumption at
// most once per (session, principal). Concurrent attempts for one pair race
// down to the ledger's atomic insert, where exactly one wins; everyone else
// gets ReasonAlreadyCheckedIn.
func (c *Coordinator) CheckIn(ctx context.Context, sessionID, principalID, presented string, prov Provenance) (Result, error) {
	if _, reason, err := c.gate.Validate(ctx, sessionID, presented); reason != "" {
		return Result{Reason: reason}, err
	}

	rec := &model.ConsumptionRecord{
		ID:          "chk_" + uuid.NewString(),
		SessionID:   sessionID,
		PrincipalID: principalID,
		ConsumedAt:  time.Now().UTC(),
		Origin:      prov.Origin,
		ClientInfo:  prov.ClientInfo,
	}
	inserted, err := c.ledger.InsertCheckin(ctx, rec)
	if err != nil {
		// A failed ledger write is a transient storage failure and nothing
		// else; mapping it to "already checked in" or to success would be a
		// correctness bug in both directions.
		return Result{Reason: model.ReasonStorageUnavailable}, err
	}
	if !inserted {
		return Result{Reason: model.ReasonAlreadyCheckedIn}, nil
	}

	tally, err := c.ledger.CountCheckins(ctx, sessionID)
	if err != nil {
		// The record is committed; the tally is best-effort decoration.
		log.Printf("metric=checkin_tally session_id=%s status=error err=%q", sessionID, err.Error())
		tally = 0
	}
	c.sink.CheckinRecorded(notify.ConsumedEvent{SessionID: sessionID, Record: *rec, Tally: tally})
	return Result{Record: rec, Tally: tally}, nil
}
