package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/presenceapp/presence-control-plane/internal/model"
)

// Redis is a go-redis backed Store. Conditional mutations run as Lua scripts
// so the status guard and the write are one atomic step on the server; the
// check-in ledger's insert-if-absent is a script for the same reason, keeping
// the per-principal marker and the record list in step.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func sessionKey(id string) string { return "session:" + id }

func ownerKey(owner string) string { return "owner_active:" + owner }

func checkinKey(s, p string) string { return "checkin:" + s + ":" + p }

func checkinListKey(s string) string { return "checkins:" + s }

// rotateScript swaps credential and expiry iff the session is still active.
// Returns 1 on success, 0 when inactive, -1 when the key does not exist.
var rotateScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'active' then return 0 end
redis.call('HSET', KEYS[1], 'credential', ARGV[1], 'credential_expires_at', ARGV[2])
return 1`)

// endScript transitions active -> ended, clearing the credential and freeing
// the owner slot in the same atomic step.
var endScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'active' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'ended', 'ended_at', ARGV[1])
redis.call('HDEL', KEYS[1], 'credential', 'credential_expires_at')
redis.call('DEL', KEYS[2])
return 1`)

// insertCheckinScript records a check-in iff the per-principal marker is not
// already set. Returns 1 when inserted, 0 on a duplicate. The list push runs
// before the marker write so an aborted script never leaves a marker with no
// record behind it.
var insertCheckinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('SET', KEYS[1], ARGV[1])
return 1`)

func (r *Redis) CreateSession(ctx context.Context, in CreateInput) (*model.Session, error) {
	newID := "ses_" + uuid.NewString()
	now := time.Now().UTC()

	ok, err := r.client.SetNX(ctx, ownerKey(in.OwnerID), newID, 0).Result()
	if err != nil {
		return nil, storageErr(err)
	}
	if !ok {
		return nil, model.ErrOwnerBusy
	}

	expiry := in.CredentialExpiry.UTC()
	fields := map[string]any{
		"owner_id":              in.OwnerID,
		"label":                 in.Label,
		"status":                string(model.SessionActive),
		"credential":            in.Credential,
		"credential_expires_at": expiry.Format(time.RFC3339Nano),
		"rotation_interval_ms":  in.RotationIntervalMS,
		"credential_window_ms":  in.CredentialWindowMS,
		"started_at":            now.Format(time.RFC3339Nano),
	}
	if err := r.client.HSet(ctx, sessionKey(newID), fields).Err(); err != nil {
		// Free the owner slot so a failed create does not wedge the owner.
		r.client.Del(ctx, ownerKey(in.OwnerID))
		return nil, storageErr(err)
	}

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

func (r *Redis) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	fields, err := r.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, storageErr(err)
	}
	if len(fields) == 0 {
		return nil, model.ErrNotFound
	}
	return sessionFromFields(sessionID, fields)
}

func (r *Redis) RotateCredential(ctx context.Context, sessionID, credential string, expiresAt time.Time) (*model.Session, error) {
	res, err := rotateScript.Run(ctx, r.client,
		[]string{sessionKey(sessionID)},
		credential, expiresAt.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return nil, storageErr(err)
	}
	switch res {
	case -1:
		return nil, model.ErrNotFound
	case 0:
		return nil, model.ErrSessionInactive
	}
	return r.GetSession(ctx, sessionID)
}

func (r *Redis) EndSession(ctx context.Context, sessionID string) (*model.Session, error) {
	owner, err := r.client.HGet(ctx, sessionKey(sessionID), "owner_id").Result()
	if err == redis.Nil {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}

	res, err := endScript.Run(ctx, r.client,
		[]string{sessionKey(sessionID), ownerKey(owner)},
		time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return nil, storageErr(err)
	}
	switch res {
	case -1:
		return nil, model.ErrNotFound
	case 0:
		return nil, model.ErrSessionEnded
	}
	return r.GetSession(ctx, sessionID)
}

func (r *Redis) InsertCheckin(ctx context.Context, rec *model.ConsumptionRecord) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, storageErr(err)
	}
	res, err := insertCheckinScript.Run(ctx, r.client,
		[]string{checkinKey(rec.SessionID, rec.PrincipalID), checkinListKey(rec.SessionID)},
		payload,
	).Int()
	if err != nil {
		return false, storageErr(err)
	}
	return res == 1, nil
}

func (r *Redis) CountCheckins(ctx context.Context, sessionID string) (int, error) {
	n, err := r.client.LLen(ctx, checkinListKey(sessionID)).Result()
	if err != nil {
		return 0, storageErr(err)
	}
	return int(n), nil
}

func (r *Redis) ListCheckins(ctx context.Context, sessionID string) ([]model.ConsumptionRecord, error) {
	raw, err := r.client.LRange(ctx, checkinListKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, storageErr(err)
	}
	out := make([]model.ConsumptionRecord, 0, len(raw))
	for _, item := range raw {
		var rec model.ConsumptionRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, storageErr(err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func sessionFromFields(id string, fields map[string]string) (*model.Session, error) {
	out := &model.Session{
		ID:      id,
		OwnerID: fields["owner_id"],
		Label:   fields["label"],
		Status:  model.SessionStatus(fields["status"]),
	}
	out.Credential = fields["credential"]

	var err error
	if out.StartedAt, err = time.Parse(time.RFC3339Nano, fields["started_at"]); err != nil {
		return nil, storageErr(fmt.Errorf("parse started_at: %v", err))
	}
	if raw := fields["credential_expires_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, storageErr(fmt.Errorf("parse credential_expires_at: %v", err))
		}
		out.CredentialExpiresAt = &t
	}
	if raw := fields["ended_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, storageErr(fmt.Errorf("parse ended_at: %v", err))
		}
		out.EndedAt = &t
	}
	if raw := fields["rotation_interval_ms"]; raw != "" {
		if out.RotationIntervalMS, err = strconv.Atoi(raw); err != nil {
			return nil, storageErr(fmt.Errorf("parse rotation_interval_ms: %v", err))
		}
	}
	if raw := fields["credential_window_ms"]; raw != "" {
		if out.CredentialWindowMS, err = strconv.Atoi(raw); err != nil {
			return nil, storageErr(fmt.Errorf("parse credential_window_ms: %v", err))
		}
	}
	return out, nil
}
