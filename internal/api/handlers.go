package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/presenceapp/presence-control-plane/internal/auth"
	"github.com/presenceapp/presence-control-plane/internal/checkin"
	"github.com/presenceapp/presence-control-plane/internal/model"
	"github.com/presenceapp/presence-control-plane/internal/session"
)

type sessionCreateRequest struct {
	Label              string `json:"label"`
	RotationIntervalMS int    `json:"rotation_interval_ms"`
	CredentialWindowMS int    `json:"credential_window_ms"`
}

type checkinRequest struct {
	Credential string `json:"credential"`
	ClientInfo string `json:"client_info"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.PrincipalIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing principal identity")
		return
	}

	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	sess, err := s.sessions.Create(r.Context(), ownerID, req.Label, session.Options{
		RotationInterval: time.Duration(req.RotationIntervalMS) * time.Millisecond,
		CredentialWindow: time.Duration(req.CredentialWindowMS) * time.Millisecond,
	})
	if err != nil {
		switch {
		case errors.Is(err, model.ErrOwnerBusy):
			writeAPIError(w, http.StatusConflict, "owner_busy", "an active session already exists for this owner")
		case errors.Is(err, model.ErrStorageUnavailable), errors.Is(err, model.ErrEntropyUnavailable):
			writeAPIError(w, http.StatusServiceUnavailable, "unavailable", "temporary failure, try again")
		default:
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		}
		return
	}

	s.metrics.SessionsStarted.Inc()
	writeJSON(w, http.StatusCreated, map[string]any{"session": toSessionResponse(sess, true)})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.PrincipalIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing principal identity")
		return
	}

	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionFetchError(w, err)
		return
	}
	// Only the owner sees the live credential.
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess, sess.OwnerID == ownerID)})
}

func (s *Server) handleSessionCode(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.PrincipalIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing principal identity")
		return
	}

	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionFetchError(w, err)
		return
	}
	if sess.OwnerID != ownerID {
		writeAPIError(w, http.StatusForbidden, "forbidden", "not the session owner")
		return
	}
	if sess.Status != model.SessionActive || sess.CredentialExpiresAt == nil {
		writeAPIError(w, http.StatusConflict, "inactive", "session is not active")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"credential": sess.Credential,
		"expires_at": sess.CredentialExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	principalID, ok := auth.PrincipalIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing principal identity")
		return
	}

	var req checkinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Credential == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "credential is required")
		return
	}

	res, err := s.checkins.CheckIn(r.Context(), chi.URLParam(r, "sessionID"), principalID, req.Credential, checkin.Provenance{
		Origin:     r.RemoteAddr,
		ClientInfo: req.ClientInfo,
	})
	if err != nil {
		log.Printf("metric=checkin session_id=%s status=error err=%q", chi.URLParam(r, "sessionID"), err.Error())
	}
	s.metrics.CheckinSeconds.Observe(time.Since(start).Seconds())

	if res.Record != nil {
		s.metrics.Checkins.WithLabelValues("ok").Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"record": map[string]any{
				"id":          res.Record.ID,
				"session_id":  res.Record.SessionID,
				"consumed_at": res.Record.ConsumedAt.UTC().Format(time.RFC3339Nano),
			},
			"tally": res.Tally,
		})
		return
	}

	s.metrics.Checkins.WithLabelValues(string(res.Reason)).Inc()
	switch res.Reason {
	case model.ReasonNotFound:
		writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
	case model.ReasonInactive:
		writeAPIError(w, http.StatusConflict, "inactive", "session is not active")
	case model.ReasonMismatch:
		writeAPIError(w, http.StatusForbidden, "mismatch", "code not recognized, scan the current code")
	case model.ReasonExpired:
		writeAPIErrorRetryable(w, http.StatusGone, "expired", "code expired, scan the current code", true)
	case model.ReasonAlreadyCheckedIn:
		writeAPIError(w, http.StatusConflict, "already_checked_in", "attendance already recorded")
	default:
		writeAPIError(w, http.StatusServiceUnavailable, "unavailable", "temporary failure, try again")
	}
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.PrincipalIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing principal identity")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	curr, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeSessionFetchError(w, err)
		return
	}
	if curr.OwnerID != ownerID {
		writeAPIError(w, http.StatusForbidden, "forbidden", "not the session owner")
		return
	}

	sess, err := s.sessions.End(r.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrSessionEnded):
			writeAPIError(w, http.StatusConflict, "already_ended", "session already ended")
		case errors.Is(err, model.ErrNotFound):
			writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
		case errors.Is(err, model.ErrStorageUnavailable):
			writeAPIError(w, http.StatusServiceUnavailable, "unavailable", "temporary failure, try again")
		default:
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to end session")
		}
		return
	}

	s.metrics.SessionsEnded.Inc()
	endedAt := time.Now().UTC().Format(time.RFC3339)
	if sess.EndedAt != nil {
		endedAt = sess.EndedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"status":     string(sess.Status),
		"ended_at":   endedAt,
	})
}

func (s *Server) handleAttendees(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.PrincipalIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing principal identity")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeSessionFetchError(w, err)
		return
	}
	if sess.OwnerID != ownerID {
		writeAPIError(w, http.StatusForbidden, "forbidden", "not the session owner")
		return
	}

	records, err := s.sessions.Attendees(r.Context(), sessionID)
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "unavailable", "temporary failure, try again")
		return
	}
	attendees := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		attendees = append(attendees, map[string]any{
			"principal_id": rec.PrincipalID,
			"consumed_at":  rec.ConsumedAt.UTC().Format(time.RFC3339Nano),
			"origin":       rec.Origin,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"attendees": attendees, "tally": len(attendees)})
}

func writeSessionFetchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, model.ErrStorageUnavailable):
		writeAPIError(w, http.StatusServiceUnavailable, "unavailable", "temporary failure, try again")
	default:
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to query session")
	}
}

func toSessionResponse(sess *model.Session, includeCredential bool) map[string]any {
	resp := map[string]any{
		"session_id":           sess.ID,
		"owner_id":             sess.OwnerID,
		"label":                sess.Label,
		"status":               string(sess.Status),
		"started_at":           sess.StartedAt.UTC().Format(time.RFC3339),
		"rotation_interval_ms": sess.RotationIntervalMS,
		"credential_window_ms": sess.CredentialWindowMS,
	}
	if includeCredential && sess.Status == model.SessionActive && sess.CredentialExpiresAt != nil {
		resp["credential"] = sess.Credential
		resp["credential_expires_at"] = sess.CredentialExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if sess.EndedAt != nil {
		resp["ended_at"] = sess.EndedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
