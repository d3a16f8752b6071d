package model

import "errors"

var (
	ErrNotFound           = errors.New("session not found")
	ErrSessionInactive    = errors.New("session not active")
	ErrSessionEnded       = errors.New("session already ended")
	ErrOwnerBusy          = errors.New("owner already has an active session")
	ErrAlreadyCheckedIn   = errors.New("principal already checked in")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrEntropyUnavailable = errors.New("entropy source unavailable")
)
