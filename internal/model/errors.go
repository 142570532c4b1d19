package model

import "errors"

// Error taxonomy for device and OTP operations. Callers and the audit trail
// depend on these staying distinct, so they are never collapsed into a
// generic failure.
var (
	ErrDuplicateDevice    = errors.New("device already registered")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceInactive     = errors.New("device inactive")
	ErrInvalidCode        = errors.New("invalid code")
	ErrReplayDetected     = errors.New("replay detected")
	ErrAlreadyInactive    = errors.New("device already inactive")
	ErrStorageUnavailable = errors.New("storage unavailable")
)
