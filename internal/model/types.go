package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Device represents a registered client device and its verification state
type Device struct {
	ID             uuid.UUID
	DeviceID       string
	UserID         string
	DerivedKeyHash string
	IsActive       bool
	CreatedAt      time.Time
	LastUsed       *time.Time
	UsageCount     int64
	LastCounter    *int64
	DeactivatedAt  *time.Time
}

// AuditAction enumerates auditable operations
type AuditAction string

const (
	ActionRegister   AuditAction = "register"
	ActionVerify     AuditAction = "verify"
	ActionDeactivate AuditAction = "deactivate"
)

// AuditEntry is a single append-only record of an authentication-relevant action
type AuditEntry struct {
	ID             int64
	DeviceID       string
	Action         AuditAction
	Success        bool
	Timestamp      time.Time
	IPAddress      *string
	UserAgent      *string
	AdditionalData json.RawMessage
}

// Provenance carries request origin metadata into the audit trail
type Provenance struct {
	IPAddress string
	UserAgent string
}
