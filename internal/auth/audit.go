package auth

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/otpcore/server/internal/model"
	"github.com/otpcore/server/internal/repo"
)

const auditWriteTimeout = 2 * time.Second

// Recorder writes audit entries best-effort: a failed audit write is logged
// but never changes the outcome of the operation it documents. Every
// register/verify/deactivate attempt gets exactly one Record call, whether
// the operation itself succeeded or not.
type Recorder struct {
	auditRepo repo.AuditRepo
}

// NewRecorder creates a new audit Recorder
func NewRecorder(auditRepo repo.AuditRepo) *Recorder {
	return &Recorder{auditRepo: auditRepo}
}

// Record appends one audit entry for the given action and outcome. details,
// when non-nil, is stored as the entry's additional_data JSON.
func (r *Recorder) Record(ctx context.Context, deviceID string, action model.AuditAction, success bool, prov model.Provenance, details map[string]any) {
	entry := model.AuditEntry{
		DeviceID: deviceID,
		Action:   action,
		Success:  success,
	}
	if prov.IPAddress != "" {
		ip := prov.IPAddress
		entry.IPAddress = &ip
	}
	if prov.UserAgent != "" {
		ua := prov.UserAgent
		entry.UserAgent = &ua
	}
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			log.Printf("audit: failed to marshal details for %s/%s: %v", action, maskDeviceID(deviceID), err)
		} else {
			entry.AdditionalData = data
		}
	}

	// Detach from the request context so a cancelled or timed-out request
	// still gets its audit attempt.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := r.auditRepo.Insert(writeCtx, entry); err != nil {
		log.Printf("audit: failed to record %s success=%t for device %s: %v", action, success, maskDeviceID(deviceID), err)
	}
}
