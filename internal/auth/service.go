package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/otpcore/server/internal/model"
	"github.com/otpcore/server/internal/otp"
	"github.com/otpcore/server/internal/repo"
	"github.com/sethvargo/go-retry"
)

const (
	maxIdentifierLen = 100
	loadRetries      = 2
	loadRetryDelay   = 100 * time.Millisecond
)

// ErrInvalidIdentifier reports a malformed device_id or user_id
var ErrInvalidIdentifier = errors.New("invalid identifier")

// VerifyResult is the externally observable outcome of an OTP verification
type VerifyResult string

const (
	ResultAccepted       VerifyResult = "accepted"
	ResultInvalidCode    VerifyResult = "invalid_code"
	ResultReplayDetected VerifyResult = "replay_detected"
	ResultDeviceInactive VerifyResult = "device_inactive"
	ResultDeviceNotFound VerifyResult = "device_not_found"
)

// Service orchestrates device registration, OTP verification, and
// deactivation, recording an audit entry for every attempt.
type Service struct {
	devices repo.DeviceRepo
	audit   *Recorder
	deriver *otp.KeyDeriver
	engine  *otp.Engine
	now     func() time.Time
}

// NewService creates a new Service
func NewService(devices repo.DeviceRepo, audit *Recorder, deriver *otp.KeyDeriver, engine *otp.Engine) *Service {
	return &Service{
		devices: devices,
		audit:   audit,
		deriver: deriver,
		engine:  engine,
		now:     time.Now,
	}
}

// Register creates a device and returns it together with the base64-encoded
// derived secret. The secret is returned exactly once, for out-of-band
// delivery to the device; only its hash is persisted.
func (s *Service) Register(ctx context.Context, deviceID, userID string, prov model.Provenance) (model.Device, string, error) {
	if err := validateIdentifier(deviceID); err != nil {
		s.audit.Record(ctx, deviceID, model.ActionRegister, false, prov, map[string]any{"reason": "invalid_device_id"})
		return model.Device{}, "", fmt.Errorf("device_id: %w", err)
	}
	if err := validateIdentifier(userID); err != nil {
		s.audit.Record(ctx, deviceID, model.ActionRegister, false, prov, map[string]any{"reason": "invalid_user_id"})
		return model.Device{}, "", fmt.Errorf("user_id: %w", err)
	}

	key, keyHash := s.deriver.Derive(deviceID)

	device, err := s.devices.Create(ctx, deviceID, userID, keyHash)
	if err != nil {
		s.audit.Record(ctx, deviceID, model.ActionRegister, false, prov, map[string]any{"reason": registerFailureReason(err)})
		return model.Device{}, "", err
	}

	s.audit.Record(ctx, deviceID, model.ActionRegister, true, prov, nil)

	return device, base64.StdEncoding.EncodeToString(key), nil
}

// VerifyOTP answers whether the device+code combination is valid right now.
// Every call records exactly one audit entry; invalid_code and
// replay_detected stay distinguishable in the audit trail even when the
// transport maps both to the same status.
func (s *Service) VerifyOTP(ctx context.Context, deviceID, code string, prov model.Provenance) (VerifyResult, error) {
	device, err := s.loadDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, model.ErrDeviceNotFound) {
			s.audit.Record(ctx, deviceID, model.ActionVerify, false, prov, map[string]any{"reason": "device_not_found"})
			return ResultDeviceNotFound, nil
		}
		s.audit.Record(ctx, deviceID, model.ActionVerify, false, prov, map[string]any{"reason": "storage_unavailable"})
		return "", err
	}

	if !device.IsActive {
		s.audit.Record(ctx, deviceID, model.ActionVerify, false, prov, map[string]any{"reason": "device_inactive"})
		return ResultDeviceInactive, nil
	}

	// The raw key is re-derived from the master secret and lives only for
	// the scope of this call.
	key, _ := s.deriver.Derive(deviceID)
	if !otp.HashMatches(key, device.DerivedKeyHash) {
		log.Printf("verify: derived key hash mismatch for device %s", maskDeviceID(deviceID))
		s.audit.Record(ctx, deviceID, model.ActionVerify, false, prov, map[string]any{"reason": "key_integrity_mismatch"})
		return "", fmt.Errorf("derived key integrity check failed")
	}

	now := s.now()
	ok, matchedStep, err := s.engine.Verify(key, code, now)
	if err != nil {
		s.audit.Record(ctx, deviceID, model.ActionVerify, false, prov, map[string]any{"reason": "engine_error"})
		return "", fmt.Errorf("otp verification: %w", err)
	}
	if !ok {
		s.audit.Record(ctx, deviceID, model.ActionVerify, false, prov, map[string]any{"reason": "invalid_code"})
		return ResultInvalidCode, nil
	}

	if device.LastCounter != nil && matchedStep <= *device.LastCounter {
		s.audit.Record(ctx, deviceID, model.ActionVerify, false, prov, map[string]any{"reason": "replay_detected", "step": matchedStep})
		return ResultReplayDetected, nil
	}

	// Atomic compare-and-update on the stored high-water mark; concurrent
	// submissions of the same step race to exactly one winner here. Never
	// retried: a retry after an ambiguous timeout could double-apply.
	err = s.devices.RecordVerification(ctx, deviceID, matchedStep)
	switch {
	case err == nil:
		s.audit.Record(ctx, deviceID, model.ActionVerify, true, prov, map[string]any{"step": matchedStep, "offset": matchedStep - s.engine.Step(now)})
		return ResultAccepted, nil
	case errors.Is(err, model.ErrReplayDetected):
		s.audit.Record(ctx, deviceID, model.ActionVerify, false, prov, map[string]any{"reason": "replay_detected", "step": matchedStep})
		return ResultReplayDetected, nil
	case errors.Is(err, model.ErrDeviceInactive):
		s.audit.Record(ctx, deviceID, model.ActionVerify, false, prov, map[string]any{"reason": "device_inactive"})
		return ResultDeviceInactive, nil
	case errors.Is(err, model.ErrDeviceNotFound):
		s.audit.Record(ctx, deviceID, model.ActionVerify, false, prov, map[string]any{"reason": "device_not_found"})
		return ResultDeviceNotFound, nil
	default:
		s.audit.Record(ctx, deviceID, model.ActionVerify, false, prov, map[string]any{"reason": "storage_unavailable"})
		return "", err
	}
}

// Deactivate performs the terminal Active -> Inactive transition
func (s *Service) Deactivate(ctx context.Context, deviceID string, prov model.Provenance) error {
	err := s.devices.Deactivate(ctx, deviceID)
	if err != nil {
		s.audit.Record(ctx, deviceID, model.ActionDeactivate, false, prov, map[string]any{"reason": deactivateFailureReason(err)})
		return err
	}

	s.audit.Record(ctx, deviceID, model.ActionDeactivate, true, prov, nil)
	return nil
}

// ListDevices returns all devices owned by a user
func (s *Service) ListDevices(ctx context.Context, userID string) ([]model.Device, error) {
	return s.devices.ListByUser(ctx, userID)
}

// loadDevice reads device state with a bounded retry; loads are idempotent,
// so transient storage faults may be retried (mutations never are).
func (s *Service) loadDevice(ctx context.Context, deviceID string) (model.Device, error) {
	var device model.Device
	backoff := retry.WithMaxRetries(loadRetries, retry.NewConstant(loadRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		device, err = s.devices.GetByDeviceID(ctx, deviceID)
		if errors.Is(err, model.ErrStorageUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	return device, err
}

func validateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if len(id) > maxIdentifierLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidIdentifier, maxIdentifierLen)
	}
	for _, r := range id {
		if r <= 0x20 || r == 0x7f {
			return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidIdentifier)
		}
	}
	return nil
}

func registerFailureReason(err error) string {
	switch {
	case errors.Is(err, model.ErrDuplicateDevice):
		return "duplicate_device"
	case errors.Is(err, model.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "internal_error"
	}
}

func deactivateFailureReason(err error) string {
	switch {
	case errors.Is(err, model.ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, model.ErrAlreadyInactive):
		return "already_inactive"
	case errors.Is(err, model.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "internal_error"
	}
}

// maskDeviceID masks a device identifier for logging (e.g. D1******34)
func maskDeviceID(deviceID string) string {
	if len(deviceID) <= 4 {
		return "****"
	}
	prefix := deviceID[:2]
	suffix := deviceID[len(deviceID)-2:]
	return prefix + strings.Repeat("*", len(deviceID)-4) + suffix
}
