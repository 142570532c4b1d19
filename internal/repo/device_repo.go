package repo

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/otpcore/server/internal/model"
)

// uniqueViolation is the Postgres error code for unique constraint violations
const uniqueViolation = "23505"

// DeviceRepo defines the interface for device registry operations
type DeviceRepo interface {
	Create(ctx context.Context, deviceID, userID, derivedKeyHash string) (model.Device, error)
	GetByDeviceID(ctx context.Context, deviceID string) (model.Device, error)
	RecordVerification(ctx context.Context, deviceID string, matchedStep int64) error
	Deactivate(ctx context.Context, deviceID string) error
	ListByUser(ctx context.Context, userID string) ([]model.Device, error)
}

type deviceRepo struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// NewDeviceRepo creates a new DeviceRepo instance
func NewDeviceRepo(db *sql.DB, queryTimeout time.Duration) DeviceRepo {
	if queryTimeout <= 0 {
		queryTimeout = 3 * time.Second
	}
	return &deviceRepo{db: db, queryTimeout: queryTimeout}
}

const deviceColumns = `id, device_id, user_id, derived_key_hash, is_active,
       created_at, last_used, usage_count, last_counter, deactivated_at`

// Create inserts a new active device. A unique violation on device_id maps
// to ErrDuplicateDevice; deactivated devices keep their identifier, so they
// cannot be re-registered.
func (r *deviceRepo) Create(ctx context.Context, deviceID, userID, derivedKeyHash string) (model.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	query := `
		INSERT INTO devices (device_id, user_id, derived_key_hash)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	var device model.Device
	var idStr string
	err := r.db.QueryRowContext(ctx, query, deviceID, userID, derivedKeyHash).Scan(
		&idStr,
		&device.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return model.Device{}, model.ErrDuplicateDevice
		}
		return model.Device{}, storageErr("create device", err)
	}

	device.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Device{}, fmt.Errorf("parse device row ID: %w", err)
	}
	device.DeviceID = deviceID
	device.UserID = userID
	device.DerivedKeyHash = derivedKeyHash
	device.IsActive = true

	return device, nil
}

// GetByDeviceID retrieves a device by its registrant-assigned identifier
func (r *deviceRepo) GetByDeviceID(ctx context.Context, deviceID string) (model.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE device_id = $1
	`, deviceID)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, model.ErrDeviceNotFound
		}
		return model.Device{}, storageErr("query device", err)
	}
	return device, nil
}

// RecordVerification atomically consumes a moving-factor value: increments
// usage_count, advances last_used and the stored high-water mark. The guard
// makes concurrent submissions of the same step race to a single winner, and
// fails once the device has been deactivated.
func (r *deviceRepo) RecordVerification(ctx context.Context, deviceID string, matchedStep int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET usage_count = usage_count + 1,
		    last_used = now(),
		    last_counter = $2
		WHERE device_id = $1
		  AND is_active
		  AND (last_counter IS NULL OR last_counter < $2)
	`, deviceID, matchedStep)
	if err != nil {
		return storageErr("record verification", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("record verification", err)
	}
	if n > 0 {
		return nil
	}

	// Guard rejected the update; re-load to report which invariant held.
	device, loadErr := r.GetByDeviceID(ctx, deviceID)
	if loadErr != nil {
		return loadErr
	}
	if !device.IsActive {
		return model.ErrDeviceInactive
	}
	return model.ErrReplayDetected
}

// Deactivate performs the one-way Active -> Inactive transition. Calls after
// the first report ErrAlreadyInactive so callers can tell the two apart.
func (r *deviceRepo) Deactivate(ctx context.Context, deviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET is_active = FALSE, deactivated_at = now()
		WHERE device_id = $1 AND is_active
	`, deviceID)
	if err != nil {
		return storageErr("deactivate device", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("deactivate device", err)
	}
	if n > 0 {
		return nil
	}

	device, loadErr := r.GetByDeviceID(ctx, deviceID)
	if loadErr != nil {
		return loadErr
	}
	if !device.IsActive {
		return model.ErrAlreadyInactive
	}
	return storageErr("deactivate device", fmt.Errorf("active device not updated"))
}

// ListByUser returns all devices owned by a user, newest first
func (r *deviceRepo) ListByUser(ctx context.Context, userID string) ([]model.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, storageErr("list devices", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, storageErr("scan device", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list devices", err)
	}
	return devices, nil
}

// rowScanner lets scanDevice work with both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (model.Device, error) {
	var device model.Device
	var idStr string
	var lastUsed, deactivatedAt sql.NullTime
	var lastCounter sql.NullInt64

	err := row.Scan(
		&idStr,
		&device.DeviceID,
		&device.UserID,
		&device.DerivedKeyHash,
		&device.IsActive,
		&device.CreatedAt,
		&lastUsed,
		&device.UsageCount,
		&lastCounter,
		&deactivatedAt,
	)
	if err != nil {
		return model.Device{}, err
	}

	device.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Device{}, fmt.Errorf("parse device row ID: %w", err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		device.LastUsed = &t
	}
	if lastCounter.Valid {
		v := lastCounter.Int64
		device.LastCounter = &v
	}
	if deactivatedAt.Valid {
		t := deactivatedAt.Time
		device.DeactivatedAt = &t
	}
	return device, nil
}

// storageErr maps timeouts and connection loss to ErrStorageUnavailable so
// callers never mistake a transient fault for a definitive outcome.
func storageErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%s: %v: %w", op, err, model.ErrStorageUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}
