package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/otpcore/server/internal/model"
)

// AuditRepo defines the interface for the append-only audit log. The core
// only ever inserts and reads; there is no update or delete path.
type AuditRepo interface {
	Insert(ctx context.Context, entry model.AuditEntry) error
	ListRecent(ctx context.Context, limit int) ([]model.AuditEntry, error)
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.AuditEntry, error)
}

type auditRepo struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// NewAuditRepo creates a new AuditRepo instance
func NewAuditRepo(db *sql.DB, queryTimeout time.Duration) AuditRepo {
	if queryTimeout <= 0 {
		queryTimeout = 3 * time.Second
	}
	return &auditRepo{db: db, queryTimeout: queryTimeout}
}

// Insert appends one audit entry; timestamp is assigned by the database
func (r *auditRepo) Insert(ctx context.Context, entry model.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	var data any
	if len(entry.AdditionalData) > 0 {
		data = []byte(entry.AdditionalData)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (device_id, action, success, ip_address, user_agent, additional_data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.DeviceID, string(entry.Action), entry.Success, entry.IPAddress, entry.UserAgent, data)
	if err != nil {
		return storageErr("insert audit entry", err)
	}
	return nil
}

// ListRecent returns the newest entries across all devices
func (r *auditRepo) ListRecent(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	return r.list(ctx, `
		SELECT id, device_id, action, success, timestamp, ip_address, user_agent, additional_data
		FROM audit_logs
		ORDER BY id DESC
		LIMIT $1
	`, limit)
}

// ListByDevice returns the newest entries for one device
func (r *auditRepo) ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.AuditEntry, error) {
	return r.list(ctx, `
		SELECT id, device_id, action, success, timestamp, ip_address, user_agent, additional_data
		FROM audit_logs
		WHERE device_id = $2
		ORDER BY id DESC
		LIMIT $1
	`, limit, deviceID)
}

func (r *auditRepo) list(ctx context.Context, query string, limit int, args ...any) ([]model.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, append([]any{limit}, args...)...)
	if err != nil {
		return nil, storageErr("query audit log", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var entry model.AuditEntry
		var action string
		var ip, ua sql.NullString
		var data []byte
		if err := rows.Scan(
			&entry.ID,
			&entry.DeviceID,
			&action,
			&entry.Success,
			&entry.Timestamp,
			&ip,
			&ua,
			&data,
		); err != nil {
			return nil, storageErr("scan audit entry", err)
		}
		entry.Action = model.AuditAction(action)
		if ip.Valid {
			s := ip.String
			entry.IPAddress = &s
		}
		if ua.Valid {
			s := ua.String
			entry.UserAgent = &s
		}
		if len(data) > 0 {
			entry.AdditionalData = json.RawMessage(data)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query audit log", err)
	}
	return entries, nil
}
