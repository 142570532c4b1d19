package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/otpcore/server/internal/model"
	"github.com/otpcore/server/internal/repo"
)

const defaultAuditLimit = 100

// AuditHandler exposes read-only forensic queries over the audit trail
type AuditHandler struct {
	auditRepo repo.AuditRepo
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(auditRepo repo.AuditRepo) *AuditHandler {
	return &AuditHandler{auditRepo: auditRepo}
}

// auditEntryResponse is the audit entry object in API responses
type auditEntryResponse struct {
	ID             int64           `json:"id"`
	DeviceID       string          `json:"device_id"`
	Action         string          `json:"action"`
	Success        bool            `json:"success"`
	Timestamp      time.Time       `json:"timestamp"`
	IPAddress      *string         `json:"ip_address,omitempty"`
	UserAgent      *string         `json:"user_agent,omitempty"`
	AdditionalData json.RawMessage `json:"additional_data,omitempty"`
}

// HandleList handles GET /api/v1/audit?device_id=&limit=
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}

	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))

	var entries []model.AuditEntry
	var err error
	if deviceID != "" {
		entries, err = h.auditRepo.ListByDevice(r.Context(), deviceID, limit)
	} else {
		entries, err = h.auditRepo.ListRecent(r.Context(), limit)
	}
	if err != nil {
		if errors.Is(err, model.ErrStorageUnavailable) {
			respondWithError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
		log.Printf("audit listing failed: %v", err)
		respondWithError(w, http.StatusInternalServerError, "audit listing failed")
		return
	}

	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			ID:             e.ID,
			DeviceID:       e.DeviceID,
			Action:         string(e.Action),
			Success:        e.Success,
			Timestamp:      e.Timestamp,
			IPAddress:      e.IPAddress,
			UserAgent:      e.UserAgent,
			AdditionalData: e.AdditionalData,
		})
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"entries": out})
}
