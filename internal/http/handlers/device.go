package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/otpcore/server/internal/auth"
	"github.com/otpcore/server/internal/model"
	"github.com/otpcore/server/internal/otp"
)

// DeviceService is the part of the core the HTTP layer drives
type DeviceService interface {
	Register(ctx context.Context, deviceID, userID string, prov model.Provenance) (model.Device, string, error)
	VerifyOTP(ctx context.Context, deviceID, code string, prov model.Provenance) (auth.VerifyResult, error)
	Deactivate(ctx context.Context, deviceID string, prov model.Provenance) error
	ListDevices(ctx context.Context, userID string) ([]model.Device, error)
}

// DeviceHandler handles device registration and lifecycle endpoints
type DeviceHandler struct {
	service DeviceService
	engine  *otp.Engine
	devMode bool
}

// NewDeviceHandler creates a new device handler. With devMode on, the
// registration response also carries the currently expected code so local
// smoke tests do not need a real authenticator.
func NewDeviceHandler(service DeviceService, engine *otp.Engine, devMode bool) *DeviceHandler {
	return &DeviceHandler{service: service, engine: engine, devMode: devMode}
}

// registerRequest is the request body for POST /api/v1/devices/register
type registerRequest struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
}

// registerResponse is the JSON response for a successful registration. Secret
// is the device's derived key; it is returned here exactly once. DevOTP is
// only populated in dev mode.
type registerResponse struct {
	DeviceID string `json:"device_id"`
	Secret   string `json:"secret"`
	DevOTP   string `json:"dev_otp,omitempty"`
}

// deviceResponse is the device object in API responses
type deviceResponse struct {
	DeviceID      string     `json:"device_id"`
	UserID        string     `json:"user_id"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	UsageCount    int64      `json:"usage_count"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// HandleRegister handles POST /api/v1/devices/register
func (h *DeviceHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.DeviceID == "" || req.UserID == "" {
		respondWithError(w, http.StatusBadRequest, "device_id and user_id are required")
		return
	}

	device, secret, err := h.service.Register(r.Context(), req.DeviceID, req.UserID, provenance(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidIdentifier):
			respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, model.ErrDuplicateDevice):
			respondWithError(w, http.StatusConflict, "device already registered")
		case errors.Is(err, model.ErrStorageUnavailable):
			respondWithError(w, http.StatusServiceUnavailable, "storage unavailable")
		default:
			log.Printf("register failed for device %s: %v", req.DeviceID, err)
			respondWithError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	resp := registerResponse{
		DeviceID: device.DeviceID,
		Secret:   secret,
	}
	if h.devMode && h.engine != nil {
		resp.DevOTP = h.currentCode(secret)
	}

	respondWithJSON(w, http.StatusCreated, resp)
}

// currentCode computes the code a registered device would submit right now.
// Dev mode only; failures just leave dev_otp out of the response.
func (h *DeviceHandler) currentCode(secret string) string {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return ""
	}
	code, err := h.engine.ExpectedAt(key, time.Now())
	if err != nil {
		return ""
	}
	return code
}

// HandleDeactivate handles POST /api/v1/devices/{device_id}/deactivate
func (h *DeviceHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	if deviceID == "" {
		respondWithError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	err := h.service.Deactivate(r.Context(), deviceID, provenance(r))
	if err != nil {
		switch {
		case errors.Is(err, model.ErrDeviceNotFound):
			respondWithError(w, http.StatusNotFound, "device not found")
		case errors.Is(err, model.ErrAlreadyInactive):
			respondWithError(w, http.StatusConflict, "device already inactive")
		case errors.Is(err, model.ErrStorageUnavailable):
			respondWithError(w, http.StatusServiceUnavailable, "storage unavailable")
		default:
			log.Printf("deactivate failed for device %s: %v", deviceID, err)
			respondWithError(w, http.StatusInternalServerError, "deactivation failed")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"message": "device deactivated"})
}

// HandleList handles GET /api/v1/devices?user_id=
func (h *DeviceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondWithError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	devices, err := h.service.ListDevices(r.Context(), userID)
	if err != nil {
		if errors.Is(err, model.ErrStorageUnavailable) {
			respondWithError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
		log.Printf("list devices failed for user %s: %v", userID, err)
		respondWithError(w, http.StatusInternalServerError, "listing failed")
		return
	}

	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse{
			DeviceID:      d.DeviceID,
			UserID:        d.UserID,
			IsActive:      d.IsActive,
			CreatedAt:     d.CreatedAt,
			LastUsed:      d.LastUsed,
			UsageCount:    d.UsageCount,
			DeactivatedAt: d.DeactivatedAt,
		})
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"devices": out})
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{"error": message})
}

// respondWithJSON sends a JSON response with the given status code
func respondWithJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// provenance extracts request origin metadata for the audit trail. The
// router's RealIP middleware has already resolved forwarded addresses into
// RemoteAddr.
func provenance(r *http.Request) model.Provenance {
	return model.Provenance{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}
