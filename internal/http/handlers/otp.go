package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/otpcore/server/internal/auth"
	"github.com/otpcore/server/internal/middleware"
	"github.com/otpcore/server/internal/model"
)

// OTPHandler handles OTP verification
type OTPHandler struct {
	service DeviceService
	digits  int
	limiter middleware.Limiter
}

// NewOTPHandler creates a new OTP handler. digits is the configured code
// length, used to restore leading zeros on numerically encoded codes. The
// limiter throttles per device on top of the router's per-IP limit; nil
// disables it.
func NewOTPHandler(service DeviceService, digits int, limiter middleware.Limiter) *OTPHandler {
	return &OTPHandler{service: service, digits: digits, limiter: limiter}
}

// verifyRequest is the request body for POST /api/v1/otp/verify. The otp
// field accepts both a JSON string and a JSON number.
type verifyRequest struct {
	DeviceID string  `json:"device_id"`
	OTP      otpCode `json:"otp"`
}

// otpCode accepts the two encodings clients use for codes: a string, which
// keeps leading zeros, and a bare number, which loses them. A string like
// "012345" is not a JSON number literal, so decoding through json.Number
// alone would reject it.
type otpCode string

func (c *otpCode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = otpCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("otp must be a string or a number")
	}
	*c = otpCode(n.String())
	return nil
}

// verifyResponse is the JSON response for verify; result is the stable
// machine-readable outcome tag.
type verifyResponse struct {
	Result string `json:"result"`
}

// HandleVerify handles POST /api/v1/otp/verify
func (h *OTPHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.DeviceID = strings.TrimSpace(req.DeviceID)
	code := h.normalizeCode(string(req.OTP))
	if req.DeviceID == "" || code == "" {
		respondWithError(w, http.StatusBadRequest, "device_id and otp are required")
		return
	}

	// Per-device throttle: a single device hammering codes gets cut off
	// even when requests arrive from many addresses.
	if h.limiter != nil && !h.limiter.Allow(r.Context(), middleware.GetDeviceKey(req.DeviceID)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	result, err := h.service.VerifyOTP(r.Context(), req.DeviceID, code, provenance(r))
	if err != nil {
		if errors.Is(err, model.ErrStorageUnavailable) {
			respondWithError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
		log.Printf("verify failed for device %s: %v", req.DeviceID, err)
		respondWithError(w, http.StatusInternalServerError, "verification failed")
		return
	}

	respondWithJSON(w, statusForResult(result), verifyResponse{Result: string(result)})
}

// normalizeCode restores leading zeros lost when a client submits the code
// as a JSON number instead of a string.
func (h *OTPHandler) normalizeCode(raw string) string {
	code := strings.TrimSpace(raw)
	if code == "" {
		return ""
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return code
		}
	}
	for len(code) < h.digits {
		code = "0" + code
	}
	return code
}

// statusForResult maps each verification outcome to its stable status code.
// Invalid codes and replays share 401 on the wire but stay distinguishable
// through the result tag and the audit trail.
func statusForResult(result auth.VerifyResult) int {
	switch result {
	case auth.ResultAccepted:
		return http.StatusOK
	case auth.ResultInvalidCode, auth.ResultReplayDetected:
		return http.StatusUnauthorized
	case auth.ResultDeviceInactive:
		return http.StatusForbidden
	case auth.ResultDeviceNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
