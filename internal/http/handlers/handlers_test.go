package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otpcore/server/internal/auth"
	"github.com/otpcore/server/internal/middleware"
	"github.com/otpcore/server/internal/model"
	"github.com/otpcore/server/internal/otp"
)

// fakeService scripts the core's responses and captures what the handlers
// pass down.
type fakeService struct {
	registerErr   error
	verifyResult  auth.VerifyResult
	verifyErr     error
	deactivateErr error
	devices       []model.Device

	lastDeviceID string
	lastUserID   string
	lastCode     string
	lastProv     model.Provenance
}

func (f *fakeService) Register(_ context.Context, deviceID, userID string, prov model.Provenance) (model.Device, string, error) {
	f.lastDeviceID = deviceID
	f.lastUserID = userID
	f.lastProv = prov
	if f.registerErr != nil {
		return model.Device{}, "", f.registerErr
	}
	return model.Device{DeviceID: deviceID, UserID: userID, IsActive: true, CreatedAt: time.Now()}, "c2VjcmV0", nil
}

func (f *fakeService) VerifyOTP(_ context.Context, deviceID, code string, _ model.Provenance) (auth.VerifyResult, error) {
	f.lastDeviceID = deviceID
	f.lastCode = code
	return f.verifyResult, f.verifyErr
}

func (f *fakeService) Deactivate(_ context.Context, deviceID string, _ model.Provenance) error {
	f.lastDeviceID = deviceID
	return f.deactivateErr
}

func (f *fakeService) ListDevices(_ context.Context, userID string) ([]model.Device, error) {
	f.lastUserID = userID
	return f.devices, nil
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestDeviceHandler_Register(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"created", nil, http.StatusCreated},
		{"duplicate", model.ErrDuplicateDevice, http.StatusConflict},
		{"invalid identifier", auth.ErrInvalidIdentifier, http.StatusBadRequest},
		{"storage unavailable", model.ErrStorageUnavailable, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{registerErr: tc.err}
			h := NewDeviceHandler(svc, nil, false)

			rec := postJSON(t, http.HandlerFunc(h.HandleRegister), "/api/v1/devices/register",
				map[string]string{"device_id": "D1", "user_id": "u1"})

			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.err == nil {
				var resp struct {
					DeviceID string `json:"device_id"`
					Secret   string `json:"secret"`
				}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, "D1", resp.DeviceID)
				assert.NotEmpty(t, resp.Secret)
			}
		})
	}
}

func TestDeviceHandler_RegisterProvenance(t *testing.T) {
	svc := &fakeService{}
	h := NewDeviceHandler(svc, nil, false)

	payload, err := json.Marshal(map[string]string{"device_id": "D1", "user_id": "u1"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/register", bytes.NewReader(payload))
	req.RemoteAddr = "203.0.113.9:51234"
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	h.HandleRegister(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "203.0.113.9:51234", svc.lastProv.IPAddress)
	assert.Equal(t, "test-agent", svc.lastProv.UserAgent)
}

func TestDeviceHandler_RegisterBadRequest(t *testing.T) {
	h := NewDeviceHandler(&fakeService{}, nil, false)

	rec := postJSON(t, http.HandlerFunc(h.HandleRegister), "/api/v1/devices/register",
		map[string]string{"device_id": "", "user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/register", bytes.NewReader([]byte("{not json")))
	rec = httptest.NewRecorder()
	h.HandleRegister(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeviceHandler_RegisterDevMode(t *testing.T) {
	svc := &fakeService{}
	// Long step keeps the expected code stable across the test run
	engine := otp.NewEngine(3600, 1, 6)
	h := NewDeviceHandler(svc, engine, true)

	rec := postJSON(t, http.HandlerFunc(h.HandleRegister), "/api/v1/devices/register",
		map[string]string{"device_id": "D1", "user_id": "u1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Secret string `json:"secret"`
		DevOTP string `json:"dev_otp"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.DevOTP, 6)

	// dev_otp must be the code the returned secret produces right now
	key, err := base64.StdEncoding.DecodeString(resp.Secret)
	require.NoError(t, err)
	expected, err := engine.ExpectedAt(key, time.Now())
	require.NoError(t, err)
	assert.Equal(t, expected, resp.DevOTP)

	// Off by default
	h = NewDeviceHandler(svc, engine, false)
	rec = postJSON(t, http.HandlerFunc(h.HandleRegister), "/api/v1/devices/register",
		map[string]string{"device_id": "D1", "user_id": "u1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp.Secret, resp.DevOTP = "", ""
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.DevOTP)
}

func TestOTPHandler_StatusMapping(t *testing.T) {
	cases := []struct {
		result     auth.VerifyResult
		wantStatus int
	}{
		{auth.ResultAccepted, http.StatusOK},
		{auth.ResultInvalidCode, http.StatusUnauthorized},
		{auth.ResultReplayDetected, http.StatusUnauthorized},
		{auth.ResultDeviceInactive, http.StatusForbidden},
		{auth.ResultDeviceNotFound, http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(string(tc.result), func(t *testing.T) {
			svc := &fakeService{verifyResult: tc.result}
			h := NewOTPHandler(svc, 6, nil)

			rec := postJSON(t, http.HandlerFunc(h.HandleVerify), "/api/v1/otp/verify",
				map[string]any{"device_id": "D1", "otp": "123456"})

			assert.Equal(t, tc.wantStatus, rec.Code)

			var resp struct {
				Result string `json:"result"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, string(tc.result), resp.Result)
		})
	}
}

func TestOTPHandler_NumericCodeKeepsLeadingZeros(t *testing.T) {
	svc := &fakeService{verifyResult: auth.ResultAccepted}
	h := NewOTPHandler(svc, 6, nil)

	// 1234 as a JSON number lost its leading zeros on the client side
	rec := postJSON(t, http.HandlerFunc(h.HandleVerify), "/api/v1/otp/verify",
		map[string]any{"device_id": "D1", "otp": 1234})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "001234", svc.lastCode)
}

func TestOTPHandler_StringCodePassedThrough(t *testing.T) {
	svc := &fakeService{verifyResult: auth.ResultAccepted}
	h := NewOTPHandler(svc, 6, nil)

	rec := postJSON(t, http.HandlerFunc(h.HandleVerify), "/api/v1/otp/verify",
		map[string]any{"device_id": "D1", "otp": "987654"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "987654", svc.lastCode)

	// A string code starting with a zero is not a JSON number literal; it
	// must still decode and reach the core unchanged.
	rec = postJSON(t, http.HandlerFunc(h.HandleVerify), "/api/v1/otp/verify",
		map[string]any{"device_id": "D1", "otp": "012345"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "012345", svc.lastCode)
}

func TestOTPHandler_RejectsNonScalarCode(t *testing.T) {
	svc := &fakeService{verifyResult: auth.ResultAccepted}
	h := NewOTPHandler(svc, 6, nil)

	rec := postJSON(t, http.HandlerFunc(h.HandleVerify), "/api/v1/otp/verify",
		map[string]any{"device_id": "D1", "otp": true})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.lastCode)
}

func TestOTPHandler_StorageUnavailable(t *testing.T) {
	svc := &fakeService{verifyErr: model.ErrStorageUnavailable}
	h := NewOTPHandler(svc, 6, nil)

	rec := postJSON(t, http.HandlerFunc(h.HandleVerify), "/api/v1/otp/verify",
		map[string]any{"device_id": "D1", "otp": "123456"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOTPHandler_PerDeviceLimit(t *testing.T) {
	svc := &fakeService{verifyResult: auth.ResultInvalidCode}
	limiter := middleware.NewRateLimiter(time.Minute, 2)
	h := NewOTPHandler(svc, 6, limiter)

	body := map[string]any{"device_id": "D1", "otp": "123456"}
	for i := 0; i < 2; i++ {
		rec := postJSON(t, http.HandlerFunc(h.HandleVerify), "/api/v1/otp/verify", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := postJSON(t, http.HandlerFunc(h.HandleVerify), "/api/v1/otp/verify", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other devices are not affected
	rec = postJSON(t, http.HandlerFunc(h.HandleVerify), "/api/v1/otp/verify",
		map[string]any{"device_id": "D2", "otp": "123456"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceHandler_Deactivate(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"deactivated", nil, http.StatusOK},
		{"not found", model.ErrDeviceNotFound, http.StatusNotFound},
		{"already inactive", model.ErrAlreadyInactive, http.StatusConflict},
		{"storage unavailable", model.ErrStorageUnavailable, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{deactivateErr: tc.err}
			h := NewDeviceHandler(svc, nil, false)

			// Route through chi so the URL parameter resolves
			r := chi.NewRouter()
			r.Post("/api/v1/devices/{device_id}/deactivate", h.HandleDeactivate)

			rec := postJSON(t, r, "/api/v1/devices/D1/deactivate", nil)
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, "D1", svc.lastDeviceID)
		})
	}
}

func TestDeviceHandler_List(t *testing.T) {
	svc := &fakeService{devices: []model.Device{
		{DeviceID: "D1", UserID: "u1", IsActive: true, UsageCount: 3},
		{DeviceID: "D2", UserID: "u1", IsActive: false},
	}}
	h := NewDeviceHandler(svc, nil, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices?user_id=u1", nil)
	rec := httptest.NewRecorder()
	h.HandleList(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", svc.lastUserID)

	var resp struct {
		Devices []deviceResponse `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Devices, 2)
	assert.Equal(t, int64(3), resp.Devices[0].UsageCount)

	// user_id is required
	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	rec = httptest.NewRecorder()
	h.HandleList(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
