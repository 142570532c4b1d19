package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otpcore/server/internal/auth"
)

const testAPIKey = "test-api-key-0123456789abcdef"

func runBearerAuth(t *testing.T, tokens *auth.TokenService, authorization string) (*httptest.ResponseRecorder, bool) {
	t.Helper()

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/otp/verify", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()

	BearerAuth(testAPIKey, tokens)(next).ServeHTTP(rec, req)
	return rec, called
}

func TestBearerAuth_APIKey(t *testing.T) {
	rec, called := runBearerAuth(t, nil, "Bearer "+testAPIKey)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerAuth_Rejections(t *testing.T) {
	cases := []struct {
		name          string
		authorization string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic " + testAPIKey},
		{"no credential", "Bearer "},
		{"wrong key", "Bearer wrong-key"},
		{"key as raw header", testAPIKey},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, called := runBearerAuth(t, nil, tc.authorization)
			assert.False(t, called, "handler must not be reached")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestBearerAuth_ServiceToken(t *testing.T) {
	tokens := auth.NewTokenService("test-jwt-secret-at-least-32-characters-long")
	token, err := tokens.SignServiceToken("test-caller")
	require.NoError(t, err)

	rec, called := runBearerAuth(t, tokens, "Bearer "+token)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A token signed with another secret is rejected
	other := auth.NewTokenService("a-completely-different-secret-of-enough-len")
	badToken, err := other.SignServiceToken("test-caller")
	require.NoError(t, err)

	rec, called = runBearerAuth(t, tokens, "Bearer "+badToken)
	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerAuth_TokenWithoutTokenService(t *testing.T) {
	tokens := auth.NewTokenService("test-jwt-secret-at-least-32-characters-long")
	token, err := tokens.SignServiceToken("test-caller")
	require.NoError(t, err)

	// No token service configured: only the static key is accepted
	rec, called := runBearerAuth(t, nil, "Bearer "+token)
	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
