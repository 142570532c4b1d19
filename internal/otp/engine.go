package otp

import (
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	otplib "github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Engine computes and verifies time-based one-time codes for a derived key.
//
// Codes follow RFC 6238: HMAC-SHA1 over the big-endian time step with dynamic
// truncation. Verification tolerates a bounded number of adjacent steps and
// reports which step matched so the caller can enforce single use.
type Engine struct {
	interval int64
	window   int
	digits   otplib.Digits
}

// NewEngine creates an Engine. interval is the step size in seconds, window
// the number of adjacent steps tolerated either side, digits 6 or 8.
func NewEngine(interval, window, digits int) *Engine {
	d := otplib.DigitsSix
	if digits == 8 {
		d = otplib.DigitsEight
	}
	if interval <= 0 {
		interval = 30
	}
	return &Engine{
		interval: int64(interval),
		window:   window,
		digits:   d,
	}
}

// Step returns the moving-factor value for the given time
func (e *Engine) Step(t time.Time) int64 {
	return t.Unix() / e.interval
}

// CodeAtStep computes the expected code for a key at a specific time step
func (e *Engine) CodeAtStep(key []byte, step int64) (string, error) {
	code, err := totp.GenerateCodeCustom(encodeKey(key), time.Unix(step*e.interval, 0).UTC(), totp.ValidateOpts{
		Period:    uint(e.interval),
		Skew:      0,
		Digits:    e.digits,
		Algorithm: otplib.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return code, nil
}

// ExpectedAt computes the expected code for a key at the given time
func (e *Engine) ExpectedAt(key []byte, t time.Time) (string, error) {
	return e.CodeAtStep(key, e.Step(t))
}

// Verify checks a submitted code against the tolerated window around now.
// It returns whether any step matched and, if so, which one.
func (e *Engine) Verify(key []byte, code string, now time.Time) (bool, int64, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != e.digits.Length() || !isNumeric(trimmed) {
		return false, 0, nil
	}
	if len(key) == 0 {
		return false, 0, fmt.Errorf("empty key")
	}

	base := e.Step(now)
	for offset := -e.window; offset <= e.window; offset++ {
		step := base + int64(offset)
		if step < 0 {
			continue
		}
		expected, err := e.CodeAtStep(key, step)
		if err != nil {
			return false, 0, err
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(trimmed)) == 1 {
			return true, step, nil
		}
	}

	return false, 0, nil
}

// encodeKey renders raw key bytes as the base32 secret the TOTP library expects
func encodeKey(key []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(key)
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
