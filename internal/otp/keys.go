package otp

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// KeyDeriver turns a device identifier into the device's OTP key material.
//
// The derived key is HMAC-SHA256(master_secret, device_id), so it can be
// recomputed from the master secret at verification time. Only its hash is
// ever persisted; the raw key leaves the process exactly once, in the
// registration response.
type KeyDeriver struct {
	masterSecret []byte
}

// NewKeyDeriver creates a KeyDeriver from the process master secret
func NewKeyDeriver(masterSecret string) *KeyDeriver {
	return &KeyDeriver{masterSecret: []byte(masterSecret)}
}

// Derive returns the device's derived key and the hex hash stored for it
func (d *KeyDeriver) Derive(deviceID string) (key []byte, keyHash string) {
	mac := hmac.New(sha256.New, d.masterSecret)
	mac.Write([]byte(deviceID))
	key = mac.Sum(nil)
	return key, Hash(key)
}

// Hash returns the hex-encoded SHA-256 of the derived key (64 hex chars)
func Hash(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// HashMatches compares a derived key against a stored hash in constant time
func HashMatches(key []byte, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(Hash(key)), []byte(storedHash)) == 1
}
