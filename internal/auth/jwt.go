package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const serviceTokenExpiry = 24 * time.Hour

// ServiceClaims are the claims carried by an internal service token
type ServiceClaims struct {
	Caller string `json:"caller"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies HS256 service tokens. These are an
// alternative bearer credential to the static API key, useful for issuing
// expiring credentials to internal callers.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a new TokenService
func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// SignServiceToken creates a service token for the named caller (24h expiry)
func (s *TokenService) SignServiceToken(caller string) (string, error) {
	now := time.Now()
	claims := &ServiceClaims{
		Caller: caller,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(serviceTokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}

	return tokenString, nil
}

// VerifyServiceToken verifies and parses a service token
func (s *TokenService) VerifyServiceToken(tokenString string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse service token: %w", err)
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid service token")
	}

	return claims, nil
}
