package httpapi

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/ed25519"
)

// SessionClaims is the bearer token payload (§6 "Bearer tokens"): subject
// address, whether the ledger's identity-verified flag was true at issue
// time (a hint only, per §9), the device id used at login, and expiry.
type SessionClaims struct {
	Subject    string `json:"subject"`
	Verified   bool   `json:"verified"`
	DeviceID   string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies bearer session tokens.
type TokenIssuer struct {
	signingKey    []byte
	lifetime      time.Duration
	clockSkew     time.Duration
}

// NewTokenIssuer builds a TokenIssuer over an HMAC signing key.
func NewTokenIssuer(signingKey []byte, lifetime, clockSkew time.Duration) *TokenIssuer {
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	if clockSkew <= 0 {
		clockSkew = 60 * time.Second
	}
	return &TokenIssuer{signingKey: signingKey, lifetime: lifetime, clockSkew: clockSkew}
}

// Issue mints a signed token for address, carrying the ledger's
// identity-verified flag as a hint.
func (i *TokenIssuer) Issue(address string, verified bool, deviceID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(i.lifetime)

	claims := SessionClaims{
		Subject:  address,
		Verified: verified,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("httpapi: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a bearer token, honoring the configured
// clock skew tolerance.
func (i *TokenIssuer) Verify(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parser := jwt.NewParser(jwt.WithLeeway(i.clockSkew))

	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("httpapi: verify token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("httpapi: token invalid")
	}
	return claims, nil
}

// VerifyAddressSignature checks an ed25519 signature over message, where
// address is the hex-encoded public key (§6 POST /api/auth/login). This
// runs alongside the JWT machinery: it authenticates the login request
// itself, not the session that follows.
func VerifyAddressSignature(address, message, signatureHex string) bool {
	pubKeyBytes, err := hex.DecodeString(address)
	if err != nil || len(pubKeyBytes) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKeyBytes), []byte(message), sig)
}
