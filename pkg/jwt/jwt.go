// Package jwt implements HS256 JSON Web Tokens for bearer authentication,
// plus middleware that validates tokens and injects claims into the
// request context.
package jwt

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrMissingSigningKey = errors.New("jwt: signing key is required")
	ErrInvalidToken      = errors.New("jwt: invalid token")
	ErrExpiredToken      = errors.New("jwt: token expired")
)

// header is fixed: this service only issues and accepts HS256.
type header struct {
	Type      string `json:"typ"`
	Algorithm string `json:"alg"`
}

// StandardClaims are the registered claims from RFC 7519 used here.
type StandardClaims struct {
	Subject   string `json:"sub,omitempty"`
	Role      string `json:"role,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// Valid checks the temporal claims. Zero values are treated as unset.
func (c StandardClaims) Valid() error {
	if c.ExpiresAt > 0 && time.Now().Unix() > c.ExpiresAt {
		return ErrExpiredToken
	}
	return nil
}

// Service signs and verifies tokens with a single HMAC-SHA256 key.
type Service struct {
	signingKey []byte
}

// New creates a JWT service. The key should be at least 32 bytes.
func New(signingKey []byte) (*Service, error) {
	if len(signingKey) == 0 {
		return nil, ErrMissingSigningKey
	}
	return &Service{signingKey: signingKey}, nil
}

// Generate signs the given claims and returns the compact token.
func (s *Service) Generate(claims any) (string, error) {
	headerJSON, err := json.Marshal(header{Type: "JWT", Algorithm: "HS256"})
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(claimsJSON)
	return signingInput + "." + enc.EncodeToString(s.sign(signingInput)), nil
}

// Parse verifies the token signature and unmarshals the claims into dst.
// When dst implements Valid() error, temporal validation runs after
// signature verification.
func (s *Service) Parse(token string, dst any) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ErrInvalidToken
	}

	enc := base64.RawURLEncoding
	headerJSON, err := enc.DecodeString(parts[0])
	if err != nil {
		return ErrInvalidToken
	}
	var h header
	if err := json.Unmarshal(headerJSON, &h); err != nil || h.Algorithm != "HS256" {
		return ErrInvalidToken
	}

	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return ErrInvalidToken
	}
	expected := s.sign(parts[0] + "." + parts[1])
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return ErrInvalidToken
	}

	claimsJSON, err := enc.DecodeString(parts[1])
	if err != nil {
		return ErrInvalidToken
	}
	if err := json.Unmarshal(claimsJSON, dst); err != nil {
		return ErrInvalidToken
	}

	if v, ok := dst.(interface{ Valid() error }); ok {
		return v.Valid()
	}
	return nil
}

func (s *Service) sign(input string) []byte {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}
