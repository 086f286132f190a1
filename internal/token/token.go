// Package token issues and validates the short-lived credentials handed
// out after a successful face verification.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Natsummerance/facegate/internal/domain"
)

// DefaultTTL is the default credential lifetime.
const DefaultTTL = 15 * time.Minute

const issuerName = "facegate"

// ErrInvalidToken is returned for tokens that fail signature or claim
// validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT payload for a face-login credential.
type Claims struct {
	FaceID     string  `json:"face_id,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs time-bounded credentials for resolved identities.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer with the given HMAC secret. A
// non-positive ttl falls back to DefaultTTL.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: empty signing secret")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue signs a credential for id. Issuance is conditioned strictly on
// a positive match; callers must never pass an unresolved identity.
func (i *Issuer) Issue(id domain.ResolvedIdentity) (string, error) {
	if id.Username == "" {
		return "", errors.New("token: refusing to issue for empty identity")
	}

	now := i.now()
	claims := Claims{
		FaceID:     id.FaceID,
		Confidence: id.Confidence,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   id.Username,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign credential: %w", err)
	}
	return signed, nil
}

// Verify validates a credential and returns its claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuerName), jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
