package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL applies when neither the caller nor the configuration picks a lifetime.
const DefaultTokenTTL = 30 * time.Minute

// ErrInvalidToken covers bad signatures, malformed payloads, missing subjects and expiry.
var ErrInvalidToken = errors.New("invalid authentication credentials")

// Token is a signed access token and the instant it stops being accepted.
//
// Tokens cannot be revoked before ExpiresAt: verification only needs the
// signing secret and never consults the store.
type Token struct {
	Value     string
	ExpiresAt time.Time
	ID        string
}

// Claims are the verified contents of a token.
type Claims struct {
	Subject   string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenManager issues and verifies HMAC-signed JWTs.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	method *jwt.SigningMethodHMAC
	now    func() time.Time
}

// NewTokenManager creates a manager with the provided secret, issuer, default lifetime and HMAC algorithm.
func NewTokenManager(secret, issuer string, ttl time.Duration, algorithm string) (*TokenManager, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	method, ok := jwt.GetSigningMethod(strings.ToUpper(algorithm)).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		method: method,
		now:    time.Now,
	}, nil
}

// Issue signs a token for subject. A non-positive ttl means the manager default.
func (t *TokenManager) Issue(subject string, ttl time.Duration) (Token, error) {
	if subject == "" {
		return Token{}, errors.New("token subject is required")
	}
	if ttl <= 0 {
		ttl = t.ttl
	}
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    t.issuer,
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(t.method, claims).SignedString(t.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: claims.ExpiresAt.Time.UTC(), ID: claims.ID}, nil
}

// Verify checks signature, algorithm, issuer and expiry, and returns the claims.
// Every failure wraps ErrInvalidToken.
func (t *TokenManager) Verify(value string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	registered := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(value, registered, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if registered.Subject == "" {
		return Claims{}, fmt.Errorf("%w: subject claim missing", ErrInvalidToken)
	}

	claims := Claims{
		Subject:   registered.Subject,
		ID:        registered.ID,
		ExpiresAt: registered.ExpiresAt.Time.UTC(),
	}
	if registered.IssuedAt != nil {
		claims.IssuedAt = registered.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// Refresh verifies an unexpired token and issues a new one for the same subject.
func (t *TokenManager) Refresh(value string) (Token, error) {
	claims, err := t.Verify(value)
	if err != nil {
		return Token{}, err
	}
	return t.Issue(claims.Subject, t.ttl)
}
