package jwt

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoKey        = errors.New("no verification key configured")
)

// Claims represents JWT claims carried by a live chat credential.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Type   string `json:"type"`
}

// Manager validates live chat credentials. It is keyed either by a shared
// HMAC secret (which also allows signing) or by an RSA public key.
type Manager struct {
	secret    []byte
	publicKey *rsa.PublicKey
	issuer    string
	leeway    time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithIssuer requires tokens to carry the given issuer.
func WithIssuer(issuer string) Option {
	return func(m *Manager) { m.issuer = issuer }
}

// WithLeeway tolerates clock skew when checking exp/nbf.
func WithLeeway(d time.Duration) Option {
	return func(m *Manager) { m.leeway = d }
}

// NewHMACManager creates a Manager using an HS256 shared secret.
func NewHMACManager(secret string, opts ...Option) (*Manager, error) {
	if secret == "" {
		return nil, ErrNoKey
	}
	m := &Manager{secret: []byte(secret)}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// NewRSAManager creates a verify-only Manager from a PEM encoded RSA public key.
func NewRSAManager(publicKeyPEM string, opts ...Option) (*Manager, error) {
	if publicKeyPEM == "" {
		return nil, ErrNoKey
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse rsa public key: %w", err)
	}
	m := &Manager{publicKey: key}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// GenerateToken signs an access token for userID. Only HMAC managers can sign.
func (m *Manager) GenerateToken(userID string, ttl time.Duration) (string, error) {
	if m.secret == nil {
		return "", ErrNoKey
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
		Type:   "access",
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken validates a token and returns claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	parserOpts := []jwt.ParserOption{jwt.WithLeeway(m.leeway)}
	if m.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, m.keyFunc, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}

	return claims, nil
}

func (m *Manager) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if m.secret == nil {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	case *jwt.SigningMethodRSA:
		if m.publicKey == nil {
			return nil, ErrInvalidToken
		}
		return m.publicKey, nil
	default:
		return nil, ErrInvalidToken
	}
}
