package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiawesome/wes-io-live/livechat-service/pkg/jwt"
)

// Auth modes.
const (
	ModePermissive = "permissive"
	ModeJWT        = "jwt"
)

var errEmptyCredential = errors.New("empty credential")

// Verifier decides whether a credential is acceptable.
type Verifier interface {
	Verify(ctx context.Context, credential string) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, credential string) error

func (f VerifierFunc) Verify(ctx context.Context, credential string) error {
	return f(ctx, credential)
}

// PermissiveVerifier accepts any non-empty credential.
type PermissiveVerifier struct{}

func (PermissiveVerifier) Verify(_ context.Context, credential string) error {
	if credential == "" {
		return errEmptyCredential
	}
	return nil
}

// JWTVerifier validates credentials as signed JWTs.
type JWTVerifier struct {
	manager *jwt.Manager
}

func NewJWTVerifier(manager *jwt.Manager) *JWTVerifier {
	return &JWTVerifier{manager: manager}
}

func (v *JWTVerifier) Verify(_ context.Context, credential string) error {
	if _, err := v.manager.ValidateToken(credential); err != nil {
		return fmt.Errorf("jwt: %w", err)
	}
	return nil
}
