package gate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-live/livechat-service/internal/audit"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// TokenHeader is the CONNECT frame header and query parameter that carries
// the credential.
const TokenHeader = "access_token"

// Attempt is one handshake: the CONNECT frame credential plus whatever the
// WebSocket upgrade request carried.
type Attempt struct {
	ConnectToken  string
	QueryToken    string
	Authorization string
}

// AttemptFromRequest captures the upgrade-time credential sources of r.
func AttemptFromRequest(r *http.Request) Attempt {
	return Attempt{
		QueryToken:    r.URL.Query().Get(TokenHeader),
		Authorization: r.Header.Get("Authorization"),
	}
}

// Credential returns the first non-empty credential in lookup order: CONNECT
// header, upgrade query parameter, then bearer Authorization header.
func (a Attempt) Credential() string {
	if tok := strings.TrimSpace(a.ConnectToken); tok != "" {
		return tok
	}
	if tok := strings.TrimSpace(a.QueryToken); tok != "" {
		return tok
	}
	if scheme, tok, ok := strings.Cut(strings.TrimSpace(a.Authorization), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(tok)
	}
	return ""
}

// Gate admits or rejects sessions at STOMP CONNECT.
type Gate struct {
	verifier Verifier
	timeout  time.Duration
}

// New creates a gate. A nil verifier admits any non-empty credential.
func New(verifier Verifier, timeout time.Duration) *Gate {
	if verifier == nil {
		verifier = PermissiveVerifier{}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Gate{verifier: verifier, timeout: timeout}
}

// Admit authenticates sess with the credential found in a. It returns the
// credential on success; every failure wraps domain.ErrAuthentication.
func (g *Gate) Admit(ctx context.Context, sess *domain.Session, a Attempt) (string, error) {
	ctx = log.WithSession(ctx, sess.ID)
	l := log.Ctx(ctx)
	credential := a.Credential()

	if credential == "" {
		l.Warn().Msg("handshake rejected: no credential")
		audit.LogWithDetail(ctx, audit.ActionReject, sess.ID, "missing credential", "handshake rejected")
		return "", fmt.Errorf("%w: no credential", domain.ErrAuthentication)
	}

	if err := g.verify(ctx, credential); err != nil {
		l.Warn().Err(err).Str(log.FieldCredential, log.Redact(credential)).
			Msg("handshake rejected: credential not accepted")
		audit.LogWithDetail(ctx, audit.ActionReject, sess.ID, err.Error(), "handshake rejected")
		return "", fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}

	sess.Authenticate(credential)
	l.Info().Str(log.FieldCredential, log.Redact(credential)).Msg("handshake admitted")
	audit.Log(ctx, audit.ActionAdmit, sess.ID, "handshake admitted")
	return credential, nil
}

// verify runs the verifier under the gate deadline, even if the verifier
// itself ignores ctx.
func (g *Gate) verify(ctx context.Context, credential string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.verifier.Verify(ctx, credential)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("verification timed out: %w", ctx.Err())
	}
}
