package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

type tokenRequest struct {
	AssertionToken string `json:"assertionToken"`
	UserID         string `json:"userId"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// TokenClient asks the token issuance service for upstream access tokens.
type TokenClient struct {
	url string
	hc  *http.Client
}

func NewTokenClient(cfg Config) *TokenClient {
	return &TokenClient{url: cfg.TokenURL, hc: newHTTPClient(cfg.Timeout)}
}

// IssueToken exchanges an assertion for an access token. A failed call or an
// empty token yields domain.ErrUnavailable, never a substitute token.
func (c *TokenClient) IssueToken(ctx context.Context, assertion, userID string) (string, error) {
	if c.url == "" {
		return "", fmt.Errorf("%w: token service not configured", domain.ErrUnavailable)
	}

	var resp tokenResponse
	if err := postJSON(ctx, c.hc, c.url, tokenRequest{AssertionToken: assertion, UserID: userID}, &resp); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("token issuance failed")
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("%w: empty token", domain.ErrUnavailable)
	}
	return resp.Token, nil
}
