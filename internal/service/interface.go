package service

import (
	"context"

	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/gate"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/stomp"
)

type LiveChatService interface {
	OpenSession(ctx context.Context, sessionID string) (*domain.Session, error)
	HandleConnect(ctx context.Context, client *stomp.Client, attempt gate.Attempt) error
	HandleSubscribeRoom(ctx context.Context, client *stomp.Client, roomID string) error
	HandleJoinRoom(ctx context.Context, client *stomp.Client, roomID string) error
	HandleLeaveRoom(ctx context.Context, client *stomp.Client, roomID string) error
	HandleSendMessage(ctx context.Context, client *stomp.Client, roomID string, msg domain.ChatMessage) (domain.ChatMessage, error)
	HandleStatus(ctx context.Context, client *stomp.Client, userID, status string) error
	HandleUpstreamConnect(ctx context.Context, client *stomp.Client) error
	HandleDisconnect(ctx context.Context, client *stomp.Client)
	Start(ctx context.Context) error
	Stop() error
}

// TokenIssuer exchanges a client credential for an upstream access token.
type TokenIssuer interface {
	IssueToken(ctx context.Context, assertion, userID string) (string, error)
}
