package audit

import (
	"context"

	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// Audit actions for livechat-service.
const (
	ActionAdmit           = "livechat.admit"
	ActionReject          = "livechat.reject"
	ActionJoinRoom        = "livechat.join_room"
	ActionLeaveRoom       = "livechat.leave_room"
	ActionUpstreamConnect = "livechat.upstream_connect"
	ActionDisconnect      = "livechat.disconnect"
)

// Field constants for audit entries.
const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger, scoped to
// sessionID unless the context already is.
func Log(ctx context.Context, action string, sessionID string, msg string) {
	l := log.Ctx(log.WithSession(ctx, sessionID))
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action string, sessionID string, detail string, msg string) {
	l := log.Ctx(log.WithSession(ctx, sessionID))
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(FieldDetail, detail).
		Msg(msg)
}
