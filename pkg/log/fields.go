package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor
	FieldUserID = "user_id"

	// Service
	FieldService   = "service"
	FieldComponent = "component"
	FieldInstance  = "instance_id"

	// Relay
	FieldSessionID     = "session_id"
	FieldRoomID        = "room_id"
	FieldChannel       = "channel"
	FieldDestination   = "destination"
	FieldSubscription  = "subscription"
	FieldCredential    = "credential"
	FieldUpstreamURL   = "upstream_url"
	FieldUpstreamState = "upstream_state"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
