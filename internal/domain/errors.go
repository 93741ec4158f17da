package domain

import "errors"

var (
	// ErrAuthentication is returned when a handshake carries no usable credential.
	ErrAuthentication = errors.New("authentication failed")
	// ErrUpstreamConnect is returned when the upstream backend cannot be reached.
	ErrUpstreamConnect = errors.New("upstream connect failed")
	// ErrSerialization marks a payload that could not be encoded or decoded.
	ErrSerialization = errors.New("serialization failed")
	// ErrPublish marks a failed bus or upstream send.
	ErrPublish = errors.New("publish failed")
	// ErrUnknownSession is returned for operations on an absent session.
	ErrUnknownSession = errors.New("unknown session")
	// ErrUnavailable is the outcome of a failed collaborator call.
	ErrUnavailable = errors.New("collaborator unavailable")
	// ErrInvalidRoom is returned for a malformed or reserved room id.
	ErrInvalidRoom = errors.New("invalid room id")
	// ErrSessionExists is returned when a session id is registered twice.
	ErrSessionExists = errors.New("session already exists")
	// ErrStreamClosed is returned by a room stream once it is closed.
	ErrStreamClosed = errors.New("stream closed")
)
