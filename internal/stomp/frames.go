package stomp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
)

// Supported protocol versions, best first.
var supportedVersions = []string{"1.2", "1.1", "1.0"}

// Subprotocols offered during the WebSocket upgrade.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

const (
	contentTypeJSON = "application/json"
	headerServer    = "server"
	serverName      = "livechat-service"
)

// NegotiateVersion picks the highest version both sides accept. A CONNECT
// without accept-version is a 1.0 client.
func NegotiateVersion(f *frame.Frame) (string, bool) {
	accept, ok := f.Header.Contains(frame.AcceptVersion)
	if !ok || strings.TrimSpace(accept) == "" {
		return "1.0", true
	}
	offered := strings.Split(accept, ",")
	for _, v := range supportedVersions {
		for _, o := range offered {
			if strings.TrimSpace(o) == v {
				return v, true
			}
		}
	}
	return "", false
}

// Encode serialises f into a single WebSocket payload.
func Encode(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses every frame in one WebSocket payload. Heart-beats are skipped.
func Decode(payload []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(payload))
	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

// ConnectedFrame answers a successful CONNECT.
func ConnectedFrame(version, sessionID string) *frame.Frame {
	return frame.New(frame.CONNECTED,
		frame.Version, version,
		frame.HeartBeat, "0,0",
		frame.Session, sessionID,
		headerServer, serverName,
	)
}

// ErrorFrame reports a problem to the client. receiptID may be empty.
func ErrorFrame(message, detail, receiptID string) *frame.Frame {
	f := frame.New(frame.ERROR, frame.Message, message)
	if receiptID != "" {
		f.Header.Set(frame.ReceiptId, receiptID)
	}
	if detail != "" {
		f.Header.Set(frame.ContentType, "text/plain")
		f.Body = []byte(detail)
	}
	return f
}

// ReceiptFrame acknowledges a frame that carried a receipt header.
func ReceiptFrame(receiptID string) *frame.Frame {
	return frame.New(frame.RECEIPT, frame.ReceiptId, receiptID)
}

// MessageFrame wraps msg for delivery on destination.
func MessageFrame(destination, subscription string, msg domain.ChatMessage) (*frame.Frame, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	f := frame.New(frame.MESSAGE,
		frame.Destination, destination,
		frame.MessageId, uuid.NewString(),
		frame.ContentType, contentTypeJSON,
	)
	if subscription != "" {
		f.Header.Set(frame.Subscription, subscription)
	}
	f.Body = body
	return f, nil
}

// DecodeChatMessage reads the sender and content of a SEND body.
func DecodeChatMessage(body []byte) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	return msg, nil
}

// DecodeStatus accepts a status as raw text or as a JSON string.
func DecodeStatus(body []byte) string {
	raw := strings.TrimSpace(string(body))
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		return s
	}
	return raw
}
