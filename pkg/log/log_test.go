package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	req := require.New(t)

	req.Equal(zerolog.DebugLevel, ParseLevel("DEBUG"))
	req.Equal(zerolog.WarnLevel, ParseLevel(" warning "))
	req.Equal(zerolog.InfoLevel, ParseLevel("nonsense"))
	req.Equal(zerolog.InfoLevel, ParseLevel(""))
}

func TestRedact(t *testing.T) {
	req := require.New(t)

	req.Equal("abcdefghij...", Redact("abcdefghijklmnop"))
	req.Equal("ab...", Redact("abcd"))
	req.Equal("...", Redact(""))
}

func TestWithSession_AddsSessionField(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	base := New(Config{Level: "info", ServiceName: "livechat"}, &buf)

	ctx := WithSession(WithLogger(context.Background(), base), "sess-1")
	l := Ctx(ctx)
	l.Info().Msg("hello")

	var entry map[string]any
	req.NoError(json.Unmarshal(buf.Bytes(), &entry))
	req.Equal("sess-1", entry[FieldSessionID])
	req.Equal("livechat", entry[FieldService])
	req.Equal("hello", entry["message"])
}

func TestWithSession_IsIdempotent(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	base := New(Config{Level: "info"}, &buf)

	ctx := WithSession(WithLogger(context.Background(), base), "sess-1")
	again := WithSession(ctx, "sess-1")
	req.Equal(ctx, again)
	req.Equal("sess-1", SessionID(again))

	l := Ctx(again)
	l.Info().Msg("hello")
	req.Equal(1, bytes.Count(buf.Bytes(), []byte(`"`+FieldSessionID+`":`)))
}
