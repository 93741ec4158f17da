package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		handle gin.HandlerFunc
		status int
		ok     bool
		code   string
	}{
		{name: "success", handle: func(c *gin.Context) { Success(c, gin.H{"a": 1}) }, status: http.StatusOK, ok: true},
		{name: "created", handle: func(c *gin.Context) { Created(c, "x") }, status: http.StatusCreated, ok: true},
		{name: "bad request", handle: func(c *gin.Context) { BadRequest(c, "nope") }, status: http.StatusBadRequest, code: "BAD_REQUEST"},
		{name: "bad gateway", handle: func(c *gin.Context) { BadGateway(c, "down") }, status: http.StatusBadGateway, code: "UPSTREAM_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			tt.handle(c)

			req.Equal(tt.status, w.Code)
			var body Response
			req.NoError(json.Unmarshal(w.Body.Bytes(), &body))
			req.Equal(tt.ok, body.Success)
			if tt.code != "" {
				req.NotNil(body.Error)
				req.Equal(tt.code, body.Error.Code)
			}
		})
	}
}
