package handler

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/client"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/service"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/response"
)

// CustomerCreator creates customer ids for login identifiers.
type CustomerCreator interface {
	CreateCustomerID(ctx context.Context, loginID string) (client.CustomerID, error)
}

// Stats reports relay occupancy for the health endpoint.
type Stats interface {
	Count() int
}

// RoomLister lists rooms with live subscribers.
type RoomLister interface {
	Rooms() []string
}

type TokenRequest struct {
	AssertionToken string `json:"assertionToken" binding:"required"`
	UserID         string `json:"userId" binding:"required"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type CustomerRequest struct {
	LoginID string `json:"loginId" binding:"required"`
}

// HTTPHandler serves the REST surface next to the WebSocket endpoint.
type HTTPHandler struct {
	tokens    service.TokenIssuer
	customers CustomerCreator
	sessions  Stats
	rooms     RoomLister
}

func NewHTTPHandler(tokens service.TokenIssuer, customers CustomerCreator, sessions Stats, rooms RoomLister) *HTTPHandler {
	return &HTTPHandler{
		tokens:    tokens,
		customers: customers,
		sessions:  sessions,
		rooms:     rooms,
	}
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api/livechat")
	{
		api.POST("/auth/token", h.IssueToken)
		api.POST("/customers", h.CreateCustomer)
	}
}

func (h *HTTPHandler) Health(c *gin.Context) {
	response.Success(c, gin.H{
		"status":   "ok",
		"sessions": h.sessions.Count(),
		"rooms":    len(h.rooms.Rooms()),
	})
}

// IssueToken exchanges an assertion token for an access token.
func (h *HTTPHandler) IssueToken(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind token request")
		response.BadRequest(c, err.Error())
		return
	}

	token, err := h.tokens.IssueToken(ctx, req.AssertionToken, req.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrUnavailable) {
			response.BadGateway(c, "token service unavailable")
			return
		}
		l.Error().Err(err).Str(log.FieldUserID, req.UserID).Msg("failed to issue token")
		response.InternalError(c, "failed to issue token")
		return
	}

	response.Success(c, TokenResponse{Token: token})
}

// CreateCustomer asks the customer-identity service for a customer id.
func (h *HTTPHandler) CreateCustomer(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req CustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind customer request")
		response.BadRequest(c, err.Error())
		return
	}

	id, err := h.customers.CreateCustomerID(ctx, req.LoginID)
	if err != nil {
		if errors.Is(err, domain.ErrUnavailable) {
			response.BadGateway(c, "customer service unavailable")
			return
		}
		l.Error().Err(err).Msg("failed to create customer id")
		response.InternalError(c, "failed to create customer id")
		return
	}

	response.Created(c, id)
}
