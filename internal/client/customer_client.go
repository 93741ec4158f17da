package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// CustomerID is the customer-identity service answer.
type CustomerID struct {
	CustomerID string `json:"customerId"`
	Status     string `json:"status"`
}

type customerRequest struct {
	LoginID string `json:"loginId"`
}

// CustomerClient creates customer ids for login identifiers.
type CustomerClient struct {
	url string
	hc  *http.Client
}

func NewCustomerClient(cfg Config) *CustomerClient {
	return &CustomerClient{url: cfg.CustomerURL, hc: newHTTPClient(cfg.Timeout)}
}

// CreateCustomerID returns the customer id for loginID, or
// domain.ErrUnavailable.
func (c *CustomerClient) CreateCustomerID(ctx context.Context, loginID string) (CustomerID, error) {
	if c.url == "" {
		return CustomerID{}, fmt.Errorf("%w: customer service not configured", domain.ErrUnavailable)
	}

	var resp CustomerID
	if err := postJSON(ctx, c.hc, c.url, customerRequest{LoginID: loginID}, &resp); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("customer id creation failed")
		return CustomerID{}, err
	}
	if resp.CustomerID == "" {
		return CustomerID{}, fmt.Errorf("%w: empty customer id", domain.ErrUnavailable)
	}
	return resp, nil
}
