// Package registry queries the subscription registry for this provider's subscribers.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

// ErrUnexpectedStatus is wrapped by TransportError for non-2xx replies.
var ErrUnexpectedStatus = errors.New("unexpected registry status")

// TransportError means the registry could not be reached or answered non-2xx.
type TransportError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("registry %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("registry %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the registry answered with a body that could not be parsed.
type ProtocolError struct {
	URL string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("registry %s: malformed response: %v", e.URL, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Client is a subscription registry client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a registry client with a bounded per-call timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// subscriptionsResponse is the body of GET /subscriptions/provider/{address}.
type subscriptionsResponse struct {
	Success       *bool               `json:"success,omitempty"`
	Subscriptions []models.Subscriber `json:"subscriptions"`
	Error         string              `json:"error,omitempty"`
}

// ListProviderSubscriptions returns the subscribers currently subscribed to
// providerAddress, in registry order. On failure it returns an empty slice
// together with a *TransportError or *ProtocolError.
func (c *Client) ListProviderSubscriptions(ctx context.Context, providerAddress string) ([]models.Subscriber, error) {
	endpoint := c.BaseURL + "/subscriptions/provider/" + url.PathEscape(providerAddress)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return []models.Subscriber{}, &TransportError{URL: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return []models.Subscriber{}, &TransportError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return []models.Subscriber{}, &TransportError{URL: endpoint, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp subscriptionsResponse
		_ = json.Unmarshal(body, &errResp)
		err := ErrUnexpectedStatus
		if errResp.Error != "" {
			err = fmt.Errorf("%w: %s", ErrUnexpectedStatus, errResp.Error)
		}
		return []models.Subscriber{}, &TransportError{URL: endpoint, Status: resp.StatusCode, Err: err}
	}

	var parsed subscriptionsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return []models.Subscriber{}, &ProtocolError{URL: endpoint, Err: err}
	}
	if parsed.Subscriptions == nil {
		return []models.Subscriber{}, nil
	}
	return parsed.Subscriptions, nil
}

// CloseIdleConnections releases pooled connections held by the client.
func (c *Client) CloseIdleConnections() {
	c.HTTPClient.CloseIdleConnections()
}
