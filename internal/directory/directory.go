// Package directory queries the public agent directory and picks the
// expert whose description best matches a question.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/hub"
)

const (
	DefaultPageSize = 24

	// AgentName labels directory status events.
	AgentName = "FXN"
)

// ErrUnexpectedStatus is wrapped when the directory answers with a non-2xx status.
var ErrUnexpectedStatus = errors.New("unexpected directory status")

// Agent is one directory listing.
type Agent struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	FeePerDay   float64 `json:"feePerDay"`
	Status      string  `json:"status"`
}

// Expert is the match returned to callers.
type Expert struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	FeePerDay   float64 `json:"fee_per_day"`
	Status      string  `json:"status"`
	Score       int     `json:"score"`
}

type agentsResponse struct {
	Agents []Agent `json:"agents"`
}

// Client talks to the directory API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	PageSize   int
	Scorer     Scorer

	events hub.Emitter
	logger zerolog.Logger
}

// NewClient creates a directory client scoring with WordOverlap.
func NewClient(baseURL string, timeout time.Duration, events hub.Emitter, logger zerolog.Logger) *Client {
	if events == nil {
		events = hub.Discard
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		PageSize:   DefaultPageSize,
		Scorer:     WordOverlap{},
		events:     events,
		logger:     logger.With().Str("component", "directory").Logger(),
	}
}

// ListAgents fetches the newest directory listings.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	sort, _ := json.Marshal(map[string]string{"field": "createdAt", "direction": "desc"})
	q := url.Values{}
	q.Set("pageSize", strconv.Itoa(c.PageSize))
	q.Set("sort", string(sort))
	endpoint := c.BaseURL + "/agents?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("query directory: %w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var body agentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}
	return body.Agents, nil
}

// FindExpert returns the active agent that best matches query, or nil when
// nothing scores above zero.
func (c *Client) FindExpert(ctx context.Context, query string) (*Expert, error) {
	c.events.Emit(AgentName, "Searching network...", true)
	defer c.events.Emit(AgentName, "Search complete", false)

	agents, err := c.ListAgents(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("directory query failed")
		return nil, err
	}

	best, bestScore := -1, 0
	for i, a := range agents {
		if a.Status != "active" || a.Description == "" {
			continue
		}
		if score := c.Scorer.Score(query, a.Description); score > bestScore {
			best, bestScore = i, score
		}
	}

	c.logger.Debug().
		Str("query", query).
		Int("candidates", len(agents)).
		Int("score", bestScore).
		Msg("expert search finished")

	if best < 0 {
		return nil, nil
	}
	a := agents[best]
	return &Expert{
		Name:        a.Name,
		Description: a.Description,
		FeePerDay:   a.FeePerDay,
		Status:      a.Status,
		Score:       bestScore,
	}, nil
}

// CloseIdleConnections releases pooled connections to the directory.
func (c *Client) CloseIdleConnections() {
	c.HTTPClient.CloseIdleConnections()
}
