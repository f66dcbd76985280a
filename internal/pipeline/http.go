package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/hub"
)

// HTTPStage runs a stage on a remote analysis service. The input document is
// posted as JSON and the reply must be a JSON object.
type HTTPStage struct {
	Endpoint   string
	HTTPClient *http.Client
}

// CloseIdleConnections releases the stage's idle keep-alive connections.
func (s *HTTPStage) CloseIdleConnections() {
	if s.HTTPClient != nil {
		s.HTTPClient.CloseIdleConnections()
	}
}

// Run implements Stage.
func (s *HTTPStage) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, fmt.Errorf("analysis service error %d: %s", resp.StatusCode, errResp.Error)
	}

	var out map[string]any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("analysis service returned malformed result: %w", err)
	}
	return out, nil
}

// NewHTTP builds a two-stage pipeline backed by {baseURL}/extract and
// {baseURL}/categorize.
func NewHTTP(baseURL string, timeout time.Duration, events hub.Emitter, logger zerolog.Logger) *TwoStage {
	baseURL = strings.TrimRight(baseURL, "/")
	client := &http.Client{Timeout: timeout}
	return NewTwoStage(
		&HTTPStage{Endpoint: baseURL + "/extract", HTTPClient: client},
		&HTTPStage{Endpoint: baseURL + "/categorize", HTTPClient: client},
		events,
		logger,
	)
}
