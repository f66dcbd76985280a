package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

type emitted struct {
	agent      string
	message    string
	processing bool
}

type recorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recorder) Emit(agent, message string, processing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{agent, message, processing})
}

func TestTwoStageChainsOutputs(t *testing.T) {
	rec := &recorder{}
	extract := StageFunc(func(_ context.Context, in map[string]any) (map[string]any, error) {
		assert.Equal(t, "https://example.com/receipt.jpg", in["image_url"])
		return map[string]any{"merchant": "Test Store", "amount": 42.99}, nil
	})
	categorize := StageFunc(func(_ context.Context, in map[string]any) (map[string]any, error) {
		out := map[string]any{"category": "Groceries"}
		for k, v := range in {
			out[k] = v
		}
		return out, nil
	})

	p := NewTwoStage(extract, categorize, rec, zerolog.Nop())
	res, err := p.Process(context.Background(), models.WorkRequest{
		Type:      models.TypeReceiptRequest,
		ImageURL:  "https://example.com/receipt.jpg",
		RequestID: "r1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.WorkResult{"merchant": "Test Store", "amount": 42.99, "category": "Groceries"}, res)

	require.Len(t, rec.events, 4)
	assert.Equal(t, emitted{StageExtract, "Extracting receipt data", true}, rec.events[0])
	assert.Equal(t, StageCategorize, rec.events[3].agent)
	assert.False(t, rec.events[3].processing)
}

func TestTwoStageFailureNamesStage(t *testing.T) {
	called := false
	extract := StageFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"amount": 1}, nil
	})
	categorize := StageFunc(func(context.Context, map[string]any) (map[string]any, error) {
		called = true
		return nil, errors.New("unknown category")
	})

	_, err := NewTwoStage(extract, categorize, nil, zerolog.Nop()).
		Process(context.Background(), models.WorkRequest{RequestID: "r2"})
	require.True(t, called)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, StageCategorize, pe.Stage)
	assert.Equal(t, "r2", pe.RequestID)
}

func TestTwoStageFirstFailureSkipsSecond(t *testing.T) {
	extract := StageFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("image unreadable")
	})
	categorize := StageFunc(func(context.Context, map[string]any) (map[string]any, error) {
		t.Fatal("categorize must not run")
		return nil, nil
	})

	_, err := NewTwoStage(extract, categorize, nil, zerolog.Nop()).
		Process(context.Background(), models.WorkRequest{RequestID: "r3"})
	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, StageExtract, pe.Stage)
}

func TestNilStageOutputIsFailure(t *testing.T) {
	extract := StageFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return nil, nil
	})

	_, err := NewTwoStage(extract, nil, nil, zerolog.Nop()).
		Process(context.Background(), models.WorkRequest{RequestID: "r4"})
	var pe *PipelineError
	assert.True(t, errors.As(err, &pe))
}

func TestUnavailable(t *testing.T) {
	_, err := Unavailable{}.Process(context.Background(), models.WorkRequest{RequestID: "r5"})
	assert.ErrorIs(t, err, ErrUnavailable)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "r5", pe.RequestID)
}

func TestHTTPPipeline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/extract", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		json.NewEncoder(w).Encode(map[string]any{"amount": 42.99, "request_id": in["request_id"]})
	})
	mux.HandleFunc("/categorize", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		in["category"] = "Office"
		json.NewEncoder(w).Encode(in)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewHTTP(srv.URL+"/", time.Second, nil, zerolog.Nop())
	res, err := p.Process(context.Background(), models.WorkRequest{RequestID: "r6", ImageURL: "http://img"})
	require.NoError(t, err)
	assert.Equal(t, 42.99, res["amount"])
	assert.Equal(t, "Office", res["category"])
	assert.Equal(t, "r6", res["request_id"])
}

func TestHTTPStageErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"model overloaded"}`))
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, time.Second, nil, zerolog.Nop()).
		Process(context.Background(), models.WorkRequest{RequestID: "r7"})
	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, StageExtract, pe.Stage)
	assert.Contains(t, err.Error(), "model overloaded")
}

type idleTransport struct {
	mu     sync.Mutex
	closed int
}

func (t *idleTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return http.DefaultTransport.RoundTrip(req)
}

func (t *idleTransport) CloseIdleConnections() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
}

func TestCloseIdleConnectionsReachesHTTPStages(t *testing.T) {
	transport := &idleTransport{}
	client := &http.Client{Transport: transport}
	noop := StageFunc(func(_ context.Context, in map[string]any) (map[string]any, error) { return in, nil })

	p := NewTwoStage(&HTTPStage{Endpoint: "http://extract", HTTPClient: client}, noop, nil, zerolog.Nop())
	p.CloseIdleConnections()

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 1, transport.closed)

	// Stages without a transport and an HTTPStage with no client are ignored.
	NewTwoStage(noop, &HTTPStage{Endpoint: "http://categorize"}, nil, zerolog.Nop()).CloseIdleConnections()
}
