package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/config"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/crypto"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/subscriber"
)

// newRegistry serves one active subscription pointing at recipient and
// counts the polls it receives.
func newRegistry(t *testing.T, recipient string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"subscriptions": []map[string]any{{
				"subscriber":       "Sub1",
				"subscription_pda": "pda1",
				"recipient":        recipient,
				"end_time":         time.Now().Add(time.Hour).Unix(),
				"status":           "active",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

func newTestConfig(t *testing.T, registryURL string) *config.Config {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return &config.Config{
		Env:           "test",
		AgentName:     "provider",
		PrivateKey:    crypto.EncodePrivateKey(priv),
		PollInterval:  20 * time.Millisecond,
		RetryDelay:    20 * time.Millisecond,
		HTTPTimeout:   5 * time.Second,
		RegistryURL:   registryURL,
		ShutdownGrace: 2 * time.Second,
		SQLitePath:    filepath.Join(t.TempDir(), "agent.db"),
	}
}

func startAgent(t *testing.T, ctx context.Context, cfg *config.Config) (string, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, ln, zerolog.Nop()) }()
	return ln.Addr().String(), done
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	sub := subscriber.New(zerolog.Nop(), nil)
	subSrv := httptest.NewServer(sub.Routes())
	defer subSrv.Close()
	registrySrv, polls := newRegistry(t, subSrv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, done := startAgent(t, ctx, newTestConfig(t, registrySrv.URL))

	require.Eventually(t, func() bool { return len(sub.Offers()) >= 2 }, 5*time.Second, 20*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err, "viewer should receive the current snapshot")

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	// The viewer is told the agent is going away.
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	// No cycles start after shutdown.
	seen := polls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, seen, polls.Load())

	// The viewer API is no longer served.
	_, err = http.Get("http://" + addr + "/health")
	assert.Error(t, err)
}

func TestRunAbandonsCycleAfterGrace(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	subSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(subSrv.Close)
	t.Cleanup(func() { close(release) })
	registrySrv, _ := newRegistry(t, subSrv.URL)

	cfg := newTestConfig(t, registrySrv.URL)
	cfg.HTTPTimeout = 10 * time.Second
	cfg.ShutdownGrace = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, done := startAgent(t, ctx, cfg)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("offer never reached the subscriber")
	}

	start := time.Now()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "abandoning after the grace period is a normal stop")
	case <-time.After(5 * time.Second):
		t.Fatal("run waited for the hung subscriber")
	}
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunRejectsBadKey(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:1")
	cfg.PrivateKey = "not-a-key"

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	err = run(context.Background(), cfg, ln, zerolog.Nop())
	assert.ErrorContains(t, err, "AGENT_PRIVATE_KEY")
}
