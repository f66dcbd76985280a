// Package hub fans agent status events out to connected viewers and keeps a
// bounded history so late joiners see the most recent activity.
package hub

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/crypto"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/metrics"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

// DefaultHistorySize is the number of events retained for replay.
const DefaultHistorySize = 10

// ErrClosed is returned by Register once the hub has shut down.
var ErrClosed = errors.New("hub closed")

// Emitter is implemented by anything that accepts status updates.
type Emitter interface {
	Emit(agent, message string, processing bool)
}

type discard struct{}

func (discard) Emit(string, string, bool) {}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

// Connection is a live channel to one viewer. Send must not block; an error
// means the connection is dead and will be dropped.
type Connection interface {
	Send(snap models.Snapshot) error
	Close() error
}

// HistoryStore persists recent events across restarts.
type HistoryStore interface {
	AppendEvent(ctx context.Context, ev models.StatusEvent, limit int) error
	RecentEvents(ctx context.Context, limit int) ([]models.StatusEvent, error)
}

// Hub is the single fan-out point for status events. All methods are safe for
// concurrent use.
type Hub struct {
	mu      sync.Mutex
	conns   map[Connection]struct{}
	history []models.StatusEvent
	closed  bool

	size    int
	store   HistoryStore
	persist chan models.StatusEvent
	logger  zerolog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithHistorySize overrides DefaultHistorySize.
func WithHistorySize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.size = n
		}
	}
}

// WithStore mirrors published events into s.
func WithStore(s HistoryStore) Option {
	return func(h *Hub) {
		h.store = s
	}
}

// New creates a hub.
func New(logger zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		conns:  make(map[Connection]struct{}),
		size:   DefaultHistorySize,
		logger: logger.With().Str("component", "hub").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.store != nil {
		h.persist = make(chan models.StatusEvent, 64)
	}
	return h
}

// Emit builds a StatusEvent and publishes it.
func (h *Hub) Emit(agent, message string, processing bool) {
	h.Publish(models.StatusEvent{
		ID:    crypto.NewEventID(),
		Agent: agent,
		Status: models.AgentStatus{
			Message:      message,
			IsProcessing: processing,
		},
		Timestamp: time.Now().UnixMilli(),
	})
}

// Publish appends ev to the history, evicting the oldest entries beyond the
// limit, and pushes the event with the full history to every connection.
// Connections that fail are removed and closed.
func (h *Hub) Publish(ev models.StatusEvent) {
	h.mu.Lock()

	h.history = append(h.history, ev)
	if len(h.history) > h.size {
		h.history = slices.Clone(h.history[len(h.history)-h.size:])
	}
	snap := models.Snapshot{Current: ev, History: slices.Clone(h.history)}

	var failed []Connection
	for c := range h.conns {
		if err := c.Send(snap); err != nil {
			delete(h.conns, c)
			failed = append(failed, c)
			h.logger.Debug().Err(err).Msg("dropping viewer connection")
		}
	}
	open := len(h.conns)

	if h.persist != nil {
		select {
		case h.persist <- ev:
		default:
			h.logger.Warn().Str("event_id", ev.ID).Msg("history persistence queue full, event not mirrored")
		}
	}
	h.mu.Unlock()

	for _, c := range failed {
		c.Close()
	}

	metrics.EventsPublished.WithLabelValues(ev.Agent).Inc()
	metrics.ViewerConnections.Set(float64(open))
	if len(failed) > 0 {
		metrics.ViewerDrops.Add(float64(len(failed)))
	}
}

// Register adds c to the active set and immediately sends the current
// snapshot if any history exists.
func (h *Hub) Register(c Connection) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}

	h.conns[c] = struct{}{}
	var err error
	if n := len(h.history); n > 0 {
		err = c.Send(models.Snapshot{Current: h.history[n-1], History: slices.Clone(h.history)})
		if err != nil {
			delete(h.conns, c)
		}
	}
	open := len(h.conns)
	h.mu.Unlock()

	metrics.ViewerConnections.Set(float64(open))
	if err != nil {
		c.Close()
		return err
	}
	return nil
}

// Deregister removes c from the active set. It is idempotent and does not
// close c.
func (h *Hub) Deregister(c Connection) {
	h.mu.Lock()
	delete(h.conns, c)
	open := len(h.conns)
	h.mu.Unlock()

	metrics.ViewerConnections.Set(float64(open))
}

// Snapshot returns the latest event and the retained history.
func (h *Hub) Snapshot() (models.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.history)
	if n == 0 {
		return models.Snapshot{History: []models.StatusEvent{}}, false
	}
	return models.Snapshot{Current: h.history[n-1], History: slices.Clone(h.history)}, true
}

// History returns a copy of the retained events, oldest first.
func (h *Hub) History() []models.StatusEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.history)
}

// Len returns the number of retained events.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Restore preloads the history from the store without broadcasting.
func (h *Hub) Restore(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	events, err := h.store.RecentEvents(ctx, h.size)
	if err != nil {
		return err
	}
	if len(events) > h.size {
		events = events[len(events)-h.size:]
	}

	h.mu.Lock()
	h.history = append(slices.Clone(events), h.history...)
	if len(h.history) > h.size {
		h.history = slices.Clone(h.history[len(h.history)-h.size:])
	}
	h.mu.Unlock()

	h.logger.Info().Int("events", len(events)).Msg("restored status history")
	return nil
}

// Run mirrors events to the history store until ctx is done, then closes
// every connection and refuses new ones.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-h.persist:
			h.mirror(ev)
		case <-ctx.Done():
			h.shutdown()
			return nil
		}
	}
}

func (h *Hub) mirror(ev models.StatusEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.store.AppendEvent(ctx, ev, h.size); err != nil {
		h.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("failed to mirror status event")
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	clear(h.conns)
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	metrics.ViewerConnections.Set(0)
	h.logger.Info().Int("connections", len(conns)).Msg("hub stopped")
}
