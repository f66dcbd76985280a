package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/directory"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/store"
)

// StatusSource exposes the broadcast hub's current state.
type StatusSource interface {
	Snapshot() (models.Snapshot, bool)
	Connections() int
}

// Pinger is an optional backing service checked by Health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ExpertFinder looks up the best matching directory agent.
type ExpertFinder interface {
	FindExpert(ctx context.Context, query string) (*directory.Expert, error)
}

// Deps are the collaborators served over HTTP. Ledger, Redis and Finder
// may be nil.
type Deps struct {
	AgentName string
	Provider  string
	Status    StatusSource
	Ledger    store.Ledger
	Redis     Pinger
	Finder    ExpertFinder
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
