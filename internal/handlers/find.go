package handlers

import (
	"net/http"
	"strings"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/directory"
)

// FindResponse represents the expert search response.
type FindResponse struct {
	Query  string            `json:"query"`
	Expert *directory.Expert `json:"expert"`
}

// Find handles GET /find?q=.
func (h *Handler) Find(w http.ResponseWriter, r *http.Request) {
	if h.deps.Finder == nil {
		h.Error(w, http.StatusServiceUnavailable, "directory not configured")
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		h.Error(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	if len(query) > 200 {
		h.Error(w, http.StatusBadRequest, "query too long (max 200 chars)")
		return
	}

	expert, err := h.deps.Finder.FindExpert(r.Context(), query)
	if err != nil {
		h.Error(w, http.StatusBadGateway, "directory unavailable")
		return
	}

	h.JSON(w, http.StatusOK, FindResponse{Query: query, Expert: expert})
}
