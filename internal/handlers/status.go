package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

// Status returns the latest snapshot, the same document viewers receive.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.deps.Status == nil {
		h.Error(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	snap, ok := h.deps.Status.Snapshot()
	if !ok {
		h.JSON(w, http.StatusOK, models.Snapshot{History: []models.StatusEvent{}})
		return
	}
	h.JSON(w, http.StatusOK, snap)
}

// ActivityResponse lists recent subscriber outcomes.
type ActivityResponse struct {
	Outcomes []models.Outcome `json:"outcomes"`
	Total    int              `json:"total"`
}

// Activity handles GET /activity?limit=.
func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ledger == nil {
		h.Error(w, http.StatusServiceUnavailable, "outcome ledger not configured")
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = l
	}
	if limit > 200 {
		limit = 200
	}

	outcomes, err := h.deps.Ledger.RecentOutcomes(r.Context(), limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if outcomes == nil {
		outcomes = []models.Outcome{}
	}

	h.JSON(w, http.StatusOK, ActivityResponse{Outcomes: outcomes, Total: len(outcomes)})
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
