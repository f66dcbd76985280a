// Package subscriber implements the subscriber side of the offer protocol:
// it verifies signed offers, optionally answers with a work request, and
// collects the signed results and errors posted back.
package subscriber

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/crypto"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/models"
)

// Received is a verified payload posted to /results or /errors.
type Received struct {
	Payload models.SignedPayload
	Data    map[string]any
}

// RequestFunc decides the reply to an offer. Returning nil acknowledges the
// offer without asking for work.
type RequestFunc func(offer models.Offer) *models.WorkRequest

// Server is a subscriber endpoint.
type Server struct {
	// OfferStatus is the status returned for valid offers (default 200).
	OfferStatus int
	// ReportStatus is the status returned for results and errors (default 200).
	ReportStatus int
	// Request builds the work request returned with a 200 offer reply.
	Request RequestFunc

	mu      sync.Mutex
	offers  []models.Offer
	results []Received
	errors  []Received
	rejects int

	logger zerolog.Logger
}

// New creates a subscriber endpoint.
func New(logger zerolog.Logger, request RequestFunc) *Server {
	return &Server{
		OfferStatus:  http.StatusOK,
		ReportStatus: http.StatusOK,
		Request:      request,
		logger:       logger.With().Str("component", "subscriber").Logger(),
	}
}

// Routes returns the subscriber's HTTP routes.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/offers", s.handleOffer)
	r.Post("/results", s.handleReport(&s.results))
	r.Post("/errors", s.handleReport(&s.errors))
	return r
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.readSigned(w, r)
	if !ok {
		return
	}

	var offer models.Offer
	if err := payload.Decode(&offer); err != nil || offer.Type != models.TypeServiceOffer {
		s.reject(w, http.StatusBadRequest, "not a service offer")
		return
	}
	if offer.Provider != payload.PublicKey {
		s.reject(w, http.StatusUnauthorized, "provider does not match signing key")
		return
	}

	s.mu.Lock()
	s.offers = append(s.offers, offer)
	status := s.OfferStatus
	s.mu.Unlock()

	s.logger.Info().
		Str("provider", offer.Provider).
		Str("offer_id", offer.OfferID).
		Int("status", status).
		Msg("offer received")

	if status != http.StatusOK {
		writeJSON(w, status, map[string]string{"error": "offer declined"})
		return
	}

	if s.Request != nil {
		if req := s.Request(offer); req != nil {
			writeJSON(w, http.StatusOK, req)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReport(into *[]Received) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := s.readSigned(w, r)
		if !ok {
			return
		}

		var data map[string]any
		if err := payload.Decode(&data); err != nil {
			s.reject(w, http.StatusBadRequest, "data must be an object")
			return
		}

		s.mu.Lock()
		*into = append(*into, Received{Payload: *payload, Data: data})
		status := s.ReportStatus
		s.mu.Unlock()

		s.logger.Info().
			Str("path", r.URL.Path).
			Interface("request_id", data["request_id"]).
			Msg("report received")
		writeJSON(w, status, map[string]string{"status": "received"})
	}
}

func (s *Server) readSigned(w http.ResponseWriter, r *http.Request) (*models.SignedPayload, bool) {
	var payload models.SignedPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload); err != nil {
		s.reject(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if err := crypto.VerifyPayload(&payload); err != nil {
		s.reject(w, http.StatusUnauthorized, "invalid signature")
		return nil, false
	}
	return &payload, true
}

func (s *Server) reject(w http.ResponseWriter, status int, message string) {
	s.mu.Lock()
	s.rejects++
	s.mu.Unlock()
	s.logger.Warn().Int("status", status).Msg(message)
	writeJSON(w, status, map[string]string{"error": message})
}

// SetOfferStatus changes the status returned for offers.
func (s *Server) SetOfferStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OfferStatus = status
}

// SetReportStatus changes the status returned for results and errors.
func (s *Server) SetReportStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReportStatus = status
}

// Offers returns the offers received so far.
func (s *Server) Offers() []models.Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Offer(nil), s.offers...)
}

// Results returns the verified results received so far.
func (s *Server) Results() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.results...)
}

// Errors returns the verified error reports received so far.
func (s *Server) Errors() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.errors...)
}

// Rejected returns how many requests failed validation.
func (s *Server) Rejected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejects
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
