package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": s.config.Server.Name,
		"version": s.config.Server.Version,
		"health":  "/api/v1/health",
	})
}

// HandleHealth health check handler
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.session.Status()

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"time":        time.Now(),
		"loggedIn":    status.LoggedIn,
		"lastReading": s.lastReadingTime(),
	})
}

// HandleGetReadings returns the latest full reading set
func (s *RESTServer) HandleGetReadings(w http.ResponseWriter, r *http.Request) {
	set := s.poller.Latest()
	if set == nil {
		s.respondError(w, http.StatusServiceUnavailable, "no readings published yet")
		return
	}

	s.respondJSON(w, http.StatusOK, set)
}

// HandleGetReading returns a single reading by key
func (s *RESTServer) HandleGetReading(w http.ResponseWriter, r *http.Request) {
	set := s.poller.Latest()
	if set == nil {
		s.respondError(w, http.StatusServiceUnavailable, "no readings published yet")
		return
	}

	key := chi.URLParam(r, "key")
	reading, ok := set.Readings[key]
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown reading key")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"cycleId": set.CycleID,
		"takenAt": set.TakenAt,
		"key":     key,
		"reading": reading,
	})
}

// HandleGetSession returns the current vendor session status
func (s *RESTServer) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.session.Status())
}

// HandleTriggerPoll runs one poll cycle immediately
func (s *RESTServer) HandleTriggerPoll(w http.ResponseWriter, r *http.Request) {
	set, err := s.poller.RunCycle(r.Context())
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, set)
}

func (s *RESTServer) lastReadingTime() *time.Time {
	if set := s.poller.Latest(); set != nil {
		return &set.TakenAt
	}
	return nil
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
