package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/harborins/policyimport/internal/logging"
	"github.com/harborins/policyimport/internal/storage"
)

// createMessageRequest is the body of POST /api/messages. The delivery
// moment arrives either as an RFC 3339 timestamp in "at", or split into a
// calendar "day" (2006-01-02) and wall-clock "time" (15:04).
type createMessageRequest struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	Day     string    `json:"day"`
	Time    string    `json:"time"`
}

// deliveryTime resolves the requested delivery moment. Day/time pairs are
// interpreted in the server's timezone.
func (req createMessageRequest) deliveryTime() (time.Time, error) {
	if !req.At.IsZero() {
		return req.At, nil
	}
	if req.Day == "" {
		return time.Time{}, fmt.Errorf("either \"at\" or \"day\" is required")
	}

	clock := req.Time
	if clock == "" {
		clock = "00:00"
	}
	at, err := time.ParseInLocation("2006-01-02 15:04", req.Day+" "+clock, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day/time, want YYYY-MM-DD and HH:MM")
	}
	return at, nil
}

// handleCreateMessage schedules a message for future delivery.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, r, http.StatusBadRequest, "message is required")
		return
	}
	at, err := req.deliveryTime()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.store.CreateScheduledMessage(r.Context(), req.Message, at)
	if err != nil {
		logging.FromContext(r.Context()).Error("schedule message failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "could not schedule message")
		return
	}

	writeJSON(w, r, http.StatusCreated, msg)
}

// handleListMessages returns the scheduled messages still awaiting
// delivery, soonest first.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.ListScheduledMessages(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("list messages failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "could not list messages")
		return
	}
	if messages == nil {
		messages = []storage.ScheduledMessage{}
	}

	writeJSON(w, r, http.StatusOK, messages)
}

// handleHealth reports service liveness, storage reachability and run
// admission state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		logging.FromContext(r.Context()).Error("health check failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "storage unreachable")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"runs":   s.service.LimiterStatus(),
	})
}
