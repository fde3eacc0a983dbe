package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-lutron/internal/bridges/lutron"
	"github.com/nerrad567/gray-logic-lutron/internal/journal"
)

// actionTimeout bounds how long one action write may take.
const actionTimeout = 5 * time.Second

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Bridge        string `json:"bridge"`
	MQTTConnected *bool  `json:"mqtt_connected,omitempty"`
	WSClients     int    `json:"websocket_clients"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Status    string            `json:"status"`
	Connected bool              `json:"connected"`
	Display   map[string]string `json:"display"`
}

// ActionRequest is the body of POST /api/v1/actions.
type ActionRequest struct {
	Action string `json:"action"`
}

// ReconnectRequest is the optional body of POST /api/v1/reconnect.
type ReconnectRequest struct {
	Reason string `json:"reason"`
}

// handleHealth reports service liveness. It is "ok" while the bridge is
// connected and "degraded" otherwise; the HTTP status is 200 either way so
// the endpoint stays usable as a liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Bridge:        lutron.StatusStopped,
		WSClients:     s.hub.ClientCount(),
	}

	if s.client.IsConnected() {
		resp.Bridge = lutron.StatusRunning
	} else {
		resp.Status = "degraded"
	}

	if s.mqtt != nil {
		connected := s.mqtt.IsConnected()
		resp.MQTTConnected = &connected
		if !connected {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleStatus returns the operator display information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	display := s.client.DisplayInformation()
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:    display["Status"],
		Connected: s.client.IsConnected(),
		Display:   display,
	})
}

// handleStats returns the client statistics.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.client.Stats())
}

// handleAction forwards a raw integration command to the bridge.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "action is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()

	if err := s.client.ProcessAction(ctx, req.Action); err != nil {
		if !errors.Is(err, lutron.ErrNotConnected) {
			s.logger.Warn("action failed", "action", req.Action, "error", err)
		}
		if !writeDomainError(w, err) {
			writeError(w, http.StatusBadGateway, ErrCodeBridge, "bridge write failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"action": req.Action,
	})
}

// handleReconnect asks the watchdog to recycle the bridge connection.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	req := ReconnectRequest{Reason: "api request"}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	if err := s.client.ForceReconnect(req.Reason); err != nil {
		if !writeDomainError(w, err) {
			writeInternalError(w, "reconnect failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

// handleJournal lists session journal entries.
//
// Query parameters: kind, since, until (RFC 3339), limit, offset.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "session journal disabled")
		return
	}

	filter, err := parseJournalFilter(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		if !writeDomainError(w, err) {
			s.logger.Error("listing journal", "error", err)
			writeInternalError(w, "failed to list journal")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// parseJournalFilter reads journal query parameters.
func parseJournalFilter(r *http.Request) (journal.Filter, error) {
	q := r.URL.Query()
	filter := journal.Filter{Kind: q.Get("kind")}

	var err error
	if v := q.Get("since"); v != "" {
		if filter.Since, err = time.Parse(time.RFC3339, v); err != nil {
			return filter, errors.New("since must be an RFC 3339 timestamp")
		}
	}
	if v := q.Get("until"); v != "" {
		if filter.Until, err = time.Parse(time.RFC3339, v); err != nil {
			return filter, errors.New("until must be an RFC 3339 timestamp")
		}
	}
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil || filter.Offset < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
	}

	return filter, nil
}
