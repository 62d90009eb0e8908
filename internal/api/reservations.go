package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/VenkatGGG/holdkeeper/internal/reservation"
	"github.com/VenkatGGG/holdkeeper/pkg/httpx"
)

type createReservationRequest struct {
	GroupID      string     `json:"group_id"`
	Subcategory  string     `json:"subcategory"`
	Quantity     int        `json:"quantity"`
	Requester    string     `json:"requester"`
	RatePerCycle *int64     `json:"rate_per_cycle,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type commandRequest struct {
	Command string `json:"command"`
}

type commitResultRequest struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleReservations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listReservations(w, r)
	case http.MethodPost:
		if s.handleIdempotentRequest(w, r, "reservations:create", s.createReservation) {
			return
		}
		s.createReservation(w, r)
	default:
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleReservationByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/reservations/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_reservation_id", "reservation id is required")
		return
	}
	id := strings.TrimSpace(parts[0])

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		found, err := s.reservations.GetReservation(r.Context(), id)
		if err != nil {
			writeReservationError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, found)
		return
	}

	if len(parts) == 2 && r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	switch {
	case len(parts) == 2 && parts[1] == "commands":
		s.submitCommand(w, r, id)
	case len(parts) == 2 && parts[1] == "commit-result":
		s.resolveCommit(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) createReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	rate := s.cfg.DefaultRatePerCycle
	if req.RatePerCycle != nil {
		rate = *req.RatePerCycle
	}
	input := reservation.CreateInput{
		Target: reservation.Descriptor{
			GroupID:     strings.TrimSpace(req.GroupID),
			Subcategory: strings.TrimSpace(req.Subcategory),
			Quantity:    req.Quantity,
		},
		Requester:    strings.TrimSpace(req.Requester),
		RatePerCycle: rate,
	}
	if req.ExpiresAt != nil {
		input.ExpiresAt = req.ExpiresAt.UTC()
	}

	created, err := s.reservations.CreateReservation(r.Context(), input)
	if err != nil {
		if errors.Is(err, reservation.ErrRequesterBusy) {
			httpx.WriteError(w, http.StatusConflict, "requester_busy", err.Error())
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, "create_failed", err.Error())
		return
	}
	s.logger.Printf("reservation created: reservation_id=%s group=%s quantity=%d requester=%s", created.ID, created.Target.GroupID, created.Target.Quantity, created.Requester)
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) listReservations(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	if raw == "" {
		items, err := s.reservations.ListActive(r.Context())
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "list_failed", err.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"reservations": items})
		return
	}

	statuses := make([]reservation.Status, 0)
	for _, value := range strings.Split(raw, ",") {
		if strings.TrimSpace(value) == "all" {
			statuses = nil
			break
		}
		status, err := reservation.ParseStatus(value)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}
		statuses = append(statuses, status)
	}
	items, err := s.reservations.List(r.Context(), statuses...)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"reservations": items})
}

func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request, id string) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	cmd, err := reservation.ParseCommand(req.Command)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_command", err.Error())
		return
	}
	if _, err := s.reservations.SubmitCommand(r.Context(), id, cmd); err != nil {
		writeReservationError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"id": id, "command": string(cmd)})
}

func (s *Server) resolveCommit(w http.ResponseWriter, r *http.Request, id string) {
	var req commitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	if !s.reservations.ResolveCommit(id, req.OK, req.Reason) {
		httpx.WriteError(w, http.StatusConflict, "not_committing", "reservation is not waiting for a purchase outcome")
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"id": id, "ok": req.OK})
}

func writeReservationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reservation.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, reservation.ErrTerminal):
		httpx.WriteError(w, http.StatusConflict, "terminal", err.Error())
	case errors.Is(err, reservation.ErrCommitting):
		httpx.WriteError(w, http.StatusConflict, "committing", err.Error())
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
