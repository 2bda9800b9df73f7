package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/inletmail/inletmail/internal/confirm"
	"github.com/inletmail/inletmail/internal/store"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ingressResponse is the ingress route's success envelope.
type ingressResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ID          int64  `json:"id,omitempty"`
	Attachments int    `json:"attachments,omitempty"`
}

// inboundView is the JSON shape for inbound email rows.
type inboundView struct {
	ID          int64  `json:"id"`
	MessageID   string `json:"messageId"`
	ObjectKey   string `json:"objectKey,omitempty"`
	From        string `json:"from"`
	To          string `json:"to"`
	Subject     string `json:"subject"`
	BodyText    string `json:"bodyText,omitempty"`
	BodyHTML    string `json:"bodyHtml,omitempty"`
	Attachments any    `json:"attachments,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	ReceivedAt  string `json:"receivedAt"`
	ProcessedAt string `json:"processedAt,omitempty"`
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

func viewOf(e *store.InboundEmail, withBody bool) inboundView {
	v := inboundView{
		ID:         e.ID,
		MessageID:  e.MessageID,
		ObjectKey:  e.ObjectKey,
		From:       e.From,
		To:         e.To,
		Subject:    e.Subject,
		Status:     e.Status,
		Error:      e.Error,
		ReceivedAt: e.ReceivedAt.UTC().Format(timeFormat),
	}
	if e.ProcessedAt.Valid {
		v.ProcessedAt = e.ProcessedAt.Time.UTC().Format(timeFormat)
	}
	if withBody {
		v.BodyText = e.BodyText
		v.BodyHTML = e.BodyHTML
		if len(e.Attachments) > 0 {
			v.Attachments = e.Attachments
		}
	}
	return v
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// handleListInbound returns inbound email summaries for polling clients.
func (s *Server) handleListInbound(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{
		ToFilter: q.Get("toFilter"),
		Status:   q.Get("status"),
		ListOnly: isTruthy(q.Get("listOnly")),
	}
	if v := q.Get("excludeTo"); v != "" {
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				opts.ExcludeTo = append(opts.ExcludeTo, addr)
			}
		}
	}
	opts.Limit, _ = strconv.Atoi(q.Get("limit"))
	if opts.Limit < 1 || opts.Limit > 200 {
		opts.Limit = 50
	}
	opts.Offset, _ = strconv.Atoi(q.Get("offset"))

	emails, err := s.store.ListInbound(opts)
	if err != nil {
		s.logger.Error("list inbound failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list inbound emails")
		return
	}

	views := make([]inboundView, len(emails))
	for i := range emails {
		views[i] = viewOf(&emails[i], !opts.ListOnly)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    views,
		"count":   len(views),
	})
}

// handleGetInbound returns one inbound email with body and attachments.
func (s *Server) handleGetInbound(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "Inbound email ID must be a number")
		return
	}

	email, err := s.store.GetInbound(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Inbound email not found")
		return
	}
	if err != nil {
		s.logger.Error("get inbound failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve inbound email")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    viewOf(email, true),
	})
}

// handleListUndelivered returns delivery rows still waiting for end-to-end
// confirmation.
func (s *Server) handleListUndelivered(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	deliveries, err := s.store.ListUndelivered(limit)
	if err != nil {
		s.logger.Error("list undelivered failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list undelivered rows")
		return
	}

	type deliveryView struct {
		UUID           string `json:"uuid"`
		InboundEmailID int64  `json:"inboundEmailId"`
		SubscriptionID int64  `json:"subscriptionId"`
		Status         string `json:"status"`
		HTTPStatus     int    `json:"httpStatus"`
		CreatedAt      string `json:"createdAt"`
	}
	views := make([]deliveryView, len(deliveries))
	for i, d := range deliveries {
		views[i] = deliveryView{
			UUID:           d.UUID,
			InboundEmailID: d.InboundEmailID,
			SubscriptionID: d.SubscriptionID,
			Status:         d.Status,
			HTTPStatus:     d.HTTPStatus,
			CreatedAt:      d.CreatedAt.UTC().Format(timeFormat),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": views})
}

// handleUnprocessedKeys returns the object-store keys not yet in the
// database.
func (s *Server) handleUnprocessedKeys(w http.ResponseWriter, r *http.Request) {
	if s.differ == nil {
		writeError(w, http.StatusServiceUnavailable, "catchup_disabled", "Catch-up scheduler is disabled")
		return
	}
	maxKeys, _ := strconv.Atoi(r.URL.Query().Get("maxKeys"))

	keys, err := s.differ.UnprocessedKeys(r.Context(), maxKeys)
	if err != nil {
		s.logger.Error("unprocessed keys diff failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to diff object store")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": keys})
}

// handleReparse re-runs the parser against a stored row. No fan-out.
func (s *Server) handleReparse(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "Inbound email ID must be a number")
		return
	}

	res, err := s.ingestor.ReprocessInbound(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Inbound email not found")
		return
	}
	if err != nil {
		s.logger.Error("reparse failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "reparse_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ingressResponse{
		Success:     true,
		Message:     "reparsed",
		ID:          res.ID,
		Attachments: res.Attachments,
	})
}

// confirmError maps confirmation failures to HTTP statuses.
func (s *Server) confirmError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "No delivery row for that id")
	case errors.Is(err, confirm.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case errors.Is(err, confirm.ErrDowngrade):
		writeError(w, http.StatusConflict, "already_delivered", err.Error())
	default:
		s.logger.Error("confirmation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to record confirmation")
	}
}

func isTruthy(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}
