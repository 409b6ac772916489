package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"machinewatch/internal/models"
)

// AlertService reads and updates the alert ledger
type AlertService interface {
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error)
	Acknowledge(ctx context.Context, alertID, notes string) (*models.Alert, error)
	Resolve(ctx context.Context, alertID string) (*models.Alert, error)
}

// MachineResolver resolves a machine id or code
type MachineResolver interface {
	Get(ctx context.Context, ref string) (*models.Machine, error)
}

// AlertHandler serves /api/alerts
type AlertHandler struct {
	alerts   AlertService
	machines MachineResolver
}

// NewAlertHandler creates an alert handler
func NewAlertHandler(alerts AlertService, machines MachineResolver) *AlertHandler {
	return &AlertHandler{alerts: alerts, machines: machines}
}

// Routes mounts the alert routes
func (h *AlertHandler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Put("/{id}/acknowledge", h.acknowledge)
	r.Put("/{id}/resolve", h.resolve)
}

func (h *AlertHandler) list(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAlertFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if ref := r.URL.Query().Get("machine_id"); ref != "" {
		m, err := h.machines.Get(r.Context(), ref)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		filter.MachineID = m.ID
	}

	list, err := h.alerts.ListAlerts(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

func parseAlertFilter(r *http.Request) (models.AlertFilter, error) {
	q := r.URL.Query()
	var f models.AlertFilter

	if v := q.Get("type"); v != "" {
		f.Type = models.AlertType(v)
		if !f.Type.IsValid() {
			return f, errors.New("unknown alert type")
		}
	}
	if v := q.Get("severity"); v != "" {
		f.Severity = models.Severity(v)
		if !f.Severity.IsValid() {
			return f, errors.New("unknown severity")
		}
	}

	var err error
	if f.UnacknowledgedOnly, err = boolParam(q.Get("unacknowledged")); err != nil {
		return f, errors.New("unacknowledged must be a boolean")
	}
	if f.UnresolvedOnly, err = boolParam(q.Get("unresolved")); err != nil {
		return f, errors.New("unresolved must be a boolean")
	}

	if v := q.Get("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("since must be an RFC3339 timestamp")
		}
	}

	if f.Limit, err = intParam(q.Get("limit"), models.DefaultAlertLimit, 1000); err != nil {
		return f, err
	}
	return f, nil
}

type acknowledgeRequest struct {
	Notes string `json:"notes"`
}

func (h *AlertHandler) acknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, err := h.alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.Notes); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AlertHandler) resolve(w http.ResponseWriter, r *http.Request) {
	if _, err := h.alerts.Resolve(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func boolParam(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

// intParam parses a positive limit, falling back to def and capping at max
func intParam(v string, def, max int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, max), nil
}
