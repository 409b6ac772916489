package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"machinewatch/internal/models"
	"machinewatch/internal/registry"
	"machinewatch/internal/storage"
)

// Registry administers machines
type Registry interface {
	Register(ctx context.Context, in registry.MachineInput) (*models.Machine, error)
	Get(ctx context.Context, ref string) (*models.Machine, error)
	List(ctx context.Context, filter storage.MachineFilter) ([]*models.Machine, error)
	Update(ctx context.Context, ref string, in registry.MachineInput) (*models.Machine, error)
	SetMaintenance(ctx context.Context, ref string, on bool) (*models.Machine, error)
	SetMonitored(ctx context.Context, ref string, monitored bool) (*models.Machine, error)
	Delete(ctx context.Context, ref string) error
}

// SampleReader returns a machine's samples, newest or by time range
type SampleReader interface {
	RecentSamples(ctx context.Context, ref string, limit int) ([]*models.Sample, error)
	SamplesBetween(ctx context.Context, ref string, from, to time.Time) ([]*models.Sample, error)
}

// MachineHandler serves /api/machines
type MachineHandler struct {
	registry Registry
	samples  SampleReader
}

// NewMachineHandler creates a machine handler
func NewMachineHandler(reg Registry, samples SampleReader) *MachineHandler {
	return &MachineHandler{registry: reg, samples: samples}
}

// Routes mounts the machine routes
func (h *MachineHandler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Put("/", h.update)
		r.Delete("/", h.delete)
		r.Put("/maintenance", h.maintenance)
		r.Put("/monitoring", h.monitoring)
		r.Get("/telemetry", h.telemetry)
	})
}

func (h *MachineHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.MachineFilter{Status: models.Status(q.Get("status"))}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	var err error
	if filter.MonitoredOnly, err = boolParam(q.Get("monitored")); err != nil {
		writeError(w, http.StatusBadRequest, "monitored must be a boolean")
		return
	}
	if filter.Limit, err = intParam(q.Get("limit"), 0, 1000); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil || filter.Offset < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
	}

	list, err := h.registry.List(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Machine{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *MachineHandler) create(w http.ResponseWriter, r *http.Request) {
	var in registry.MachineInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	m, err := h.registry.Register(r.Context(), in)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/machines/"+m.ID)
	writeJSON(w, http.StatusCreated, m)
}

func (h *MachineHandler) get(w http.ResponseWriter, r *http.Request) {
	m, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MachineHandler) update(w http.ResponseWriter, r *http.Request) {
	var in registry.MachineInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	m, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MachineHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func decodeToggle(r *http.Request) (bool, error) {
	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil {
		return false, errors.New("invalid JSON body")
	}
	if req.Enabled == nil {
		return false, errors.New("enabled is required")
	}
	return *req.Enabled, nil
}

func (h *MachineHandler) maintenance(w http.ResponseWriter, r *http.Request) {
	on, err := decodeToggle(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.registry.SetMaintenance(r.Context(), chi.URLParam(r, "id"), on)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MachineHandler) monitoring(w http.ResponseWriter, r *http.Request) {
	on, err := decodeToggle(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.registry.SetMonitored(r.Context(), chi.URLParam(r, "id"), on)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MachineHandler) telemetry(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 100, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	from, to, ranged, err := timeRange(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var samples []*models.Sample
	if ranged {
		samples, err = h.samples.SamplesBetween(r.Context(), chi.URLParam(r, "id"), from, to)
		if len(samples) > limit {
			samples = samples[:limit]
		}
	} else {
		samples, err = h.samples.RecentSamples(r.Context(), chi.URLParam(r, "id"), limit)
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if samples == nil {
		samples = []*models.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

var openRangeEnd = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// timeRange parses from and to. Either may be omitted; an open end is
// unbounded. ranged reports whether either was given.
func timeRange(q url.Values) (from, to time.Time, ranged bool, err error) {
	to = openRangeEnd
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, false, errors.New("from must be an RFC3339 timestamp")
		}
		ranged = true
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, false, errors.New("to must be an RFC3339 timestamp")
		}
		ranged = true
	}
	if ranged && !to.After(from) {
		return from, to, false, errors.New("to must be after from")
	}
	return from, to, ranged, nil
}
