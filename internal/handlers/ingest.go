package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"machinewatch/internal/ingest"
	"machinewatch/internal/metrics"
	"machinewatch/internal/models"
)

// Ingester commits one telemetry sample
type Ingester interface {
	Ingest(ctx context.Context, in models.SampleInput, source string) (*ingest.Result, error)
}

// IngestHandler handles telemetry ingestion via HTTP
type IngestHandler struct {
	ingester Ingester

	// Max body size (default 10MB)
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Ingester    Ingester
	MaxBodySize int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}

	return &IngestHandler{
		ingester:    cfg.Ingester,
		maxBodySize: maxBodySize,
	}
}

// IngestRequest is the batch envelope. A bare sample object or a JSON
// array of samples is accepted too.
type IngestRequest struct {
	Sample  *models.SampleInput  `json:"sample,omitempty"`
	Samples []models.SampleInput `json:"samples,omitempty"`
}

// IngestResponse is returned for batch requests
type IngestResponse struct {
	Success  bool             `json:"success"`
	Accepted int              `json:"accepted"`
	Rejected int              `json:"rejected"`
	Results  []*ingest.Result `json:"results"`
	Errors   []IngestError    `json:"errors,omitempty"`
}

// IngestError describes why one sample of a batch was rejected
type IngestError struct {
	Index     int    `json:"index"`
	MachineID string `json:"machine_id,omitempty"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "" {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	samples, batch, err := parseBody(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(samples) == 0 {
		writeError(w, http.StatusBadRequest, "no samples provided")
		return
	}
	metrics.IngestBatchSize.Observe(float64(len(samples)))

	if !batch {
		res, err := h.ingester.Ingest(r.Context(), samples[0], "http")
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	response := h.processSamples(r.Context(), samples)
	status := http.StatusOK
	if response.Rejected > 0 && response.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, response)
}

// parseBody returns the samples in body and whether the body was a batch
func parseBody(body []byte) ([]models.SampleInput, bool, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, false, errors.New("empty body")
	}

	if body[0] == '[' {
		var samples []models.SampleInput
		if err := json.Unmarshal(body, &samples); err != nil {
			return nil, false, fmt.Errorf("invalid JSON format: %w", err)
		}
		return samples, true, nil
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, false, fmt.Errorf("invalid JSON format: expected sample object or array of samples")
	}
	if req.Samples != nil {
		return req.Samples, true, nil
	}
	if req.Sample != nil {
		return []models.SampleInput{*req.Sample}, false, nil
	}

	var single models.SampleInput
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, false, fmt.Errorf("invalid JSON format: %w", err)
	}
	return []models.SampleInput{single}, false, nil
}

// processSamples ingests each sample independently; one rejection does not
// affect the others.
func (h *IngestHandler) processSamples(ctx context.Context, samples []models.SampleInput) IngestResponse {
	response := IngestResponse{
		Results: make([]*ingest.Result, 0, len(samples)),
	}

	for i, in := range samples {
		res, err := h.ingester.Ingest(ctx, in, "http")
		if err != nil {
			response.Errors = append(response.Errors, IngestError{
				Index:     i,
				MachineID: in.MachineID,
				Status:    statusFor(err),
				Error:     err.Error(),
			})
			response.Rejected++
			continue
		}
		response.Results = append(response.Results, res)
		response.Accepted++
	}

	response.Success = response.Rejected == 0
	return response
}
