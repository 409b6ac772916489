// Package alerts holds the pure alerting rules: threshold evaluation of a
// single sample and the rolling statistics behind predictive alerts.
package alerts

import (
	"fmt"
	"math"
	"time"

	"machinewatch/internal/models"
)

// Finding is an alert a rule decided to raise, before it is persisted
type Finding struct {
	Type      models.AlertType
	Severity  models.Severity
	Message   string
	Trigger   *float64
	Threshold *float64
}

// Alert materializes the finding for a machine
func (f Finding) Alert(id, machineID string, at time.Time) *models.Alert {
	return &models.Alert{
		ID:             id,
		MachineID:      machineID,
		Type:           f.Type,
		Severity:       f.Severity,
		Message:        f.Message,
		TriggerValue:   f.Trigger,
		ThresholdValue: f.Threshold,
		CreatedAt:      at.UTC(),
	}
}

// RunCounter returns how many persisted samples of the machine, the current
// one included, have a temperature strictly above threshold.
type RunCounter func(threshold float64) (int, error)

// ThresholdRules evaluates a sample against resolved machine limits
type ThresholdRules struct {
	// WarningRunLength is the number of above-warning samples needed
	// before a warning is raised
	WarningRunLength int
}

// Evaluate applies the rules in precedence order. A critical temperature
// short-circuits every other rule. The warning count is cumulative over the
// machine's history, not a strict run of consecutive samples.
func (r ThresholdRules) Evaluate(s *models.Sample, limits models.Limits, count RunCounter) ([]Finding, error) {
	var findings []Finding

	if t := s.Temperature; t != nil {
		if *t > limits.TemperatureCritical {
			return []Finding{{
				Type:      models.AlertThresholdTemperature,
				Severity:  models.SeverityCritical,
				Message:   fmt.Sprintf("Temperature CRITICAL: %.1f°C exceeds %.1f°C", *t, limits.TemperatureCritical),
				Trigger:   models.Float(*t),
				Threshold: models.Float(limits.TemperatureCritical),
			}}, nil
		}

		if *t > limits.TemperatureWarning {
			n, err := count(limits.TemperatureWarning)
			if err != nil {
				return nil, fmt.Errorf("count warning samples: %w", err)
			}
			if n >= max(r.WarningRunLength, 1) {
				findings = append(findings, Finding{
					Type:      models.AlertThresholdTemperature,
					Severity:  models.SeverityWarning,
					Message:   fmt.Sprintf("Temperature WARNING: %.1f°C exceeds %.1f°C in %d readings", *t, limits.TemperatureWarning, n),
					Trigger:   models.Float(*t),
					Threshold: models.Float(limits.TemperatureWarning),
				})
			}
		}
	}

	if v := s.Vibration; v != nil && *v > limits.VibrationMax {
		findings = append(findings, Finding{
			Type:      models.AlertThresholdVibration,
			Severity:  models.SeverityWarning,
			Message:   fmt.Sprintf("Vibration %.2f mm/s exceeds threshold %.2f mm/s", *v, limits.VibrationMax),
			Trigger:   models.Float(*v),
			Threshold: models.Float(limits.VibrationMax),
		})
	}

	return findings, nil
}

// DeriveStatus maps raised findings to the machine status
func DeriveStatus(findings []Finding) models.Status {
	status := models.StatusOnline
	for _, f := range findings {
		switch f.Severity {
		case models.SeverityCritical:
			return models.StatusCritical
		case models.SeverityWarning:
			status = models.StatusWarning
		}
	}
	return status
}

// Stats returns the mean and population standard deviation of values
func Stats(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// Anomaly describes a latest reading outside the rolling band
type Anomaly struct {
	Value     float64
	Mean      float64
	StdDev    float64
	Threshold float64
	Samples   int
}

// Detector flags the newest value of a window when it exceeds mean + k·σ
type Detector struct {
	MinSamples int
	Sigma      float64
}

// Detect examines window, ordered oldest to newest. It reports false when
// the window is too short, flat, or the newest value is within the band.
func (d Detector) Detect(window []float64) (Anomaly, bool) {
	if len(window) < d.MinSamples || len(window) == 0 {
		return Anomaly{}, false
	}

	mean, stddev := Stats(window)
	if stddev <= 0 {
		return Anomaly{}, false
	}

	latest := window[len(window)-1]
	threshold := mean + d.Sigma*stddev
	if latest <= threshold {
		return Anomaly{}, false
	}

	return Anomaly{
		Value:     latest,
		Mean:      mean,
		StdDev:    stddev,
		Threshold: threshold,
		Samples:   len(window),
	}, true
}

// Finding converts the anomaly into a predictive alert finding
func (a Anomaly) Finding() Finding {
	return Finding{
		Type:      models.AlertPredictiveAnomaly,
		Severity:  models.SeverityWarning,
		Message:   fmt.Sprintf("Predictive anomaly: Temperature %.1f°C deviates significantly (avg %.1f°C, std %.1f)", a.Value, a.Mean, a.StdDev),
		Trigger:   models.Float(a.Value),
		Threshold: models.Float(a.Threshold),
	}
}

// OfflineFinding is raised when a machine has been silent past the timeout
func OfflineFinding(code string, lastTelemetryAt *time.Time) Finding {
	since := "never"
	if lastTelemetryAt != nil {
		since = lastTelemetryAt.UTC().Format(time.RFC3339)
	}
	return Finding{
		Type:     models.AlertMachineOffline,
		Severity: models.SeverityWarning,
		Message:  fmt.Sprintf("Machine %s is offline (no telemetry since %s)", code, since),
	}
}

// OnlineFinding is raised when an offline machine reports again
func OnlineFinding(code string) Finding {
	return Finding{
		Type:     models.AlertMachineOnline,
		Severity: models.SeverityInfo,
		Message:  fmt.Sprintf("Machine %s is back online", code),
	}
}
