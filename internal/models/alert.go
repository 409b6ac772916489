package models

import (
	"time"
)

// AlertType identifies the rule that produced an alert
type AlertType string

const (
	AlertThresholdTemperature AlertType = "threshold-temperature"
	AlertThresholdVibration   AlertType = "threshold-vibration"
	AlertPredictiveAnomaly    AlertType = "predictive-anomaly"
	AlertMachineOffline       AlertType = "machine-offline"
	AlertMachineOnline        AlertType = "machine-online"
)

// IsValid checks if the alert type is known
func (t AlertType) IsValid() bool {
	switch t {
	case AlertThresholdTemperature, AlertThresholdVibration, AlertPredictiveAnomaly,
		AlertMachineOffline, AlertMachineOnline:
		return true
	default:
		return false
	}
}

// Severity represents alert severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity level is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

// Alert is an append-only ledger record. Only the acknowledgement and
// resolution fields change after creation.
type Alert struct {
	ID        string    `json:"id"`
	MachineID string    `json:"machine_id"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`

	TriggerValue   *float64 `json:"trigger_value,omitempty"`
	ThresholdValue *float64 `json:"threshold_value,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	Acknowledged         bool       `json:"acknowledged"`
	AcknowledgedAt       *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgementNotes string     `json:"acknowledgement_notes,omitempty"`

	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Clone returns a copy of the alert
func (a *Alert) Clone() *Alert {
	c := *a
	c.TriggerValue = cloneFloat(a.TriggerValue)
	c.ThresholdValue = cloneFloat(a.ThresholdValue)
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	c.ResolvedAt = cloneTime(a.ResolvedAt)
	return &c
}

// AlertFilter narrows ledger listings
type AlertFilter struct {
	MachineID          string
	Type               AlertType
	Severity           Severity
	UnacknowledgedOnly bool
	UnresolvedOnly     bool
	Since              time.Time
	Limit              int
}

// DefaultAlertLimit caps list results when no limit is given
const DefaultAlertLimit = 200

// Matches reports whether the alert passes the filter, ignoring Limit
func (f AlertFilter) Matches(a *Alert) bool {
	if f.MachineID != "" && a.MachineID != f.MachineID {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.UnacknowledgedOnly && a.Acknowledged {
		return false
	}
	if f.UnresolvedOnly && a.Resolved {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
