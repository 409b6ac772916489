package models

import (
	"time"
)

// AlertEvent wraps a committed Alert with dispatch metadata
type AlertEvent struct {
	// Committed alert
	Alert *Alert `json:"alert"`

	MachineCode  string    `json:"machine_code"`
	Source       string    `json:"source"` // component that raised the alert
	PublishedAt  time.Time `json:"published_at"`
	RetryCount   int       `json:"retry_count"`
	PartitionKey string    `json:"partition_key"`
}

// NewAlertEvent creates a new event for a committed alert
func NewAlertEvent(alert *Alert, machineCode, source string) *AlertEvent {
	return &AlertEvent{
		Alert:        alert,
		MachineCode:  machineCode,
		Source:       source,
		PublishedAt:  time.Now().UTC(),
		RetryCount:   0,
		PartitionKey: alert.MachineID, // partition by machine for ordering
	}
}
