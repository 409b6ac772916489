package storage

import (
	"context"
	"errors"
	"time"

	"machinewatch/internal/models"
)

var (
	// ErrMachineNotFound is returned when no live machine matches the reference
	ErrMachineNotFound = errors.New("machine not found")
	// ErrAlertNotFound is returned when no alert matches the id
	ErrAlertNotFound = errors.New("alert not found")
	// ErrDuplicateCode is returned when registering a code already in use
	ErrDuplicateCode = errors.New("machine code already registered")
	// ErrVersionConflict is returned when the machine row changed since it was read
	ErrVersionConflict = errors.New("machine version conflict")
	// ErrTransient marks contention or connectivity failures worth retrying
	ErrTransient = errors.New("transient store error")
)

// IsRetryable reports whether a failed transaction may be run again
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrTransient)
}

// MachineFilter narrows registry listings
type MachineFilter struct {
	Status        models.Status
	MonitoredOnly bool
	Limit         int
	Offset        int
}

// MachineRegistry reads machine records. A ref is either the machine id or
// its code. Soft-deleted machines are never returned.
type MachineRegistry interface {
	GetMachine(ctx context.Context, ref string) (*models.Machine, error)
	ListMachines(ctx context.Context, filter MachineFilter) ([]*models.Machine, error)
}

// TelemetryStore reads samples, newest first
type TelemetryStore interface {
	RecentSamples(ctx context.Context, machineID string, limit int) ([]*models.Sample, error)
	// RecentTemperatures returns up to limit temperature readings ordered
	// oldest to newest, skipping samples without temperature.
	RecentTemperatures(ctx context.Context, machineID string, limit int) ([]float64, error)
	SamplesBetween(ctx context.Context, machineID string, from, to time.Time) ([]*models.Sample, error)
}

// AlertLedger reads alerts, newest first
type AlertLedger interface {
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error)
}

// Tx is a unit of work. Writes become visible only when the enclosing InTx
// callback returns nil.
type Tx interface {
	GetMachine(ctx context.Context, ref string) (*models.Machine, error)

	CreateMachine(ctx context.Context, m *models.Machine) error
	// UpdateMachine writes every mutable field of m if the stored version
	// still equals m.Version, then bumps m.Version.
	UpdateMachine(ctx context.Context, m *models.Machine) error
	// UpdateMachineState writes only status and last telemetry under the
	// same version check. It returns the new version.
	UpdateMachineState(ctx context.Context, id string, expectedVersion int64, status models.Status, lastTelemetryAt *time.Time, now time.Time) (int64, error)

	InsertSample(ctx context.Context, s *models.Sample) error
	// CountTemperatureAbove counts the machine's samples, including ones
	// written in this transaction, with temperature strictly above threshold.
	CountTemperatureAbove(ctx context.Context, machineID string, threshold float64) (int, error)

	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	InsertAlert(ctx context.Context, a *models.Alert) error
	UpdateAlert(ctx context.Context, a *models.Alert) error
	// LatestAlert returns the newest alert of the type, or nil when none
	LatestAlert(ctx context.Context, machineID string, alertType models.AlertType, unresolvedOnly bool) (*models.Alert, error)
	// ResolveAlerts marks every unresolved alert of the type resolved
	ResolveAlerts(ctx context.Context, machineID string, alertType models.AlertType, at time.Time) (int, error)
}

// Store is the transactional store shared by the engine components
type Store interface {
	MachineRegistry
	TelemetryStore
	AlertLedger

	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
