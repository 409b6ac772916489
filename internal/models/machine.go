package models

import (
	"errors"
	"strings"
	"time"
)

// Status represents the operational status of a machine
type Status string

const (
	StatusOffline     Status = "offline"
	StatusOnline      Status = "online"
	StatusWarning     Status = "warning"
	StatusCritical    Status = "critical"
	StatusMaintenance Status = "maintenance"
)

// IsValid checks if the status is one of the known values
func (s Status) IsValid() bool {
	switch s {
	case StatusOffline, StatusOnline, StatusWarning, StatusCritical, StatusMaintenance:
		return true
	default:
		return false
	}
}

// MachineType is the category of a machine
type MachineType string

const (
	MachineCNC           MachineType = "cnc"
	MachineRobot         MachineType = "robot"
	MachineConveyor      MachineType = "conveyor"
	MachinePress         MachineType = "press"
	MachinePump          MachineType = "pump"
	MachineCompressor    MachineType = "compressor"
	MachineMotor         MachineType = "motor"
	MachineGenerator     MachineType = "generator"
	MachineHeatExchanger MachineType = "heat_exchanger"
	MachineWelder        MachineType = "welder"
	MachineOther         MachineType = "other"
)

// IsValid checks if the machine type is known
func (t MachineType) IsValid() bool {
	switch t {
	case MachineCNC, MachineRobot, MachineConveyor, MachinePress, MachinePump,
		MachineCompressor, MachineMotor, MachineGenerator, MachineHeatExchanger,
		MachineWelder, MachineOther:
		return true
	default:
		return false
	}
}

// Thresholds holds per-machine operating limits. A nil field falls back to the
// engine-wide default when the machine is evaluated.
type Thresholds struct {
	TemperatureWarning  *float64 `json:"temperature_warning,omitempty" yaml:"temperature_warning,omitempty"`
	TemperatureCritical *float64 `json:"temperature_critical,omitempty" yaml:"temperature_critical,omitempty"`
	VibrationMax        *float64 `json:"vibration_max,omitempty" yaml:"vibration_max,omitempty"`
}

// Limits are thresholds with every value resolved
type Limits struct {
	TemperatureWarning  float64 `json:"temperature_warning"`
	TemperatureCritical float64 `json:"temperature_critical"`
	VibrationMax        float64 `json:"vibration_max"`
}

// Resolve fills unset thresholds from defaults
func (t Thresholds) Resolve(defaults Limits) Limits {
	l := defaults
	if t.TemperatureWarning != nil {
		l.TemperatureWarning = *t.TemperatureWarning
	}
	if t.TemperatureCritical != nil {
		l.TemperatureCritical = *t.TemperatureCritical
	}
	if t.VibrationMax != nil {
		l.VibrationMax = *t.VibrationMax
	}
	return l
}

// Machine is an industrial machine known to the registry
type Machine struct {
	ID          string      `json:"id"`
	Code        string      `json:"code"`
	Name        string      `json:"name"`
	Type        MachineType `json:"type"`
	Location    string      `json:"location"`
	Description string      `json:"description,omitempty"`

	Thresholds Thresholds `json:"thresholds"`
	Monitored  bool       `json:"monitored"`

	Status          Status     `json:"status"`
	LastTelemetryAt *time.Time `json:"last_telemetry_at,omitempty"`

	// Version is bumped on every committed update and is the
	// optimistic-concurrency token for the row.
	Version int64 `json:"version"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"-"`
}

// Registration errors
var (
	ErrEmptyMachineCode   = validationError("machine code cannot be empty")
	ErrMachineCodeTooLong = validationError("machine code exceeds maximum length")
	ErrEmptyMachineName   = validationError("machine name cannot be empty")
	ErrInvalidMachineType = validationError("invalid machine type")
	ErrWarningOutOfRange  = validationError("temperature warning threshold out of range")
	ErrNegativeVibration  = validationError("vibration threshold cannot be negative")

	// ErrInvalidThresholds is a configuration error: critical must be above warning.
	ErrInvalidThresholds = errors.New("critical threshold must be greater than warning threshold")
)

const (
	MaxMachineCodeLength = 50
	MinWarningThreshold  = -50.0
	MaxWarningThreshold  = 200.0
)

// Normalize trims identity fields and upper-cases the machine code
func (m *Machine) Normalize() {
	m.Code = NormalizeCode(m.Code)
	m.Name = strings.TrimSpace(m.Name)
	m.Location = strings.TrimSpace(m.Location)
	m.Description = strings.TrimSpace(m.Description)
	m.Type = MachineType(strings.ToLower(strings.TrimSpace(string(m.Type))))
	if m.Type == "" {
		m.Type = MachineOther
	}
}

// Validate checks the machine against the registration rules using the
// given defaults to resolve unset thresholds.
func (m *Machine) Validate(defaults Limits) error {
	if m.Code == "" {
		return ErrEmptyMachineCode
	}
	if len(m.Code) > MaxMachineCodeLength {
		return ErrMachineCodeTooLong
	}
	if m.Name == "" {
		return ErrEmptyMachineName
	}
	if !m.Type.IsValid() {
		return ErrInvalidMachineType
	}

	l := m.Thresholds.Resolve(defaults)
	if l.TemperatureWarning < MinWarningThreshold || l.TemperatureWarning > MaxWarningThreshold {
		return ErrWarningOutOfRange
	}
	if l.TemperatureCritical <= l.TemperatureWarning {
		return ErrInvalidThresholds
	}
	if l.VibrationMax < 0 {
		return ErrNegativeVibration
	}
	return nil
}

// NormalizeCode canonicalizes a machine code for lookup
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Clone returns a deep copy of the machine
func (m *Machine) Clone() *Machine {
	c := *m
	c.Thresholds = Thresholds{
		TemperatureWarning:  cloneFloat(m.Thresholds.TemperatureWarning),
		TemperatureCritical: cloneFloat(m.Thresholds.TemperatureCritical),
		VibrationMax:        cloneFloat(m.Thresholds.VibrationMax),
	}
	c.LastTelemetryAt = cloneTime(m.LastTelemetryAt)
	c.DeletedAt = cloneTime(m.DeletedAt)
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Float returns a pointer to v
func Float(v float64) *float64 { return &v }
