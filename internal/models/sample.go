package models

import (
	"time"
)

// Sample is a single telemetry reading from a machine. Samples are immutable
// once written.
type Sample struct {
	ID        string    `json:"id"`
	MachineID string    `json:"machine_id"`
	Timestamp time.Time `json:"timestamp"`

	Temperature *float64 `json:"temperature,omitempty"`
	Vibration   *float64 `json:"vibration,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Current     *float64 `json:"current,omitempty"`
	RPM         *float64 `json:"rpm,omitempty"`
	Power       *float64 `json:"power,omitempty"`

	// Quality of the reading, 0-100 with 100 the best
	Quality  *int              `json:"quality,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// SampleInput is the wire format of an ingested reading. MachineID accepts
// either the machine code or its id.
type SampleInput struct {
	MachineID string `json:"machine_id"`
	Timestamp string `json:"timestamp"` // String for flexible parsing

	Temperature *float64 `json:"temperature,omitempty"`
	Vibration   *float64 `json:"vibration,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Current     *float64 `json:"current,omitempty"`
	RPM         *float64 `json:"rpm,omitempty"`
	Power       *float64 `json:"power,omitempty"`

	Quality  *int              `json:"quality,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validation errors
var (
	ErrEmptyMachineRef        = validationError("machine identifier cannot be empty")
	ErrZeroTimestamp          = validationError("timestamp cannot be zero")
	ErrInvalidTimestamp       = validationError("invalid timestamp format")
	ErrFutureTimestamp        = validationError("timestamp cannot be in the future")
	ErrTemperatureOutOfRange  = validationError("temperature out of range")
	ErrNegativeVibrationValue = validationError("vibration cannot be negative")
	ErrNegativePressure       = validationError("pressure cannot be negative")
	ErrQualityOutOfRange      = validationError("quality must be between 0 and 100")
	ErrTooManyMetadata        = validationError("too many metadata keys")
	ErrNoReadings             = validationError("sample carries no readings")
)

const (
	MinTemperature  = -1000.0
	MaxTemperature  = 2000.0
	MaxMetadataKeys = 50
)

// ToSample parses and validates the input. The returned sample has no ID or
// machine reference yet; those are assigned once the machine is resolved.
func (in *SampleInput) ToSample(now time.Time, maxSkew time.Duration) (*Sample, error) {
	if in.MachineID == "" {
		return nil, ErrEmptyMachineRef
	}

	ts, err := ParseTimestamp(in.Timestamp)
	if err != nil {
		return nil, err
	}

	s := &Sample{
		Timestamp:   ts,
		Temperature: in.Temperature,
		Vibration:   in.Vibration,
		Pressure:    in.Pressure,
		Humidity:    in.Humidity,
		Current:     in.Current,
		RPM:         in.RPM,
		Power:       in.Power,
		Quality:     in.Quality,
		Metadata:    in.Metadata,
		ReceivedAt:  now.UTC(),
	}

	if err := s.Validate(now, maxSkew); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the reading ranges and the timestamp
func (s *Sample) Validate(now time.Time, maxSkew time.Duration) error {
	if s.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}

	if maxSkew > 0 && s.Timestamp.After(now.Add(maxSkew)) {
		return ErrFutureTimestamp
	}

	if !s.hasReadings() {
		return ErrNoReadings
	}

	if s.Temperature != nil && (*s.Temperature < MinTemperature || *s.Temperature > MaxTemperature) {
		return ErrTemperatureOutOfRange
	}

	if s.Vibration != nil && *s.Vibration < 0 {
		return ErrNegativeVibrationValue
	}

	if s.Pressure != nil && *s.Pressure < 0 {
		return ErrNegativePressure
	}

	if s.Quality != nil && (*s.Quality < 0 || *s.Quality > 100) {
		return ErrQualityOutOfRange
	}

	if len(s.Metadata) > MaxMetadataKeys {
		return ErrTooManyMetadata
	}

	return nil
}

func (s *Sample) hasReadings() bool {
	return s.Temperature != nil || s.Vibration != nil || s.Pressure != nil ||
		s.Humidity != nil || s.Current != nil || s.RPM != nil || s.Power != nil
}

// Summary is the persisted-sample projection returned to ingest callers
type Summary struct {
	ID          string    `json:"id"`
	MachineID   string    `json:"machine_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature *float64  `json:"temperature,omitempty"`
	Vibration   *float64  `json:"vibration,omitempty"`
	Pressure    *float64  `json:"pressure,omitempty"`
}

// Summarize returns the sample summary
func (s *Sample) Summarize() Summary {
	return Summary{
		ID:          s.ID,
		MachineID:   s.MachineID,
		Timestamp:   s.Timestamp,
		Temperature: s.Temperature,
		Vibration:   s.Vibration,
		Pressure:    s.Pressure,
	}
}
