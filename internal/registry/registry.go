// Package registry implements the machine administration operations that
// sit beside the engine: registration, threshold edits, maintenance and
// monitoring toggles and soft deletion.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"machinewatch/internal/logger"
	"machinewatch/internal/models"
	"machinewatch/internal/storage"
)

// ErrStaleVersion is returned when an update names a version that is no
// longer current. Unlike storage.ErrVersionConflict it is not retried.
var ErrStaleVersion = errors.New("stale machine version")

// MachineInput is the editable part of a machine
type MachineInput struct {
	Code        string             `json:"code" yaml:"code"`
	Name        string             `json:"name" yaml:"name"`
	Type        models.MachineType `json:"type" yaml:"type"`
	Location    string             `json:"location" yaml:"location"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Thresholds  models.Thresholds  `json:"thresholds" yaml:"thresholds"`
	// Monitored defaults to true on registration
	Monitored *bool `json:"monitored,omitempty" yaml:"monitored,omitempty"`
	// Version, when set on update, must match the stored version
	Version int64 `json:"version,omitempty" yaml:"-"`
}

// Service applies registry operations through versioned transactions
type Service struct {
	store    storage.Store
	defaults models.Limits
	retry    storage.RetryPolicy
	now      func() time.Time
}

// New creates a registry service. defaults resolve unset thresholds when
// validating.
func New(store storage.Store, defaults models.Limits, retry storage.RetryPolicy) *Service {
	if retry.MaxAttempts <= 0 {
		retry = storage.DefaultRetryPolicy
	}
	return &Service{store: store, defaults: defaults, retry: retry, now: time.Now}
}

// Register validates and stores a new machine. New machines start Offline
// until their first sample arrives.
func (s *Service) Register(ctx context.Context, in MachineInput) (*models.Machine, error) {
	now := s.now().UTC()
	m := &models.Machine{
		ID:          uuid.NewString(),
		Code:        in.Code,
		Name:        in.Name,
		Type:        in.Type,
		Location:    in.Location,
		Description: in.Description,
		Thresholds:  in.Thresholds,
		Monitored:   in.Monitored == nil || *in.Monitored,
		Status:      models.StatusOffline,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.Normalize()
	if err := m.Validate(s.defaults); err != nil {
		return nil, err
	}

	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.CreateMachine(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	logger.WithMachine("registry", m.ID).Info().
		Str("code", m.Code).
		Str("type", string(m.Type)).
		Msg("machine registered")
	return m, nil
}

// Get returns a live machine by id or code
func (s *Service) Get(ctx context.Context, ref string) (*models.Machine, error) {
	return s.store.GetMachine(ctx, ref)
}

// List returns live machines
func (s *Service) List(ctx context.Context, filter storage.MachineFilter) ([]*models.Machine, error) {
	return s.store.ListMachines(ctx, filter)
}

// Update replaces the editable fields of a machine. Status, liveness and
// version are owned by the engine and are not touched here.
func (s *Service) Update(ctx context.Context, ref string, in MachineInput) (*models.Machine, error) {
	return s.mutate(ctx, "update_machine", ref, func(m *models.Machine) error {
		if in.Version != 0 && in.Version != m.Version {
			return fmt.Errorf("%w: machine %s at version %d, caller had %d", ErrStaleVersion, m.ID, m.Version, in.Version)
		}

		m.Code = in.Code
		m.Name = in.Name
		m.Type = in.Type
		m.Location = in.Location
		m.Description = in.Description
		m.Thresholds = in.Thresholds
		if in.Monitored != nil {
			m.Monitored = *in.Monitored
		}
		m.Normalize()
		return m.Validate(s.defaults)
	})
}

// SetMaintenance puts a machine on hold or releases it. A released machine
// is Offline until its next sample.
func (s *Service) SetMaintenance(ctx context.Context, ref string, on bool) (*models.Machine, error) {
	return s.mutate(ctx, "set_maintenance", ref, func(m *models.Machine) error {
		switch {
		case on:
			m.Status = models.StatusMaintenance
		case m.Status == models.StatusMaintenance:
			m.Status = models.StatusOffline
		}
		return nil
	})
}

// SetMonitored toggles whether the engine evaluates the machine
func (s *Service) SetMonitored(ctx context.Context, ref string, monitored bool) (*models.Machine, error) {
	return s.mutate(ctx, "set_monitored", ref, func(m *models.Machine) error {
		m.Monitored = monitored
		return nil
	})
}

// Delete soft-deletes a machine; its samples and alerts are kept
func (s *Service) Delete(ctx context.Context, ref string) error {
	_, err := s.mutate(ctx, "delete_machine", ref, func(m *models.Machine) error {
		at := s.now().UTC()
		m.DeletedAt = &at
		return nil
	})
	return err
}

func (s *Service) mutate(ctx context.Context, op, ref string, fn func(m *models.Machine) error) (*models.Machine, error) {
	var out *models.Machine
	err := storage.RetryTx(ctx, s.store, s.retry, op, func(tx storage.Tx) error {
		m, err := tx.GetMachine(ctx, ref)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		m.UpdatedAt = s.now().UTC()
		if err := tx.UpdateMachine(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
