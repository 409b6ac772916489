package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"machinewatch/internal/logger"
	"machinewatch/internal/storage"
)

// Fleet is the on-disk list of machines to register
type Fleet struct {
	Machines []MachineInput `yaml:"machines"`
}

// LoadFleet reads a YAML fleet file
func LoadFleet(path string) ([]MachineInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}

	var fleet Fleet
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("parse fleet file %s: %w", path, err)
	}
	return fleet.Machines, nil
}

// SeedResult counts the outcome of Seed
type SeedResult struct {
	Created int
	Skipped int
}

// Seed registers each machine whose code is not yet taken. Any other
// failure stops the run.
func (s *Service) Seed(ctx context.Context, machines []MachineInput) (SeedResult, error) {
	log := logger.WithComponent("registry")
	var res SeedResult

	for i, in := range machines {
		m, err := s.Register(ctx, in)
		switch {
		case errors.Is(err, storage.ErrDuplicateCode):
			res.Skipped++
			log.Debug().Str("code", in.Code).Msg("machine already registered")
		case err != nil:
			return res, fmt.Errorf("machine %d (%s): %w", i, in.Code, err)
		default:
			res.Created++
			log.Info().Str("machine_id", m.ID).Str("code", m.Code).Msg("machine seeded")
		}
	}
	return res, nil
}
