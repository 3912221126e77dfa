package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/platform/fhir"
)

// seedBundle holds three demo patients with a little screening history.
//
//go:embed seed.json
var seedBundle []byte

// loadBundle stores every entry of a FHIR Bundle, patients first so the
// remaining entries can resolve their subject. Entries that already exist
// are left untouched, so reseeding a persistent store is harmless. It returns
// the ids of the bundle's patients.
func loadBundle(ctx context.Context, svc *resource.Service, data []byte, logger zerolog.Logger) ([]string, error) {
	var b fhir.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected a Bundle, got %q", b.ResourceType)
	}

	var patients, rest []resource.Resource
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		r, err := resource.Decode(e.Resource)
		if errors.Is(err, resource.ErrUnsupported) {
			logger.Warn().Int("entry", i).Msg("skipping unsupported resource type")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if r.GetID() == "" {
			return nil, fmt.Errorf("entry %d: %s has no id", i, r.ResourceType())
		}
		if r.ResourceType() == resource.TypePatient {
			patients = append(patients, r)
		} else {
			rest = append(rest, r)
		}
	}

	created := 0
	for _, r := range append(patients, rest...) {
		_, err := svc.CreateResource(ctx, r)
		if errors.Is(err, resource.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create %s/%s: %w", r.ResourceType(), r.GetID(), err)
		}
		created++
	}
	logger.Info().Int("patients", len(patients)).Int("created", created).Msg("bundle loaded")

	ids := make([]string, len(patients))
	for i, p := range patients {
		ids[i] = p.GetID()
	}
	return ids, nil
}
