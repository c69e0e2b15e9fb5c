// Package store persists the state that must survive a restart: which
// Discovery records have already been posted to openEHR, and where each
// patient is in the discovery synchronisation cycle.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ripple/cdr-openehr/internal/cache"
)

// Patient synchronisation states.
const (
	StatusLoading = "loading_data"
	StatusReady   = "ready"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Status is the polling state of one patient.
type Status struct {
	PatientID  string    `json:"-"`
	Status     string    `json:"status"`
	NewPatient bool      `json:"new_patient"`
	ResponseNo int       `json:"responseNo"`
	NhsNumber  string    `json:"nhsNumber"`
	UpdatedAt  time.Time `json:"-"`
}

// MappingStore persists discovery identity mappings.
type MappingStore interface {
	SaveMapping(ctx context.Context, m cache.Mapping) error
	DeleteMapping(ctx context.Context, discoverySourceID string) error
	// ListMappings returns the mappings of a patient, or every mapping when
	// patientID is empty.
	ListMappings(ctx context.Context, patientID string) ([]cache.Mapping, error)
}

// StatusStore persists patient synchronisation state.
type StatusStore interface {
	GetStatus(ctx context.Context, patientID string) (*Status, error)
	SaveStatus(ctx context.Context, s *Status) error
	DeleteStatus(ctx context.Context, patientID string) error
}

// Store is the full persistence surface.
type Store interface {
	MappingStore
	StatusStore
}
