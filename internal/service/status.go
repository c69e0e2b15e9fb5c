package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ripple/cdr-openehr/internal/cache"
	"github.com/ripple/cdr-openehr/internal/store"
)

// StatusService drives the per-patient polling cycle: the first check
// prepares the patient's EHR, the second starts the Discovery sync in the
// background and later checks report progress until the patient is ready.
type StatusService struct {
	statuses   store.StatusStore
	ehrs       *EhrService
	feeds      *cache.FeedStore
	discovery  *DiscoveryService
	dispatcher *Dispatcher
	host       string
	runAsync   func(func())
	locks      keyedMutex
	logger     zerolog.Logger
}

func NewStatusService(statuses store.StatusStore, ehrs *EhrService, feeds *cache.FeedStore, ds *DiscoveryService, dispatcher *Dispatcher, host string, logger zerolog.Logger) *StatusService {
	return &StatusService{
		statuses:   statuses,
		ehrs:       ehrs,
		feeds:      feeds,
		discovery:  ds,
		dispatcher: dispatcher,
		host:       host,
		runAsync:   func(fn func()) { go fn() },
		logger:     logger.With().Str("component", "status").Logger(),
	}
}

// Check advances and returns the patient's status. Checks of one patient
// run one at a time so only one of them starts the sync.
func (s *StatusService) Check(ctx context.Context, patientID string) (*store.Status, error) {
	patientID, err := NormalizePatientID(patientID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(patientID)
	defer unlock()

	st, err := s.statuses.GetStatus(ctx, patientID)
	if errors.Is(err, store.ErrNotFound) {
		return s.begin(ctx, patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("load status: %w", err)
	}
	if st.Status != store.StatusLoading {
		return st, nil
	}

	prior := st.ResponseNo
	st.ResponseNo++
	if err := s.statuses.SaveStatus(ctx, st); err != nil {
		return nil, fmt.Errorf("save status: %w", err)
	}
	if prior == 1 {
		bg := context.WithoutCancel(ctx)
		s.runAsync(func() {
			err := s.dispatcher.SyncAll(bg, patientID)
			if errors.Is(err, ErrSyncInProgress) {
				s.logger.Info().Str("patient_id", patientID).Msg("discovery sync already running")
				return
			}
			if err != nil {
				s.logger.Error().Err(err).Str("patient_id", patientID).Msg("discovery sync failed")
			}
		})
	}
	return st, nil
}

func (s *StatusService) begin(ctx context.Context, patientID string) (*store.Status, error) {
	if err := s.discovery.Hydrate(ctx, patientID); err != nil {
		s.logger.Error().Err(err).Str("patient_id", patientID).Msg("failed to load discovery mappings")
	}

	_, created, err := s.ehrs.GetOrCreateEhrID(ctx, s.host, patientID)
	if err != nil {
		return nil, err
	}
	if created {
		s.feeds.Seed(patientID)
	}

	st := &store.Status{
		PatientID:  patientID,
		Status:     store.StatusLoading,
		NewPatient: created,
		ResponseNo: 1,
		NhsNumber:  patientID,
	}
	if err := s.statuses.SaveStatus(ctx, st); err != nil {
		return nil, fmt.Errorf("save status: %w", err)
	}
	return st, nil
}

// Restart forgets the patient's status so the next Check starts a new
// cycle.
func (s *StatusService) Restart(ctx context.Context, patientID string) error {
	patientID, err := NormalizePatientID(patientID)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(patientID)
	defer unlock()
	return s.statuses.DeleteStatus(ctx, patientID)
}
