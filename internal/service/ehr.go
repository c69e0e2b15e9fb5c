package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ripple/cdr-openehr/internal/cache"
	"github.com/ripple/cdr-openehr/internal/openehr"
)

// EhrService resolves a patient's ehrId on a host, creating the EHR on
// demand.
type EhrService struct {
	hosts    *openehr.Registry
	sessions *SessionService
	ids      *cache.EhrIDCache
	logger   zerolog.Logger
}

func NewEhrService(hosts *openehr.Registry, sessions *SessionService, ids *cache.EhrIDCache, logger zerolog.Logger) *EhrService {
	return &EhrService{
		hosts:    hosts,
		sessions: sessions,
		ids:      ids,
		logger:   logger.With().Str("component", "ehr").Logger(),
	}
}

// GetEhrID returns the ehrId of the patient on host, or
// openehr.ErrEhrNotFound.
func (s *EhrService) GetEhrID(ctx context.Context, host, patientID string) (string, error) {
	id, _, err := s.withSession(ctx, host, patientID, false)
	return id, err
}

// GetOrCreateEhrID returns the ehrId of the patient on host, creating the
// EHR when there is none. created reports whether it was created.
func (s *EhrService) GetOrCreateEhrID(ctx context.Context, host, patientID string) (string, bool, error) {
	return s.withSession(ctx, host, patientID, true)
}

func (s *EhrService) withSession(ctx context.Context, host, patientID string, create bool) (string, bool, error) {
	if id, ok := s.ids.Get(host, patientID); ok {
		return id, false, nil
	}
	client, err := s.hosts.Client(host)
	if err != nil {
		return "", false, err
	}
	sessionID, err := s.sessions.Start(ctx, host)
	if err != nil {
		return "", false, err
	}
	defer s.sessions.release(ctx, host, sessionID)
	return s.resolve(ctx, client, host, sessionID, patientID, create)
}

// resolve looks the EHR up with an already open session.
func (s *EhrService) resolve(ctx context.Context, client openehr.Client, host, sessionID, patientID string, create bool) (string, bool, error) {
	if id, ok := s.ids.Get(host, patientID); ok {
		return id, false, nil
	}

	id, err := client.GetEhr(ctx, sessionID, patientID)
	if err == nil {
		s.ids.Set(host, patientID, id)
		return id, false, nil
	}
	if !errors.Is(err, openehr.ErrEhrNotFound) || !create {
		return "", false, err
	}

	id, err = client.PostEhr(ctx, sessionID, patientID)
	if err != nil {
		return "", false, fmt.Errorf("create ehr on %s: %w", host, err)
	}
	if id == "" {
		return "", false, fmt.Errorf("create ehr on %s: %w", host, openehr.ErrEhrNotFound)
	}
	s.ids.Set(host, patientID, id)
	s.logger.Info().Str("host", host).Str("patient_id", patientID).Msg("created EHR")
	return id, true, nil
}
