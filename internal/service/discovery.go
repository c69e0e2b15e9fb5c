package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ripple/cdr-openehr/internal/cache"
	"github.com/ripple/cdr-openehr/internal/discovery"
	"github.com/ripple/cdr-openehr/internal/heading"
	"github.com/ripple/cdr-openehr/internal/openehr"
	"github.com/ripple/cdr-openehr/internal/platform/metrics"
	"github.com/ripple/cdr-openehr/internal/store"
)

// RevertResult lists the openEHR source ids a revert removed and those it
// could not remove.
type RevertResult struct {
	Reverted []string `json:"reverted"`
	Failed   []string `json:"failed"`
}

// DiscoveryService merges Discovery records into openEHR, posting each
// Discovery record at most once.
type DiscoveryService struct {
	client   discovery.Client
	headings *HeadingService
	registry *heading.Registry
	mappings *cache.DiscoveryMap
	store    store.MappingStore
	host     string
	metrics  *metrics.Collector
	logger   zerolog.Logger
}

// DiscoveryDeps groups the collaborators of a DiscoveryService.
type DiscoveryDeps struct {
	Client   discovery.Client
	Headings *HeadingService
	Registry *heading.Registry
	Mappings *cache.DiscoveryMap
	Store    store.MappingStore
	// Host receives merged records. Empty means the heading service's
	// default host.
	Host    string
	Metrics *metrics.Collector
}

func NewDiscoveryService(d DiscoveryDeps, logger zerolog.Logger) *DiscoveryService {
	host := d.Host
	if host == "" {
		host = d.Headings.DefaultHost()
	}
	return &DiscoveryService{
		client:   d.Client,
		headings: d.Headings,
		registry: d.Registry,
		mappings: d.Mappings,
		store:    d.Store,
		host:     host,
		metrics:  d.Metrics,
		logger:   logger.With().Str("component", "discovery").Logger(),
	}
}

// ResolveHeading maps a Discovery resource name, or an openEHR heading
// name, to the openEHR heading.
func (s *DiscoveryService) ResolveHeading(name string) (string, error) {
	if h, ok := heading.DiscoveryHeading(name); ok {
		return h, nil
	}
	if name != "" && s.registry.Has(name) {
		return name, nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidHeading, name)
}

// Hydrate loads the stored mappings of a patient into the in-process map.
func (s *DiscoveryService) Hydrate(ctx context.Context, patientID string) error {
	patientID, err := NormalizePatientID(patientID)
	if err != nil {
		return err
	}
	ms, err := s.store.ListMappings(ctx, patientID)
	if err != nil {
		return fmt.Errorf("hydrate discovery mappings: %w", err)
	}
	for _, m := range ms {
		s.mappings.Set(m)
	}
	return nil
}

// Merge posts every item not already mapped, one at a time, and records
// the mapping of each successful post. It reports whether anything new was
// merged. A failed item is logged and skipped; it stays unmapped so the
// next sync retries it.
func (s *DiscoveryService) Merge(ctx context.Context, patientID, name string, items []discovery.Item) (bool, error) {
	patientID, err := NormalizePatientID(patientID)
	if err != nil {
		return false, err
	}
	target, err := s.ResolveHeading(name)
	if err != nil {
		return false, err
	}

	merged := false
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		if s.mappings.Exists(item.SourceID) {
			s.metrics.Merge(target, "skipped")
			continue
		}

		res, err := s.headings.Post(ctx, s.host, patientID, target, item.Data)
		if err != nil {
			s.metrics.Merge(target, "error")
			s.logger.Error().Err(err).Str("heading", target).Str("discovery_source_id", item.SourceID).Msg("discovery merge post failed")
			continue
		}
		if !res.OK {
			s.metrics.Merge(target, "error")
			s.logger.Warn().Str("heading", target).Str("discovery_source_id", item.SourceID).Msg("discovery merge post returned no composition uid")
			continue
		}

		m := cache.Mapping{
			DiscoverySourceID: item.SourceID,
			OpenEHRSourceID:   openehr.SourceID(res.Host, res.CompositionUID),
			PatientID:         patientID,
			Heading:           target,
		}
		s.mappings.Set(m)
		if err := s.store.SaveMapping(ctx, m); err != nil {
			s.logger.Error().Err(err).Str("discovery_source_id", item.SourceID).Msg("failed to persist discovery mapping")
		}
		s.metrics.Merge(target, "merged")
		merged = true
	}

	if merged {
		s.logger.Info().Str("heading", target).Str("patient_id", patientID).Msg("discovery data merged")
	}
	return merged, nil
}

// Sync fetches the patient's Discovery records for one resource type and
// merges them.
func (s *DiscoveryService) Sync(ctx context.Context, patientID, name string) (bool, error) {
	if _, err := s.ResolveHeading(name); err != nil {
		return false, err
	}
	items, err := s.client.Fetch(ctx, patientID, name)
	if err != nil {
		return false, fmt.Errorf("fetch discovery %s: %w", name, err)
	}
	return s.Merge(ctx, patientID, name, items)
}

// Revert deletes every composition merged into heading (for all patients)
// and drops the mappings, one record at a time.
func (s *DiscoveryService) Revert(ctx context.Context, name string) (*RevertResult, error) {
	target, err := s.ResolveHeading(name)
	if err != nil {
		return nil, err
	}
	return s.revert(ctx, s.mappings.ByHeading(target)), nil
}

// RevertAll is Revert for every heading.
func (s *DiscoveryService) RevertAll(ctx context.Context) (*RevertResult, error) {
	return s.revert(ctx, s.mappings.All()), nil
}

func (s *DiscoveryService) revert(ctx context.Context, ms []cache.Mapping) *RevertResult {
	res := &RevertResult{Reverted: []string{}, Failed: []string{}}
	for _, m := range ms {
		host, _, ok := openehr.SplitSourceID(m.OpenEHRSourceID)
		if ok {
			s.headings.Fetch(ctx, host, m.PatientID, m.Heading)
		}

		err := s.headings.Delete(ctx, m.PatientID, m.Heading, m.OpenEHRSourceID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Error().Err(err).Str("source_id", m.OpenEHRSourceID).Msg("revert delete failed")
			res.Failed = append(res.Failed, m.OpenEHRSourceID)
			continue
		}

		s.mappings.Delete(m.DiscoverySourceID)
		if err := s.store.DeleteMapping(ctx, m.DiscoverySourceID); err != nil {
			s.logger.Error().Err(err).Str("discovery_source_id", m.DiscoverySourceID).Msg("failed to delete stored discovery mapping")
		}
		res.Reverted = append(res.Reverted, m.OpenEHRSourceID)
	}
	return res
}
