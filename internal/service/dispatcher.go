package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ripple/cdr-openehr/internal/cache"
	"github.com/ripple/cdr-openehr/internal/platform/metrics"
	"github.com/ripple/cdr-openehr/internal/store"
)

// Finished is the pseudo-heading that ends a sync run and marks the
// patient ready.
const Finished = "finished"

// Dispatcher runs the Discovery sync of a patient across the configured
// headings, strictly one heading at a time.
type Dispatcher struct {
	discovery *DiscoveryService
	statuses  store.StatusStore
	records   *cache.HeadingCache
	headings  []string
	metrics   *metrics.Collector
	logger    zerolog.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

func NewDispatcher(ds *DiscoveryService, statuses store.StatusStore, records *cache.HeadingCache, headings []string, logger zerolog.Logger, m *metrics.Collector) *Dispatcher {
	list := make([]string, 0, len(headings)+1)
	list = append(list, headings...)
	list = append(list, Finished)
	return &Dispatcher{
		discovery: ds,
		statuses:  statuses,
		records:   records,
		headings:  list,
		running:   make(map[string]struct{}),
		metrics:   m,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Headings returns the run order, Finished last.
func (d *Dispatcher) Headings() []string {
	out := make([]string, len(d.headings))
	copy(out, d.headings)
	return out
}

// SyncAll syncs every heading in order. A heading that fails is logged and
// the run moves on. When a heading merged new records its cached reads are
// invalidated. Reaching Finished flips the patient's status to ready.
// A patient has at most one run at a time; a second call returns
// ErrSyncInProgress.
func (d *Dispatcher) SyncAll(ctx context.Context, patientID string) error {
	patientID, err := NormalizePatientID(patientID)
	if err != nil {
		return err
	}
	if !d.acquire(patientID) {
		return ErrSyncInProgress
	}
	defer d.release(patientID)

	failed := 0
	for _, name := range d.headings {
		if err := ctx.Err(); err != nil {
			d.metrics.Sync("cancelled")
			return err
		}
		if name == Finished {
			if err := d.markReady(ctx, patientID); err != nil {
				d.metrics.Sync("error")
				return err
			}
			break
		}

		merged, err := d.discovery.Sync(ctx, patientID, name)
		if err != nil {
			failed++
			d.logger.Error().Err(err).Str("heading", name).Str("patient_id", patientID).Msg("discovery sync failed")
			continue
		}
		if merged {
			if target, err := d.discovery.ResolveHeading(name); err == nil {
				d.records.InvalidatePatientHeading(patientID, target)
			}
		}
		d.logger.Info().Str("heading", name).Str("patient_id", patientID).Bool("merged", merged).Msg("discovery heading synced")
	}

	if failed > 0 {
		d.metrics.Sync("partial")
	} else {
		d.metrics.Sync("ok")
	}
	return nil
}

func (d *Dispatcher) acquire(patientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[patientID]; ok {
		return false
	}
	d.running[patientID] = struct{}{}
	return true
}

func (d *Dispatcher) release(patientID string) {
	d.mu.Lock()
	delete(d.running, patientID)
	d.mu.Unlock()
}

func (d *Dispatcher) markReady(ctx context.Context, patientID string) error {
	st, err := d.statuses.GetStatus(ctx, patientID)
	if errors.Is(err, store.ErrNotFound) {
		st = &store.Status{PatientID: patientID, NhsNumber: patientID}
	} else if err != nil {
		return fmt.Errorf("load status: %w", err)
	}
	st.Status = store.StatusReady
	if err := d.statuses.SaveStatus(ctx, st); err != nil {
		return fmt.Errorf("save status: %w", err)
	}
	d.logger.Info().Str("patient_id", patientID).Msg("patient ready")
	return nil
}
