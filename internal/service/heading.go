package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ripple/cdr-openehr/internal/cache"
	"github.com/ripple/cdr-openehr/internal/heading"
	"github.com/ripple/cdr-openehr/internal/openehr"
	"github.com/ripple/cdr-openehr/internal/platform/metrics"
	"github.com/ripple/cdr-openehr/internal/store"
	"github.com/ripple/cdr-openehr/internal/transform"
)

// GPSource replaces the source of records that were merged from Discovery.
const GPSource = "GP"

// SummaryResult is the response of GetSummary.
type SummaryResult struct {
	Results    []map[string]any `json:"results"`
	FetchCount int              `json:"fetchCount"`
}

// WriteResult is the outcome of a Post or Put.
type WriteResult struct {
	OK             bool   `json:"ok"`
	Host           string `json:"host,omitempty"`
	Heading        string `json:"heading,omitempty"`
	CompositionUID string `json:"compositionUid,omitempty"`
	SourceID       string `json:"sourceId,omitempty"`
}

// VersionInfo describes one stored version of a versioned composition.
type VersionInfo struct {
	Version     int    `json:"version"`
	SourceID    string `json:"sourceId"`
	DateCreated int64  `json:"dateCreated,omitempty"`
}

// HeadingService reads headings from every host into the heading cache and
// writes compositions back.
type HeadingService struct {
	hosts       *openehr.Registry
	headings    *heading.Registry
	sessions    *SessionService
	ehrs        *EhrService
	records     *cache.HeadingCache
	discovery   *cache.DiscoveryMap
	mappings    store.MappingStore
	defaultHost string
	group       singleflight.Group
	now         func() time.Time
	metrics     *metrics.Collector
	logger      zerolog.Logger
}

// HeadingDeps groups the collaborators of a HeadingService.
type HeadingDeps struct {
	Hosts     *openehr.Registry
	Headings  *heading.Registry
	Sessions  *SessionService
	Ehrs      *EhrService
	Records   *cache.HeadingCache
	Discovery *cache.DiscoveryMap
	Mappings  store.MappingStore
	// DefaultHost receives writes that name no host. Empty means the first
	// registered host.
	DefaultHost string
	Metrics     *metrics.Collector
}

func NewHeadingService(d HeadingDeps, logger zerolog.Logger) *HeadingService {
	return &HeadingService{
		hosts:       d.Hosts,
		headings:    d.Headings,
		sessions:    d.Sessions,
		ehrs:        d.Ehrs,
		records:     d.Records,
		discovery:   d.Discovery,
		mappings:    d.Mappings,
		defaultHost: d.DefaultHost,
		now:         time.Now,
		metrics:     d.Metrics,
		logger:      logger.With().Str("component", "heading").Logger(),
	}
}

// DefaultHost returns the host used when a write names none.
func (s *HeadingService) DefaultHost() string {
	if s.defaultHost != "" {
		return s.defaultHost
	}
	if hosts := s.hosts.Hosts(); len(hosts) > 0 {
		return hosts[0]
	}
	return ""
}

func (s *HeadingService) validate(patientID, name string) (string, *heading.Heading, error) {
	id, err := NormalizePatientID(patientID)
	if err != nil {
		return "", nil, err
	}
	if name == "" {
		return "", nil, ErrInvalidHeading
	}
	h, err := s.headings.Lookup(name)
	if errors.Is(err, heading.ErrUnknownHeading) {
		return "", nil, fmt.Errorf("%w: %s", ErrInvalidHeading, name)
	}
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUnprocessableEntity, err)
	}
	return id, h, nil
}

// FetchOne fetches the heading for the patient from every host. Hosts are
// independent and fetched in parallel; results are in host order.
func (s *HeadingService) FetchOne(ctx context.Context, patientID, name string) []FetchResult {
	hosts := s.hosts.Hosts()
	results := make([]FetchResult, len(hosts))
	var g errgroup.Group
	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			results[i] = s.Fetch(ctx, host, patientID, name)
			return nil
		})
	}
	g.Wait()
	return results
}

// Fetch loads the heading for the patient from host into the cache unless
// it has already been fetched. An empty heading, or a patient with no EHR
// on the host, counts as fetched. Concurrent fetches of the same key share
// one remote query.
func (s *HeadingService) Fetch(ctx context.Context, host, patientID, name string) FetchResult {
	if s.records.Fetched(patientID, name, host) {
		s.metrics.Fetch(host, name, "cached")
		return FetchResult{Host: host, OK: true}
	}
	key := host + "|" + patientID + "|" + name
	v, _, _ := s.group.Do(key, func() (interface{}, error) {
		return s.fetch(ctx, host, patientID, name), nil
	})
	return v.(FetchResult)
}

func (s *HeadingService) fetch(ctx context.Context, host, patientID, name string) FetchResult {
	if s.records.Fetched(patientID, name, host) {
		return FetchResult{Host: host, OK: true}
	}
	fail := func(err error) FetchResult {
		s.metrics.Fetch(host, name, "error")
		s.logger.Error().Err(err).Str("host", host).Str("heading", name).Str("patient_id", patientID).Msg("heading fetch failed")
		return FetchResult{Host: host, Err: err}
	}

	h, err := s.headings.Lookup(name)
	if err != nil {
		return fail(err)
	}
	info, _ := s.hosts.Host(host)
	client, err := s.hosts.Client(host)
	if err != nil {
		return fail(err)
	}
	sessionID, err := s.sessions.Start(ctx, host)
	if err != nil {
		return fail(err)
	}
	defer s.sessions.release(ctx, host, sessionID)

	ehrID, _, err := s.ehrs.resolve(ctx, client, host, sessionID, patientID, false)
	if errors.Is(err, openehr.ErrEhrNotFound) {
		s.records.MarkFetched(patientID, name, host)
		s.metrics.Fetch(host, name, "no_ehr")
		return FetchResult{Host: host, OK: true}
	}
	if err != nil {
		return fail(err)
	}

	rows, err := client.Query(ctx, sessionID, h.Query(ehrID))
	if err != nil {
		return fail(err)
	}

	for _, row := range rows {
		rec, ok := s.recordFromRow(row, h, host, patientID, info.Versioned)
		if !ok {
			continue
		}
		s.records.Insert(rec)
	}
	s.records.MarkFetched(patientID, name, host)
	s.metrics.Fetch(host, name, "ok")
	s.logger.Debug().Str("host", host).Str("heading", name).Int("rows", len(rows)).Msg("heading fetched")
	return FetchResult{Host: host, OK: true}
}

func (s *HeadingService) recordFromRow(row map[string]any, h *heading.Heading, host, patientID string, versionedHost bool) (*cache.Record, bool) {
	uid, _ := row["uid"].(string)
	var date int64
	if h.Name == heading.Counts {
		// count rows have no composition: both id and date come from the clock
		id, err := uuid.NewUUID()
		if err != nil {
			return nil, false
		}
		uid = id.String()
		date = s.now().UnixMilli()
	} else {
		if uid == "" {
			return nil, false
		}
		if t, ok := transform.ParseTime(row["date_created"]); ok {
			date = t.UnixMilli()
		}
	}

	rec := &cache.Record{
		SourceID:  openehr.SourceID(host, uid),
		Heading:   h.Name,
		Host:      host,
		PatientID: patientID,
		Date:      date,
		UID:       uid,
		Data:      row,
	}
	if h.Versioned || versionedHost {
		rec.Version = openehr.CompositionVersion(uid)
	}
	return rec, true
}

// GetBySourceID returns the requested projection of a cached record, or an
// empty object when it is not cached. The PulseTile form is computed once
// and stored back on the record.
func (s *HeadingService) GetBySourceID(sourceID string, format heading.Format) map[string]any {
	rec, ok := s.records.Get(sourceID)
	if !ok {
		s.metrics.Lookup("miss")
		return map[string]any{}
	}
	h, err := s.headings.Lookup(rec.Heading)
	if err != nil {
		s.logger.Error().Err(err).Str("source_id", sourceID).Msg("cached record has unknown heading")
		return map[string]any{}
	}

	pt := rec.PulseTile
	if pt == nil {
		pt, err = h.ToPulseTile(rec.Data, rec.Host, rec.SourceID)
		if err != nil {
			s.logger.Error().Err(err).Str("source_id", sourceID).Msg("transform failed")
			return map[string]any{}
		}
		s.records.SetPulseTile(sourceID, pt)
		s.metrics.Lookup("transform")
	} else {
		s.metrics.Lookup("hit")
	}

	out := h.Project(pt, format)
	if s.discovery.IsDiscoveryRecord(sourceID) {
		out["source"] = GPSource
	}
	return out
}

// GetSummary fetches the heading and returns the summary of every cached
// record, host by host, with the incremented fetch count.
func (s *HeadingService) GetSummary(ctx context.Context, patientID, name string) (*SummaryResult, error) {
	patientID, _, err := s.validate(patientID, name)
	if err != nil {
		return nil, err
	}
	s.FetchOne(ctx, patientID, name)

	ids := s.records.SourceIDsByHosts(patientID, name, s.hosts.Hosts())
	results := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if r := s.GetBySourceID(id, heading.Summary); len(r) > 0 {
			results = append(results, r)
		}
	}
	return &SummaryResult{
		Results:    results,
		FetchCount: s.records.IncrementFetchCount(patientID, name),
	}, nil
}

// GetSynopsis returns the synopsis of the newest limit records of the
// heading. limit <= 0 returns all of them.
func (s *HeadingService) GetSynopsis(ctx context.Context, patientID, name string, limit int) ([]map[string]any, error) {
	patientID, _, err := s.validate(patientID, name)
	if err != nil {
		return nil, err
	}
	s.FetchOne(ctx, patientID, name)

	ids := s.records.SourceIDsByDate(patientID, name, limit)
	results := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if r := s.GetBySourceID(id, heading.Synopsis); len(r) > 0 {
			results = append(results, r)
		}
	}
	return results, nil
}

// GetSynopses is GetSynopsis for several headings, one after the other.
func (s *HeadingService) GetSynopses(ctx context.Context, patientID string, names []string, limit int) (map[string][]map[string]any, error) {
	out := make(map[string][]map[string]any, len(names))
	for _, name := range names {
		results, err := s.GetSynopsis(ctx, patientID, name, limit)
		if err != nil {
			return nil, err
		}
		out[name] = results
	}
	return out, nil
}

// GetDetail fetches the heading and returns the full presentation of one
// record, or ErrNotFound.
func (s *HeadingService) GetDetail(ctx context.Context, patientID, name, sourceID string) (map[string]any, error) {
	patientID, _, err := s.validate(patientID, name)
	if err != nil {
		return nil, err
	}
	s.FetchOne(ctx, patientID, name)
	if _, err := s.owned(patientID, name, sourceID); err != nil {
		return nil, err
	}
	return s.GetBySourceID(sourceID, heading.Detail), nil
}

// owned returns the cached record when it belongs to the patient and
// heading.
func (s *HeadingService) owned(patientID, name, sourceID string) (*cache.Record, error) {
	rec, ok := s.records.Get(sourceID)
	if !ok || rec.PatientID != patientID || rec.Heading != name {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sourceID)
	}
	return rec, nil
}

// writable validates a write and transforms data into a FLAT composition.
// A heading without a write template is unprocessable.
func (s *HeadingService) writable(patientID, name string, data map[string]any) (string, *heading.Heading, map[string]any, error) {
	id, err := NormalizePatientID(patientID)
	if err != nil {
		return "", nil, nil, err
	}
	if name == "" {
		return "", nil, nil, ErrInvalidHeading
	}
	if len(data) == 0 {
		return "", nil, nil, ErrEmptyPayload
	}
	h, err := s.headings.Lookup(name)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrUnprocessableEntity, err)
	}
	if !h.CanPost() {
		return "", nil, nil, fmt.Errorf("%w: no template for heading %s", ErrUnprocessableEntity, name)
	}
	flat, err := h.ToFlat(data)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrUnprocessableEntity, err)
	}
	return id, h, flat, nil
}

// Post writes a new composition for the patient to host (the default host
// when empty). On success the cached heading for that host is invalidated
// so the next read picks the new composition up. A response without a
// composition uid yields OK false.
func (s *HeadingService) Post(ctx context.Context, host, patientID, name string, data map[string]any) (*WriteResult, error) {
	patientID, h, flat, err := s.writable(patientID, name, data)
	if err != nil {
		return nil, err
	}
	if host == "" {
		host = s.DefaultHost()
	}
	client, err := s.hosts.Client(host)
	if err != nil {
		return nil, err
	}

	sessionID, err := s.sessions.Start(ctx, host)
	if err != nil {
		return nil, err
	}
	defer s.sessions.release(ctx, host, sessionID)

	ehrID, _, err := s.ehrs.resolve(ctx, client, host, sessionID, patientID, true)
	if err != nil {
		return nil, err
	}
	uid, err := client.PostComposition(ctx, sessionID, ehrID, h.TemplateID, flat)
	if err != nil {
		return nil, err
	}
	if uid == "" {
		return &WriteResult{OK: false}, nil
	}

	s.records.InvalidateHost(patientID, name, host)
	s.logger.Info().Str("host", host).Str("heading", name).Str("patient_id", patientID).Msg("composition created")
	return &WriteResult{
		OK:             true,
		Host:           host,
		Heading:        name,
		CompositionUID: uid,
		SourceID:       openehr.SourceID(host, uid),
	}, nil
}

// Put replaces the composition behind a cached record. The record is
// updated in place with the new uid and the submitted data as its
// presentation.
func (s *HeadingService) Put(ctx context.Context, patientID, name, sourceID string, data map[string]any) (*WriteResult, error) {
	patientID, h, flat, err := s.writable(patientID, name, data)
	if err != nil {
		return nil, err
	}
	rec, err := s.owned(patientID, name, sourceID)
	if err != nil {
		return nil, err
	}
	if rec.UID == "" {
		return nil, fmt.Errorf("%w: %s has no composition id", ErrNotFound, sourceID)
	}
	client, err := s.hosts.Client(rec.Host)
	if err != nil {
		return nil, err
	}

	sessionID, err := s.sessions.Start(ctx, rec.Host)
	if err != nil {
		return nil, err
	}
	defer s.sessions.release(ctx, rec.Host, sessionID)

	res, err := client.PutComposition(ctx, sessionID, rec.UID, h.TemplateID, flat)
	if err != nil {
		return nil, err
	}
	if res.CompositionUID == "" {
		return &WriteResult{OK: false}, nil
	}

	pt := make(map[string]any, len(data)+2)
	for k, v := range data {
		pt[k] = v
	}
	pt["source"] = rec.Host
	pt["sourceId"] = sourceID
	info, _ := s.hosts.Host(rec.Host)
	s.records.Update(sourceID, func(r *cache.Record) {
		r.UID = res.CompositionUID
		r.PulseTile = pt
		if h.Versioned || info.Versioned {
			r.Version = openehr.CompositionVersion(res.CompositionUID)
		}
	})

	return &WriteResult{
		OK:             true,
		Host:           rec.Host,
		Heading:        name,
		CompositionUID: res.CompositionUID,
		SourceID:       sourceID,
	}, nil
}

// Delete removes the composition behind a cached record. The cache and any
// discovery mapping are only cleared after the host confirms the delete.
func (s *HeadingService) Delete(ctx context.Context, patientID, name, sourceID string) error {
	patientID, _, err := s.validate(patientID, name)
	if err != nil {
		return err
	}
	rec, err := s.owned(patientID, name, sourceID)
	if err != nil {
		return err
	}
	client, err := s.hosts.Client(rec.Host)
	if err != nil {
		return err
	}

	sessionID, err := s.sessions.Start(ctx, rec.Host)
	if err != nil {
		return err
	}
	defer s.sessions.release(ctx, rec.Host, sessionID)

	if err := client.DeleteComposition(ctx, sessionID, rec.UID); err != nil {
		return err
	}

	s.records.Remove(sourceID)
	if m, ok := s.discovery.DeleteByOpenEHR(sourceID); ok && s.mappings != nil {
		if err := s.mappings.DeleteMapping(ctx, m.DiscoverySourceID); err != nil {
			s.logger.Error().Err(err).Str("source_id", sourceID).Msg("failed to delete stored discovery mapping")
		}
	}
	s.logger.Info().Str("host", rec.Host).Str("heading", name).Str("source_id", sourceID).Msg("composition deleted")
	return nil
}

// GetVersions lists the stored versions of a versioned record, newest
// last.
func (s *HeadingService) GetVersions(ctx context.Context, patientID, name, sourceID string) ([]VersionInfo, error) {
	patientID, h, err := s.validate(patientID, name)
	if err != nil {
		return nil, err
	}
	if !h.Versioned || h.VersionsQuery == "" {
		return nil, fmt.Errorf("%w: heading %s is not versioned", ErrUnprocessableEntity, name)
	}
	rec, err := s.owned(patientID, name, sourceID)
	if err != nil {
		return nil, err
	}
	client, err := s.hosts.Client(rec.Host)
	if err != nil {
		return nil, err
	}

	sessionID, err := s.sessions.Start(ctx, rec.Host)
	if err != nil {
		return nil, err
	}
	defer s.sessions.release(ctx, rec.Host, sessionID)

	rows, err := client.PostQuery(ctx, sessionID, h.VersionQuery(openehr.CompositionUUID(rec.UID)))
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(rows))
	out := make([]VersionInfo, 0, len(rows))
	for _, row := range rows {
		v := versionOf(row)
		if v <= 0 || seen[v] {
			continue
		}
		seen[v] = true
		info := VersionInfo{Version: v, SourceID: sourceID}
		if t, ok := transform.ParseTime(row["date_created"]); ok {
			info.DateCreated = t.UnixMilli()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// GetVersion returns one version of a versioned record, from the version
// index when cached and from the host otherwise.
func (s *HeadingService) GetVersion(ctx context.Context, patientID, name, sourceID string, version int) (map[string]any, error) {
	patientID, h, err := s.validate(patientID, name)
	if err != nil {
		return nil, err
	}
	if !h.Versioned {
		return nil, fmt.Errorf("%w: heading %s is not versioned", ErrUnprocessableEntity, name)
	}
	rec, err := s.owned(patientID, name, sourceID)
	if err != nil {
		return nil, err
	}

	if v, ok := s.records.GetVersion(sourceID, version); ok {
		if v.PulseTile != nil {
			return h.Project(v.PulseTile, heading.Detail), nil
		}
		pt, err := h.ToPulseTile(v.Data, v.Host, sourceID)
		if err == nil {
			v.PulseTile = pt
			s.records.SetVersion(sourceID, version, v)
			return h.Project(pt, heading.Detail), nil
		}
	}

	client, err := s.hosts.Client(rec.Host)
	if err != nil {
		return nil, err
	}
	sessionID, err := s.sessions.Start(ctx, rec.Host)
	if err != nil {
		return nil, err
	}
	defer s.sessions.release(ctx, rec.Host, sessionID)

	uid := openehr.VersionedUID(rec.UID, version)
	comp, err := client.GetComposition(ctx, sessionID, uid)
	if err != nil {
		return nil, err
	}
	if len(comp) == 0 {
		return nil, fmt.Errorf("%w: %s version %d", ErrNotFound, sourceID, version)
	}

	pt := make(map[string]any, len(comp)+3)
	for k, v := range comp {
		pt[k] = v
	}
	pt["version"] = version
	pt["source"] = rec.Host
	pt["sourceId"] = sourceID
	variant := *rec
	variant.UID = uid
	variant.Version = version
	variant.Data = comp
	variant.PulseTile = pt
	s.records.SetVersion(sourceID, version, &variant)
	return h.Project(pt, heading.Detail), nil
}

func versionOf(row map[string]any) int {
	switch v := row["version"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	if uid, ok := row["uid"].(string); ok {
		return openehr.CompositionVersion(uid)
	}
	return 0
}
