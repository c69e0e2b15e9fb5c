// Package cache holds the process-wide state that sits between the HTTP
// handlers and the openEHR hosts: the multi-index heading cache, the session
// cache, the patient ehrId cache, the discovery identity map and the feed
// store. Every type here is safe for concurrent use.
package cache

import (
	"sort"
	"sync"
)

// Record is one composition fetched from, or written to, an openEHR host.
type Record struct {
	SourceID  string         `json:"sourceId"`
	Heading   string         `json:"heading"`
	Host      string         `json:"host"`
	PatientID string         `json:"patientId"`
	Date      int64          `json:"date"` // epoch ms
	UID       string         `json:"uid"`
	Version   int            `json:"version,omitempty"`
	Data      map[string]any `json:"data"`

	// PulseTile is the memoised presentation, computed on first read.
	PulseTile map[string]any `json:"pulsetile,omitempty"`
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

type patientHeadingKey struct {
	patientID string
	heading   string
}

type hostKey struct {
	patientID string
	heading   string
	host      string
}

// HeadingCache indexes records by source id (the primary store), by
// patient/heading/host, by patient/heading/date, by source id and version
// and by heading. It also keeps a per patient/heading fetch counter and
// remembers which patient/heading/host keys have been fetched, including
// fetches that returned nothing.
//
// Insert and Remove update every index under a single lock so no index can
// reference a source id that is absent from the primary store.
type HeadingCache struct {
	mu sync.RWMutex

	bySourceID map[string]*Record
	byHost     map[hostKey]map[string]struct{}
	byDate     map[patientHeadingKey]map[string]int64
	byVersion  map[string]map[int]*Record
	byHeading  map[string]map[string]struct{}
	fetchCount map[patientHeadingKey]int
	fetched    map[hostKey]struct{}
}

// NewHeadingCache creates an empty HeadingCache.
func NewHeadingCache() *HeadingCache {
	return &HeadingCache{
		bySourceID: make(map[string]*Record),
		byHost:     make(map[hostKey]map[string]struct{}),
		byDate:     make(map[patientHeadingKey]map[string]int64),
		byVersion:  make(map[string]map[int]*Record),
		byHeading:  make(map[string]map[string]struct{}),
		fetchCount: make(map[patientHeadingKey]int),
		fetched:    make(map[hostKey]struct{}),
	}
}

// Insert stores r and registers its source id in the host, date and heading
// indexes. A record already stored under the same source id is replaced and
// its old index entries are dropped first, so re-inserting never leaves a
// stale key behind.
func (c *HeadingCache) Insert(r *Record) {
	if r == nil || r.SourceID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.bySourceID[r.SourceID]; ok {
		c.unindex(old)
	}

	stored := r.clone()
	c.bySourceID[r.SourceID] = stored

	hk := hostKey{patientID: r.PatientID, heading: r.Heading, host: r.Host}
	if c.byHost[hk] == nil {
		c.byHost[hk] = make(map[string]struct{})
	}
	c.byHost[hk][r.SourceID] = struct{}{}

	pk := patientHeadingKey{patientID: r.PatientID, heading: r.Heading}
	if c.byDate[pk] == nil {
		c.byDate[pk] = make(map[string]int64)
	}
	c.byDate[pk][r.SourceID] = r.Date

	if c.byHeading[r.Heading] == nil {
		c.byHeading[r.Heading] = make(map[string]struct{})
	}
	c.byHeading[r.Heading][r.SourceID] = struct{}{}

	if r.Version > 0 {
		c.setVersion(r.SourceID, r.Version, stored)
	}
}

// Get returns a copy of the record stored under sourceID.
func (c *HeadingCache) Get(sourceID string) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.bySourceID[sourceID]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// SetPulseTile memoises the presentation projection of a stored record.
// It reports false when the record has been removed in the meantime.
func (c *HeadingCache) SetPulseTile(sourceID string, pulsetile map[string]any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.bySourceID[sourceID]
	if !ok {
		return false
	}
	r.PulseTile = pulsetile
	return true
}

// Update applies fn to the stored record under the write lock. Index keys
// (patient, heading, host, date) must not be changed by fn; use Insert for
// that. A version bump is recorded in the version index.
func (c *HeadingCache) Update(sourceID string, fn func(r *Record)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.bySourceID[sourceID]
	if !ok {
		return false
	}
	fn(r)
	if r.Version > 0 {
		c.setVersion(sourceID, r.Version, r)
	}
	return true
}

// Exists reports whether anything has been cached for the patient and
// heading from the given host.
func (c *HeadingCache) Exists(patientID, heading, host string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byHost[hostKey{patientID: patientID, heading: heading, host: host}]) > 0
}

// MarkFetched records that the patient and heading have been read from
// host, whether or not any record came back.
func (c *HeadingCache) MarkFetched(patientID, heading, host string) {
	c.mu.Lock()
	c.fetched[hostKey{patientID: patientID, heading: heading, host: host}] = struct{}{}
	c.mu.Unlock()
}

// Fetched reports whether MarkFetched was called for the key since it was
// last invalidated.
func (c *HeadingCache) Fetched(patientID, heading, host string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.fetched[hostKey{patientID: patientID, heading: heading, host: host}]
	return ok
}

// SourceIDsByHost lists the source ids cached for one host, sorted.
func (c *HeadingCache) SourceIDsByHost(patientID, heading, host string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.byHost[hostKey{patientID: patientID, heading: heading, host: host}])
}

// SourceIDsByHosts lists the source ids cached for the patient and heading
// across the given hosts, host by host in the order given.
func (c *HeadingCache) SourceIDsByHosts(patientID, heading string, hosts []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for _, host := range hosts {
		ids = append(ids, sortedKeys(c.byHost[hostKey{patientID: patientID, heading: heading, host: host}])...)
	}
	return ids
}

// SourceIDsByDate lists the source ids for the patient and heading newest
// first. Equal dates are ordered by source id. limit <= 0 means no limit.
func (c *HeadingCache) SourceIDsByDate(patientID, heading string, limit int) []string {
	c.mu.RLock()
	entries := c.byDate[patientHeadingKey{patientID: patientID, heading: heading}]
	type dated struct {
		id   string
		date int64
	}
	list := make([]dated, 0, len(entries))
	for id, d := range entries {
		list = append(list, dated{id: id, date: d})
	}
	c.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].date != list[j].date {
			return list[i].date > list[j].date
		}
		return list[i].id < list[j].id
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	ids := make([]string, len(list))
	for i, d := range list {
		ids[i] = d.id
	}
	return ids
}

// SourceIDsByHeading lists every cached source id for a heading, sorted.
func (c *HeadingCache) SourceIDsByHeading(heading string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.byHeading[heading])
}

// GetVersion returns the record variant stored for a specific version.
func (c *HeadingCache) GetVersion(sourceID string, version int) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byVersion[sourceID][version]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// SetVersion stores a record variant for a version without touching the
// primary store.
func (c *HeadingCache) SetVersion(sourceID string, version int, r *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setVersion(sourceID, version, r)
}

// Versions lists the versions cached for sourceID in ascending order.
func (c *HeadingCache) Versions(sourceID string) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	versions := make([]int, 0, len(c.byVersion[sourceID]))
	for v := range c.byVersion[sourceID] {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

// IncrementFetchCount bumps the counter for the patient and heading and
// returns the new value.
func (c *HeadingCache) IncrementFetchCount(patientID, heading string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := patientHeadingKey{patientID: patientID, heading: heading}
	c.fetchCount[k]++
	return c.fetchCount[k]
}

// FetchCount returns the current counter for the patient and heading.
func (c *HeadingCache) FetchCount(patientID, heading string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchCount[patientHeadingKey{patientID: patientID, heading: heading}]
}

// Remove deletes sourceID from every index. It reports whether a record
// was present.
func (c *HeadingCache) Remove(sourceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.bySourceID[sourceID]
	if !ok {
		return false
	}
	c.unindex(r)
	delete(c.bySourceID, sourceID)
	delete(c.byVersion, sourceID)
	return true
}

// InvalidateHost removes every record cached for the patient and heading
// from one host and clears its fetched marker, so the next fetch goes back
// to the host.
func (c *HeadingCache) InvalidateHost(patientID, heading, host string) int {
	c.mu.Lock()
	delete(c.fetched, hostKey{patientID: patientID, heading: heading, host: host})
	c.mu.Unlock()

	n := 0
	for _, id := range c.SourceIDsByHost(patientID, heading, host) {
		if c.Remove(id) {
			n++
		}
	}
	return n
}

// InvalidatePatientHeading removes every record cached for the patient and
// heading and clears the fetched markers, across all hosts. The fetch
// counter is kept.
func (c *HeadingCache) InvalidatePatientHeading(patientID, heading string) int {
	c.mu.Lock()
	for k := range c.fetched {
		if k.patientID == patientID && k.heading == heading {
			delete(c.fetched, k)
		}
	}
	ids := make([]string, 0, len(c.byDate[patientHeadingKey{patientID: patientID, heading: heading}]))
	for id := range c.byDate[patientHeadingKey{patientID: patientID, heading: heading}] {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	n := 0
	for _, id := range ids {
		if c.Remove(id) {
			n++
		}
	}
	return n
}

// Len returns the number of records in the primary store.
func (c *HeadingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySourceID)
}

// setVersion stores a copy of r under sourceID and version. Caller holds mu.
func (c *HeadingCache) setVersion(sourceID string, version int, r *Record) {
	if c.byVersion[sourceID] == nil {
		c.byVersion[sourceID] = make(map[int]*Record)
	}
	c.byVersion[sourceID][version] = r.clone()
}

// unindex drops r from the host, date and heading indexes. Caller holds mu.
func (c *HeadingCache) unindex(r *Record) {
	hk := hostKey{patientID: r.PatientID, heading: r.Heading, host: r.Host}
	if set, ok := c.byHost[hk]; ok {
		delete(set, r.SourceID)
		if len(set) == 0 {
			delete(c.byHost, hk)
		}
	}
	pk := patientHeadingKey{patientID: r.PatientID, heading: r.Heading}
	if dates, ok := c.byDate[pk]; ok {
		delete(dates, r.SourceID)
		if len(dates) == 0 {
			delete(c.byDate, pk)
		}
	}
	if set, ok := c.byHeading[r.Heading]; ok {
		delete(set, r.SourceID)
		if len(set) == 0 {
			delete(c.byHeading, r.Heading)
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
