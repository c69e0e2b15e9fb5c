package cache

import (
	"sort"
	"sync"
)

// Mapping links a Discovery-originated record to the openEHR composition it
// was posted as.
type Mapping struct {
	DiscoverySourceID string `json:"discoverySourceId"`
	OpenEHRSourceID   string `json:"openEhrSourceId"`
	PatientID         string `json:"patientId"`
	Heading           string `json:"heading"`
}

// DiscoveryMap indexes Mappings by discovery source id, by openEHR source id
// and by patient and heading. A discovery source id maps to at most one
// openEHR source id.
type DiscoveryMap struct {
	mu          sync.RWMutex
	byDiscovery map[string]Mapping
	byOpenEHR   map[string]string
	byPatient   map[patientHeadingKey]map[string]struct{}
}

// NewDiscoveryMap creates an empty DiscoveryMap.
func NewDiscoveryMap() *DiscoveryMap {
	return &DiscoveryMap{
		byDiscovery: make(map[string]Mapping),
		byOpenEHR:   make(map[string]string),
		byPatient:   make(map[patientHeadingKey]map[string]struct{}),
	}
}

// Set records m, replacing any mapping held for m.DiscoverySourceID.
func (d *DiscoveryMap) Set(m Mapping) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.byDiscovery[m.DiscoverySourceID]; ok {
		d.unindex(old)
	}
	d.byDiscovery[m.DiscoverySourceID] = m
	d.byOpenEHR[m.OpenEHRSourceID] = m.DiscoverySourceID
	k := patientHeadingKey{patientID: m.PatientID, heading: m.Heading}
	if d.byPatient[k] == nil {
		d.byPatient[k] = make(map[string]struct{})
	}
	d.byPatient[k][m.DiscoverySourceID] = struct{}{}
}

// Get returns the mapping held for a discovery source id.
func (d *DiscoveryMap) Get(discoverySourceID string) (Mapping, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byDiscovery[discoverySourceID]
	return m, ok
}

// Exists reports whether a discovery source id has already been merged.
func (d *DiscoveryMap) Exists(discoverySourceID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byDiscovery[discoverySourceID]
	return ok
}

// IsDiscoveryRecord reports whether an openEHR source id was created from
// a Discovery record.
func (d *DiscoveryMap) IsDiscoveryRecord(openEHRSourceID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byOpenEHR[openEHRSourceID]
	return ok
}

// ByOpenEHR returns the mapping for an openEHR source id.
func (d *DiscoveryMap) ByOpenEHR(openEHRSourceID string) (Mapping, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byOpenEHR[openEHRSourceID]
	if !ok {
		return Mapping{}, false
	}
	m, ok := d.byDiscovery[id]
	return m, ok
}

// ByPatientHeading lists the mappings of a patient for one heading, ordered
// by discovery source id.
func (d *DiscoveryMap) ByPatientHeading(patientID, heading string) []Mapping {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := sortedKeys(d.byPatient[patientHeadingKey{patientID: patientID, heading: heading}])
	out := make([]Mapping, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.byDiscovery[id])
	}
	return out
}

// ByHeading lists every mapping for a heading, ordered by patient and
// discovery source id.
func (d *DiscoveryMap) ByHeading(heading string) []Mapping {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Mapping
	for _, m := range d.byDiscovery {
		if m.Heading == heading {
			out = append(out, m)
		}
	}
	sortMappings(out)
	return out
}

// All lists every mapping, ordered by patient, heading and discovery source id.
func (d *DiscoveryMap) All() []Mapping {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Mapping, 0, len(d.byDiscovery))
	for _, m := range d.byDiscovery {
		out = append(out, m)
	}
	sortMappings(out)
	return out
}

// Delete removes the mapping for a discovery source id.
func (d *DiscoveryMap) Delete(discoverySourceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.byDiscovery[discoverySourceID]
	if !ok {
		return false
	}
	d.unindex(m)
	return true
}

// DeleteByOpenEHR removes the mapping pointing at an openEHR source id and
// returns it.
func (d *DiscoveryMap) DeleteByOpenEHR(openEHRSourceID string) (Mapping, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byOpenEHR[openEHRSourceID]
	if !ok {
		return Mapping{}, false
	}
	m := d.byDiscovery[id]
	d.unindex(m)
	return m, true
}

// Len returns the number of mappings held.
func (d *DiscoveryMap) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byDiscovery)
}

func (d *DiscoveryMap) unindex(m Mapping) {
	delete(d.byDiscovery, m.DiscoverySourceID)
	if d.byOpenEHR[m.OpenEHRSourceID] == m.DiscoverySourceID {
		delete(d.byOpenEHR, m.OpenEHRSourceID)
	}
	k := patientHeadingKey{patientID: m.PatientID, heading: m.Heading}
	if set, ok := d.byPatient[k]; ok {
		delete(set, m.DiscoverySourceID)
		if len(set) == 0 {
			delete(d.byPatient, k)
		}
	}
}

func sortMappings(ms []Mapping) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].PatientID != ms[j].PatientID {
			return ms[i].PatientID < ms[j].PatientID
		}
		if ms[i].Heading != ms[j].Heading {
			return ms[i].Heading < ms[j].Heading
		}
		return ms[i].DiscoverySourceID < ms[j].DiscoverySourceID
	})
}
