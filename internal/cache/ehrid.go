package cache

import (
	gocache "github.com/patrickmn/go-cache"
)

// EhrIDCache maps a patient on a host to the host's ehrId. The mapping is a
// stable identity relationship, so entries are kept indefinitely.
type EhrIDCache struct {
	c *gocache.Cache
}

// NewEhrIDCache creates an empty EhrIDCache.
func NewEhrIDCache() *EhrIDCache {
	return &EhrIDCache{c: gocache.New(gocache.NoExpiration, 0)}
}

func ehrKey(host, patientID string) string {
	return host + "/" + patientID
}

// Get returns the cached ehrId for the patient on host.
func (e *EhrIDCache) Get(host, patientID string) (string, bool) {
	v, ok := e.c.Get(ehrKey(host, patientID))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Set caches the ehrId for the patient on host.
func (e *EhrIDCache) Set(host, patientID, ehrID string) {
	e.c.Set(ehrKey(host, patientID), ehrID, gocache.NoExpiration)
}

// Delete drops the cached ehrId for the patient on host.
func (e *EhrIDCache) Delete(host, patientID string) {
	e.c.Delete(ehrKey(host, patientID))
}
