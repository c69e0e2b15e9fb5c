package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// SessionEntry is a live openEHR session for one host.
type SessionEntry struct {
	Host         string    `json:"host"`
	ID           string    `json:"id"`
	CreationTime time.Time `json:"creationTime"`
	LastUsed     time.Time `json:"lastUsed"`
}

// SessionCache keeps at most one SessionEntry per host. Entries never expire
// on their own: the session service decides when an entry is too old, so
// that it still holds the session id it needs to stop remotely.
type SessionCache struct {
	c *gocache.Cache
}

// NewSessionCache creates an empty SessionCache.
func NewSessionCache() *SessionCache {
	return &SessionCache{c: gocache.New(gocache.NoExpiration, 0)}
}

// Get returns the cached session for host.
func (s *SessionCache) Get(host string) (SessionEntry, bool) {
	v, ok := s.c.Get(host)
	if !ok {
		return SessionEntry{}, false
	}
	return v.(SessionEntry), true
}

// Set replaces the cached session for entry.Host.
func (s *SessionCache) Set(entry SessionEntry) {
	s.c.Set(entry.Host, entry, gocache.NoExpiration)
}

// Touch records a use of the cached session for host, if it is still the
// session identified by id.
func (s *SessionCache) Touch(host, id string, at time.Time) {
	v, ok := s.c.Get(host)
	if !ok {
		return
	}
	entry := v.(SessionEntry)
	if entry.ID != id {
		return
	}
	entry.LastUsed = at
	s.c.Set(host, entry, gocache.NoExpiration)
}

// Delete evicts the cached session for host.
func (s *SessionCache) Delete(host string) {
	s.c.Delete(host)
}

// Hosts lists the hosts that currently have a cached session.
func (s *SessionCache) Hosts() []string {
	items := s.c.Items()
	hosts := make([]string, 0, len(items))
	for h := range items {
		hosts = append(hosts, h)
	}
	return hosts
}
