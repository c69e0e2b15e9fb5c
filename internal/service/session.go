package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ripple/cdr-openehr/internal/cache"
	"github.com/ripple/cdr-openehr/internal/openehr"
	"github.com/ripple/cdr-openehr/internal/platform/metrics"
)

// ExpiryPolicy selects the instant a session's age is measured from.
type ExpiryPolicy string

const (
	// ExpireFromCreation ages a session from when it was opened, so a busy
	// session is still rotated once the timeout has passed.
	ExpireFromCreation ExpiryPolicy = "created"
	// ExpireFromLastUse ages a session from its last start or stop.
	ExpireFromLastUse ExpiryPolicy = "last_used"
)

var errNoSessionID = errors.New("no session id returned")

// SessionConfig configures session reuse.
type SessionConfig struct {
	Timeout time.Duration
	Policy  ExpiryPolicy
}

// SessionService hands out one shared session per host and keeps it warm
// until it is older than the timeout.
type SessionService struct {
	hosts   *openehr.Registry
	cache   *cache.SessionCache
	timeout time.Duration
	policy  ExpiryPolicy
	now     func() time.Time
	group   singleflight.Group
	metrics *metrics.Collector
	logger  zerolog.Logger
}

func NewSessionService(hosts *openehr.Registry, sc *cache.SessionCache, cfg SessionConfig, logger zerolog.Logger, m *metrics.Collector) *SessionService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.Policy != ExpireFromLastUse {
		cfg.Policy = ExpireFromCreation
	}
	return &SessionService{
		hosts:   hosts,
		cache:   sc,
		timeout: cfg.Timeout,
		policy:  cfg.Policy,
		now:     time.Now,
		metrics: m,
		logger:  logger.With().Str("component", "session").Logger(),
	}
}

func (s *SessionService) expired(e cache.SessionEntry, now time.Time) bool {
	from := e.CreationTime
	if s.policy == ExpireFromLastUse && e.LastUsed.After(from) {
		from = e.LastUsed
	}
	return now.Sub(from) >= s.timeout
}

// Start returns the cached session for host while it is younger than the
// timeout. Otherwise the expired session is stopped (best effort) and
// evicted, and a new one is opened. Concurrent starts for the same host
// share one remote call.
func (s *SessionService) Start(ctx context.Context, host string) (string, error) {
	if id, ok := s.reuse(host); ok {
		return id, nil
	}

	v, err, _ := s.group.Do(host, func() (interface{}, error) {
		if id, ok := s.reuse(host); ok {
			return id, nil
		}
		client, err := s.hosts.Client(host)
		if err != nil {
			return "", &SessionError{Host: host, Err: err}
		}

		if old, ok := s.cache.Get(host); ok {
			s.cache.Delete(host)
			s.metrics.Session(host, "expired")
			if err := client.StopSession(ctx, old.ID); err != nil {
				s.logger.Warn().Err(err).Str("host", host).Msg("failed to stop expired session")
			}
		}

		id, err := client.StartSession(ctx)
		if err != nil {
			s.metrics.Session(host, "error")
			return "", &SessionError{Host: host, Err: err}
		}
		if id == "" {
			s.metrics.Session(host, "error")
			return "", &SessionError{Host: host, Err: errNoSessionID}
		}

		now := s.now()
		s.cache.Set(cache.SessionEntry{Host: host, ID: id, CreationTime: now, LastUsed: now})
		s.metrics.Session(host, "created")
		s.logger.Debug().Str("host", host).Msg("openEHR session started")
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *SessionService) reuse(host string) (string, bool) {
	e, ok := s.cache.Get(host)
	if !ok {
		return "", false
	}
	now := s.now()
	if s.expired(e, now) {
		return "", false
	}
	s.cache.Touch(host, e.ID, now)
	s.metrics.Session(host, "reused")
	return e.ID, true
}

// Stop marks the end of an operation on sessionID. A cached session still
// inside its timeout is kept for reuse and false is returned. An expired
// cached session is evicted and stopped remotely, as is a session the cache
// no longer tracks.
func (s *SessionService) Stop(ctx context.Context, host, sessionID string) (bool, error) {
	now := s.now()
	if e, ok := s.cache.Get(host); ok && e.ID == sessionID {
		if !s.expired(e, now) {
			s.cache.Touch(host, sessionID, now)
			return false, nil
		}
		s.cache.Delete(host)
		s.metrics.Session(host, "expired")
	}

	client, err := s.hosts.Client(host)
	if err != nil {
		return false, &SessionError{Host: host, Err: err}
	}
	if err := client.StopSession(ctx, sessionID); err != nil {
		return false, &SessionError{Host: host, Err: err}
	}
	s.metrics.Session(host, "stopped")
	s.logger.Debug().Str("host", host).Msg("openEHR session stopped")
	return true, nil
}

// release stops a session at the end of an operation. Its failure never
// changes the outcome of the operation, so it is only logged.
func (s *SessionService) release(ctx context.Context, host, sessionID string) {
	if _, err := s.Stop(ctx, host, sessionID); err != nil {
		s.logger.Warn().Err(err).Str("host", host).Msg("failed to release session")
	}
}
