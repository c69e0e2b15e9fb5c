// Package service holds the orchestration between the HTTP layer, the caches
// and the openEHR hosts: session reuse, EHR resolution, heading reads and
// writes, Discovery merge and the per-patient synchronisation cycle.
package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnprocessableEntity = errors.New("unprocessable entity")
	ErrInvalidPatientID    = errors.New("invalid patient id")
	ErrInvalidHeading      = errors.New("invalid or missing heading")
	ErrEmptyPayload        = errors.New("empty payload")
	ErrSyncInProgress      = errors.New("discovery sync already running for patient")
)

// SessionError reports a failure to obtain or release an openEHR session.
type SessionError struct {
	Host string
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("openehr session on %s: %v", e.Host, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// FetchResult is the outcome of fetching one heading from one host. Fetch
// failures are reported here instead of being returned, so one failing
// host does not abort a fan-out.
type FetchResult struct {
	Host string
	OK   bool
	Err  error
}

// NormalizePatientID returns the canonical string form of a patient id (an
// NHS number): surrounding whitespace removed, digits only.
func NormalizePatientID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > 20 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPatientID, raw)
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidPatientID, raw)
		}
	}
	return id, nil
}
