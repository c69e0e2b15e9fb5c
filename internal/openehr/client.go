// Package openehr is the transport to EtherCIS and Marand openEHR servers:
// session handling, AQL queries, EHR lookup and FLAT composition writes.
package openehr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEhrNotFound is returned by GetEhr when the patient has no EHR on
	// the host.
	ErrEhrNotFound = errors.New("ehr not found")

	// ErrUnknownHost is returned when a host name is not registered.
	ErrUnknownHost = errors.New("unknown openEHR host")
)

// RemoteError is a non-2xx response from an openEHR host.
type RemoteError struct {
	Host   string
	Op     string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("openehr %s %s: status %d: %s", e.Host, e.Op, e.Status, e.Body)
}

// SessionTransport opens and closes server sessions.
type SessionTransport interface {
	StartSession(ctx context.Context) (string, error)
	StopSession(ctx context.Context, sessionID string) error
}

// PutResult is the outcome of a composition update.
type PutResult struct {
	CompositionUID string `json:"compositionUid"`
	Action         string `json:"action"`
}

// CompositionTransport reads, writes and queries compositions.
type CompositionTransport interface {
	GetComposition(ctx context.Context, sessionID, compositionID string) (map[string]any, error)
	PostComposition(ctx context.Context, sessionID, ehrID, templateID string, flat map[string]any) (string, error)
	PutComposition(ctx context.Context, sessionID, compositionID, templateID string, flat map[string]any) (PutResult, error)
	DeleteComposition(ctx context.Context, sessionID, compositionID string) error
	Query(ctx context.Context, sessionID, aql string) ([]map[string]any, error)
	PostQuery(ctx context.Context, sessionID, query string) ([]map[string]any, error)
}

// EhrTransport resolves and creates patient EHRs.
type EhrTransport interface {
	GetEhr(ctx context.Context, sessionID, patientID string) (string, error)
	PostEhr(ctx context.Context, sessionID, patientID string) (string, error)
}

// Client is everything the services need from one openEHR host.
type Client interface {
	SessionTransport
	CompositionTransport
	EhrTransport
}
