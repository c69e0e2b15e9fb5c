package openehr

import (
	"strconv"
	"strings"
)

// CompositionUUID returns the first "::" segment of a composition uid, the
// part that identifies the composition across versions.
func CompositionUUID(uid string) string {
	if i := strings.Index(uid, "::"); i >= 0 {
		return uid[:i]
	}
	return uid
}

// CompositionVersion returns the trailing version number of a uid of the
// form "{uuid}::{namespace}::{version}", or 0 when there is none.
func CompositionVersion(uid string) int {
	parts := strings.Split(uid, "::")
	if len(parts) < 3 {
		return 0
	}
	v, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// VersionedUID replaces the version suffix of uid.
func VersionedUID(uid string, version int) string {
	parts := strings.Split(uid, "::")
	if len(parts) < 3 {
		return uid
	}
	parts[len(parts)-1] = strconv.Itoa(version)
	return strings.Join(parts, "::")
}

// SourceID builds the stable external id "{host}-{uuid}" for a composition.
func SourceID(host, uid string) string {
	return host + "-" + CompositionUUID(uid)
}

// SplitSourceID splits a source id built by SourceID. Host names never
// contain a hyphen, so the first hyphen separates host and uuid.
func SplitSourceID(sourceID string) (host, compositionUUID string, ok bool) {
	i := strings.Index(sourceID, "-")
	if i <= 0 || i == len(sourceID)-1 {
		return "", "", false
	}
	return sourceID[:i], sourceID[i+1:], true
}
