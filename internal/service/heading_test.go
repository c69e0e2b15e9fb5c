package service

import (
	"context"
	"errors"
	"testing"

	"github.com/ripple/cdr-openehr/internal/cache"
	"github.com/ripple/cdr-openehr/internal/heading"
	"github.com/ripple/cdr-openehr/internal/openehr"
)

func TestFetch_IsIdempotent(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{procedureRow("aaa", "quux", "2019-01-01T15:00:00Z")}
	ctx := context.Background()

	if r := h.headings.Fetch(ctx, "ethercis", testPatient, "procedures"); !r.OK {
		t.Fatalf("unexpected failure: %v", r.Err)
	}
	if r := h.headings.Fetch(ctx, "ethercis", testPatient, "procedures"); !r.OK {
		t.Fatalf("unexpected failure: %v", r.Err)
	}
	if n := h.transport.count("query"); n != 1 {
		t.Errorf("expected exactly 1 remote query, got %d", n)
	}
}

func TestFetch_IndexesEveryRecord(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{
		procedureRow("aaa", "first", "2019-01-01T15:00:00Z"),
		procedureRow("bbb", "second", "2019-02-01T15:00:00Z"),
		{"procedure_name": "no uid"},
	}
	h.headings.Fetch(context.Background(), "ethercis", testPatient, "procedures")

	for _, id := range []string{"ethercis-aaa", "ethercis-bbb"} {
		rec, ok := h.records.Get(id)
		if !ok {
			t.Fatalf("expected %s in the primary index", id)
		}
		if rec.PatientID != testPatient || rec.Heading != "procedures" || rec.Host != "ethercis" {
			t.Errorf("unexpected record keys %+v", rec)
		}
	}
	if got := h.records.SourceIDsByHost(testPatient, "procedures", "ethercis"); len(got) != 2 {
		t.Errorf("expected 2 ids by host, got %v", got)
	}
	byDate := h.records.SourceIDsByDate(testPatient, "procedures", 0)
	if len(byDate) != 2 || byDate[0] != "ethercis-bbb" {
		t.Errorf("expected newest first by date, got %v", byDate)
	}
	if h.records.Len() != 2 {
		t.Errorf("rows without uid must be skipped, got %d records", h.records.Len())
	}
}

func TestFetch_FailureIsReportedNotReturned(t *testing.T) {
	h := newHarness()
	h.transport.queryErr = errors.New("connection refused")

	r := h.headings.Fetch(context.Background(), "ethercis", testPatient, "procedures")
	if r.OK || r.Err == nil {
		t.Fatalf("expected a failed FetchResult, got %+v", r)
	}
	if h.records.Exists(testPatient, "procedures", "ethercis") || h.records.Fetched(testPatient, "procedures", "ethercis") {
		t.Error("a failed fetch must not mark the host as fetched")
	}
}

func TestFetchOne_OneHostFailingDoesNotAbortOthers(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{procedureRow("aaa", "quux", "2019-01-01T15:00:00Z")}
	broken := newFakeTransport()
	broken.startErr = errors.New("login refused")
	h.hosts.Register(openehr.Host{Name: "marand"}, broken)

	results := h.headings.FetchOne(context.Background(), testPatient, "procedures")
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].OK || results[0].Host != "ethercis" {
		t.Errorf("expected ethercis to succeed, got %+v", results[0])
	}
	var se *SessionError
	if results[1].OK || !errors.As(results[1].Err, &se) {
		t.Errorf("expected marand to fail with a SessionError, got %+v", results[1])
	}
	if !h.records.Exists(testPatient, "procedures", "ethercis") {
		t.Error("expected ethercis records to be cached")
	}
}

func TestFetch_NoEhrIsEmpty(t *testing.T) {
	h := newHarness()
	r := h.headings.Fetch(context.Background(), "ethercis", "1234567890", "procedures")
	if !r.OK {
		t.Fatalf("expected OK without EHR, got %v", r.Err)
	}
	if n := h.transport.count("query"); n != 0 {
		t.Errorf("expected no query without EHR, got %d", n)
	}
	if n := h.transport.count("postEhr"); n != 0 {
		t.Errorf("reads must not create an EHR, got %d", n)
	}
}

func TestFetch_EmptyHeadingIsCached(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if r := h.headings.Fetch(ctx, "ethercis", testPatient, "procedures"); !r.OK {
			t.Fatalf("unexpected failure: %v", r.Err)
		}
	}
	if n := h.transport.count("query"); n != 1 {
		t.Errorf("expected 1 query for an empty heading, got %d", n)
	}
	if !h.records.Fetched(testPatient, "procedures", "ethercis") {
		t.Error("expected the empty heading to be marked fetched")
	}

	h.records.InvalidateHost(testPatient, "procedures", "ethercis")
	h.headings.Fetch(ctx, "ethercis", testPatient, "procedures")
	if n := h.transport.count("query"); n != 2 {
		t.Errorf("expected a new query after invalidation, got %d", n)
	}
}

func TestFetch_NoEhrIsCached(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.headings.Fetch(ctx, "ethercis", "1234567890", "procedures")
	h.headings.Fetch(ctx, "ethercis", "1234567890", "procedures")
	if n := h.transport.count("getEhr"); n != 1 {
		t.Errorf("expected 1 EHR lookup, got %d", n)
	}
}

func TestFetch_CountsSynthesisesIdentity(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{{"ehr_id": "ehr-1", "count": float64(4)}}
	h.headings.Fetch(context.Background(), "ethercis", testPatient, heading.Counts)

	ids := h.records.SourceIDsByHost(testPatient, heading.Counts, "ethercis")
	if len(ids) != 1 {
		t.Fatalf("expected one counts record, got %v", ids)
	}
	rec, _ := h.records.Get(ids[0])
	if rec.Date != h.clock.Now().UnixMilli() {
		t.Errorf("expected date from the clock, got %d", rec.Date)
	}
	if rec.UID == "" {
		t.Error("expected a synthesised uid")
	}
}

func TestGetBySourceID_Missing(t *testing.T) {
	h := newHarness()
	if got := h.headings.GetBySourceID("ethercis-nothing", heading.Detail); len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

func TestGetBySourceID_SynopsisProjection(t *testing.T) {
	h := newHarness()
	h.records.Insert(&cache.Record{
		SourceID:  "ethercis-0f71",
		Heading:   "procedures",
		Host:      "ethercis",
		PatientID: testPatient,
		PulseTile: map[string]any{
			"source":         "ethercis",
			"sourceId":       "ethercis-0f71",
			"procedure_name": "quux",
			"name":           "John Doe",
			"date":           "2019-01-01",
			"time":           "15:00",
		},
	})

	got := h.headings.GetBySourceID("ethercis-0f71", heading.Synopsis)
	want := map[string]any{"sourceId": "ethercis-0f71", "source": "ethercis", "text": "quux"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}

	h.records.Update("ethercis-0f71", func(r *cache.Record) {
		r.PulseTile = map[string]any{"source": "ethercis", "sourceId": "ethercis-0f71"}
	})
	if got := h.headings.GetBySourceID("ethercis-0f71", heading.Synopsis); got["text"] != "" {
		t.Errorf("expected empty text, got %v", got["text"])
	}
}

func TestGetBySourceID_MemoisesTransform(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{procedureRow("aaa", "quux", "2019-01-01T15:00:00Z")}
	h.headings.Fetch(context.Background(), "ethercis", testPatient, "procedures")

	got := h.headings.GetBySourceID("ethercis-aaa", heading.Summary)
	if got["procedure_name"] != "quux" || got["date"] != "2019-01-01" || got["time"] != "15:00" {
		t.Errorf("unexpected summary %v", got)
	}
	rec, _ := h.records.Get("ethercis-aaa")
	if rec.PulseTile == nil || rec.PulseTile["sourceId"] != "ethercis-aaa" {
		t.Errorf("expected the presentation to be stored back, got %v", rec.PulseTile)
	}
}

func TestGetBySourceID_DiscoveryProvenance(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{procedureRow("aaa", "quux", "2019-01-01T15:00:00Z")}
	h.headings.Fetch(context.Background(), "ethercis", testPatient, "procedures")
	h.mappings.Set(cache.Mapping{DiscoverySourceID: "d-1", OpenEHRSourceID: "ethercis-aaa", PatientID: testPatient, Heading: "procedures"})

	for _, f := range []heading.Format{heading.Detail, heading.Summary, heading.Synopsis} {
		if got := h.headings.GetBySourceID("ethercis-aaa", f); got["source"] != GPSource {
			t.Errorf("%s: expected source GP, got %v", f, got["source"])
		}
	}
	rec, _ := h.records.Get("ethercis-aaa")
	if rec.PulseTile["source"] != "ethercis" {
		t.Error("the override must not leak into the cached presentation")
	}
}

func TestGetSummary_CountsFetches(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{
		procedureRow("aaa", "first", "2019-01-01T15:00:00Z"),
		procedureRow("bbb", "second", "2019-02-01T15:00:00Z"),
	}
	ctx := context.Background()

	first, err := h.headings.GetSummary(ctx, testPatient, "procedures")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first.Results) != 2 || first.FetchCount != 1 {
		t.Errorf("unexpected summary %+v", first)
	}
	second, _ := h.headings.GetSummary(ctx, testPatient, "procedures")
	if second.FetchCount != 2 {
		t.Errorf("expected fetch count 2, got %d", second.FetchCount)
	}
	if n := h.transport.count("query"); n != 1 {
		t.Errorf("expected 1 query across both reads, got %d", n)
	}
}

func TestGetSummary_Validation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if _, err := h.headings.GetSummary(ctx, "abc", "procedures"); !errors.Is(err, ErrInvalidPatientID) {
		t.Errorf("expected ErrInvalidPatientID, got %v", err)
	}
	if _, err := h.headings.GetSummary(ctx, testPatient, "nonsense"); !errors.Is(err, ErrInvalidHeading) {
		t.Errorf("expected ErrInvalidHeading, got %v", err)
	}
	if n := h.transport.count("startSession"); n != 0 {
		t.Errorf("validation errors must not reach the host, got %d session starts", n)
	}
}

func TestGetSynopsis_Limit(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{
		procedureRow("aaa", "oldest", "2019-01-01T15:00:00Z"),
		procedureRow("bbb", "newest", "2019-03-01T15:00:00Z"),
		procedureRow("ccc", "middle", "2019-02-01T15:00:00Z"),
	}

	got, err := h.headings.GetSynopsis(context.Background(), testPatient, "procedures", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0]["text"] != "newest" || got[1]["text"] != "middle" {
		t.Errorf("unexpected synopsis %v", got)
	}

	all, _ := h.headings.GetSynopses(context.Background(), testPatient, []string{"procedures"}, 0)
	if len(all["procedures"]) != 3 {
		t.Errorf("expected 3 synopses, got %v", all)
	}
}

func TestPost_UnknownHeadingFailsFast(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	data := map[string]any{"x": "y"}

	if _, err := h.headings.Post(ctx, "", testPatient, "nonsense", data); !errors.Is(err, ErrUnprocessableEntity) {
		t.Errorf("expected ErrUnprocessableEntity, got %v", err)
	}
	if _, err := h.headings.Post(ctx, "", testPatient, heading.Counts, data); !errors.Is(err, ErrUnprocessableEntity) {
		t.Errorf("expected ErrUnprocessableEntity for read-only heading, got %v", err)
	}
	if _, err := h.headings.Post(ctx, "", testPatient, "procedures", nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("expected ErrEmptyPayload, got %v", err)
	}
	if n := h.transport.count("startSession"); n != 0 {
		t.Errorf("expected no remote calls, got %d session starts", n)
	}
}

func TestPost_CreatesCompositionAndInvalidates(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{procedureRow("aaa", "quux", "2019-01-01T15:00:00Z")}
	ctx := context.Background()
	h.headings.Fetch(ctx, "ethercis", testPatient, "procedures")

	res, err := h.headings.Post(ctx, "", testPatient, "procedures", map[string]any{"procedure_name": "new one", "date": "2019-05-01", "time": "10:00"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK || res.Host != "ethercis" || res.Heading != "procedures" || res.CompositionUID != "posted1::vm01.ethercis.org::1" {
		t.Errorf("unexpected result %+v", res)
	}
	if h.transport.templates[0] != "IDCR - Procedures List.v1" {
		t.Errorf("unexpected template %s", h.transport.templates[0])
	}
	flat := h.transport.posted[0]
	if flat["procedures_list/procedures_list:0/procedure:0/procedure_name|value"] != "new one" {
		t.Errorf("unexpected flat composition %v", flat)
	}
	if h.records.Exists(testPatient, "procedures", "ethercis") {
		t.Error("expected the host's cached heading to be invalidated")
	}
}

func TestPost_CreatesMissingEhr(t *testing.T) {
	h := newHarness()
	if _, err := h.headings.Post(context.Background(), "ethercis", "1234567890", "procedures", map[string]any{"procedure_name": "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := h.transport.count("postEhr"); n != 1 {
		t.Errorf("expected the EHR to be created, got %d", n)
	}
}

func TestPost_NoCompositionUID(t *testing.T) {
	h := newHarness()
	h.transport.noUID = true
	res, err := h.headings.Post(context.Background(), "", testPatient, "procedures", map[string]any{"procedure_name": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Error("expected OK false without a composition uid")
	}
}

func TestPost_RemoteErrorPropagates(t *testing.T) {
	h := newHarness()
	h.transport.postErr = &openehr.RemoteError{Host: "ethercis", Op: "postComposition", Status: 400}
	_, err := h.headings.Post(context.Background(), "", testPatient, "procedures", map[string]any{"procedure_name": "x"})
	var re *openehr.RemoteError
	if !errors.As(err, &re) {
		t.Errorf("expected RemoteError, got %v", err)
	}
}

func TestPut_RequiresCachedRecord(t *testing.T) {
	h := newHarness()
	_, err := h.headings.Put(context.Background(), testPatient, "procedures", "ethercis-unknown", map[string]any{"procedure_name": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if n := h.transport.count("putComposition"); n != 0 {
		t.Errorf("expected no remote put, got %d", n)
	}
}

func TestPut_UpdatesRecordInPlace(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{procedureRow("aaa", "quux", "2019-01-01T15:00:00Z")}
	ctx := context.Background()
	h.headings.Fetch(ctx, "ethercis", testPatient, "procedures")

	res, err := h.headings.Put(ctx, testPatient, "procedures", "ethercis-aaa", map[string]any{"procedure_name": "corrected"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK || res.CompositionUID != "aaa::vm01.ethercis.org::2" || res.SourceID != "ethercis-aaa" {
		t.Errorf("unexpected result %+v", res)
	}
	rec, _ := h.records.Get("ethercis-aaa")
	if rec.UID != "aaa::vm01.ethercis.org::2" {
		t.Errorf("expected updated uid, got %s", rec.UID)
	}
	if got := h.headings.GetBySourceID("ethercis-aaa", heading.Synopsis); got["text"] != "corrected" {
		t.Errorf("expected updated presentation, got %v", got)
	}
}

func TestDelete_RemovesFromEveryIndex(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{procedureRow("aaa", "quux", "2019-01-01T15:00:00Z")}
	ctx := context.Background()
	h.headings.Fetch(ctx, "ethercis", testPatient, "procedures")
	m := cache.Mapping{DiscoverySourceID: "d-1", OpenEHRSourceID: "ethercis-aaa", PatientID: testPatient, Heading: "procedures"}
	h.mappings.Set(m)
	h.store.SaveMapping(ctx, m)

	if err := h.headings.Delete(ctx, testPatient, "procedures", "ethercis-aaa"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := h.records.Get("ethercis-aaa"); ok {
		t.Error("expected record removed from the primary index")
	}
	if h.records.Exists(testPatient, "procedures", "ethercis") {
		t.Error("expected record removed from the host index")
	}
	if ids := h.records.SourceIDsByDate(testPatient, "procedures", 0); len(ids) != 0 {
		t.Errorf("expected record removed from the date index, got %v", ids)
	}
	if ids := h.records.SourceIDsByHeading("procedures"); len(ids) != 0 {
		t.Errorf("expected record removed from the heading index, got %v", ids)
	}
	if h.mappings.Exists("d-1") {
		t.Error("expected discovery mapping removed")
	}
	if stored, _ := h.store.ListMappings(ctx, testPatient); len(stored) != 0 {
		t.Errorf("expected stored mapping removed, got %v", stored)
	}
	if h.transport.deleted[0] != "aaa::vm01.ethercis.org::1" {
		t.Errorf("unexpected deleted composition %v", h.transport.deleted)
	}
}

func TestDelete_RemoteFailureKeepsCache(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{procedureRow("aaa", "quux", "2019-01-01T15:00:00Z")}
	ctx := context.Background()
	h.headings.Fetch(ctx, "ethercis", testPatient, "procedures")
	h.transport.deleteErr = errors.New("timeout")

	if err := h.headings.Delete(ctx, testPatient, "procedures", "ethercis-aaa"); err == nil {
		t.Fatal("expected the remote error")
	}
	if _, ok := h.records.Get("ethercis-aaa"); !ok {
		t.Error("expected the record to stay cached")
	}
}

func TestDelete_SessionStopFailureDoesNotMaskSuccess(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{procedureRow("aaa", "quux", "2019-01-01T15:00:00Z")}
	ctx := context.Background()
	h.headings.Fetch(ctx, "ethercis", testPatient, "procedures")

	// force the session to be stopped remotely after the delete
	h.sessions.timeout = 0
	h.transport.stopErr = errors.New("logout failed")

	if err := h.headings.Delete(ctx, testPatient, "procedures", "ethercis-aaa"); err != nil {
		t.Fatalf("expected success despite stop failure, got %v", err)
	}
	if _, ok := h.records.Get("ethercis-aaa"); ok {
		t.Error("expected record removed")
	}
}

func TestDelete_NotCached(t *testing.T) {
	h := newHarness()
	err := h.headings.Delete(context.Background(), testPatient, "procedures", "ethercis-zzz")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestVersions(t *testing.T) {
	h := newHarness()
	h.transport.rows = []map[string]any{{
		"uid":          "rf1::vm01.ethercis.org::2",
		"status":       "complete",
		"date_created": "2019-01-01T15:00:00Z",
	}}
	h.transport.versionRows = []map[string]any{
		{"version": float64(2), "date_created": "2019-01-02T00:00:00Z"},
		{"version": float64(1), "date_created": "2019-01-01T00:00:00Z"},
	}
	h.transport.compositions["rf1::vm01.ethercis.org::1"] = map[string]any{"respect_form/context/status": "incomplete"}
	ctx := context.Background()
	h.headings.Fetch(ctx, "ethercis", testPatient, "respectforms")

	versions, err := h.headings.GetVersions(ctx, testPatient, "respectforms", "ethercis-rf1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(versions) != 2 || versions[0].Version != 1 || versions[1].Version != 2 {
		t.Errorf("unexpected versions %+v", versions)
	}

	cached, err := h.headings.GetVersion(ctx, testPatient, "respectforms", "ethercis-rf1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cached["status"] != "complete" {
		t.Errorf("expected version 2 from the version index, got %v", cached)
	}
	if n := h.transport.count("getComposition"); n != 0 {
		t.Errorf("expected no remote read for a cached version, got %d", n)
	}

	old, err := h.headings.GetVersion(ctx, testPatient, "respectforms", "ethercis-rf1", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if old["respect_form/context/status"] != "incomplete" || old["version"] != 1 {
		t.Errorf("unexpected version 1 %v", old)
	}
	if got := h.records.Versions("ethercis-rf1"); len(got) != 2 {
		t.Errorf("expected both versions cached, got %v", got)
	}

	if _, err := h.headings.GetVersions(ctx, testPatient, "procedures", "ethercis-rf1"); !errors.Is(err, ErrUnprocessableEntity) {
		t.Errorf("expected ErrUnprocessableEntity for unversioned heading, got %v", err)
	}
}
