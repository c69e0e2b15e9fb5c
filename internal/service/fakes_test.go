package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ripple/cdr-openehr/internal/cache"
	"github.com/ripple/cdr-openehr/internal/discovery"
	"github.com/ripple/cdr-openehr/internal/heading"
	"github.com/ripple/cdr-openehr/internal/openehr"
	"github.com/ripple/cdr-openehr/internal/store"
)

// fakeTransport is an in-memory openEHR host that counts every call.
type fakeTransport struct {
	mu    sync.Mutex
	calls map[string]int

	sessionSeq int
	startErr   error
	emptyID    bool
	stopErr    error

	ehrs map[string]string

	rows     []map[string]any
	queryErr error

	postSeq   int
	postErr   error
	noUID     bool
	posted    []map[string]any
	templates []string

	putErr error

	deleteErr error
	deleted   []string

	versionRows  []map[string]any
	compositions map[string]map[string]any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		calls:        make(map[string]int),
		ehrs:         make(map[string]string),
		compositions: make(map[string]map[string]any),
	}
}

func (f *fakeTransport) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeTransport) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeTransport) StartSession(ctx context.Context) (string, error) {
	f.record("startSession")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	if f.emptyID {
		return "", nil
	}
	f.sessionSeq++
	return fmt.Sprintf("session-%d", f.sessionSeq), nil
}

func (f *fakeTransport) StopSession(ctx context.Context, sessionID string) error {
	f.record("stopSession")
	return f.stopErr
}

func (f *fakeTransport) GetComposition(ctx context.Context, sessionID, compositionID string) (map[string]any, error) {
	f.record("getComposition")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compositions[compositionID], nil
}

func (f *fakeTransport) PostComposition(ctx context.Context, sessionID, ehrID, templateID string, flat map[string]any) (string, error) {
	f.record("postComposition")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", f.postErr
	}
	f.posted = append(f.posted, flat)
	f.templates = append(f.templates, templateID)
	if f.noUID {
		return "", nil
	}
	f.postSeq++
	return fmt.Sprintf("posted%d::vm01.ethercis.org::1", f.postSeq), nil
}

func (f *fakeTransport) PutComposition(ctx context.Context, sessionID, compositionID, templateID string, flat map[string]any) (openehr.PutResult, error) {
	f.record("putComposition")
	if f.putErr != nil {
		return openehr.PutResult{}, f.putErr
	}
	uuid := openehr.CompositionUUID(compositionID)
	next := openehr.CompositionVersion(compositionID) + 1
	return openehr.PutResult{CompositionUID: fmt.Sprintf("%s::vm01.ethercis.org::%d", uuid, next), Action: "UPDATE"}, nil
}

func (f *fakeTransport) DeleteComposition(ctx context.Context, sessionID, compositionID string) error {
	f.record("deleteComposition")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, compositionID)
	return nil
}

func (f *fakeTransport) Query(ctx context.Context, sessionID, aql string) ([]map[string]any, error) {
	f.record("query")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

func (f *fakeTransport) PostQuery(ctx context.Context, sessionID, query string) ([]map[string]any, error) {
	f.record("postQuery")
	return f.versionRows, nil
}

func (f *fakeTransport) GetEhr(ctx context.Context, sessionID, patientID string) (string, error) {
	f.record("getEhr")
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ehrs[patientID]
	if !ok {
		return "", openehr.ErrEhrNotFound
	}
	return id, nil
}

func (f *fakeTransport) PostEhr(ctx context.Context, sessionID, patientID string) (string, error) {
	f.record("postEhr")
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "ehr-" + patientID
	f.ehrs[patientID] = id
	return id, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2019, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeDiscovery serves fixed items per resource type and records the order
// it was called in. When block is set every Fetch waits for it to close,
// after signalling started.
type fakeDiscovery struct {
	mu       sync.Mutex
	items    map[string][]discovery.Item
	errs     map[string]error
	order    []string
	patients []string
	block    chan struct{}
	started  chan struct{}
}

func (f *fakeDiscovery) Fetch(ctx context.Context, patientID, name string) ([]discovery.Item, error) {
	f.mu.Lock()
	f.order = append(f.order, name)
	f.patients = append(f.patients, patientID)
	block, started := f.block, f.started
	items, err := f.items[name], f.errs[name]
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

// slowStatuses delays every read so concurrent checks overlap.
type slowStatuses struct {
	store.StatusStore
	delay time.Duration
}

func (s slowStatuses) GetStatus(ctx context.Context, patientID string) (*store.Status, error) {
	time.Sleep(s.delay)
	return s.StatusStore.GetStatus(ctx, patientID)
}

type harness struct {
	transport  *fakeTransport
	clock      *fakeClock
	hosts      *openehr.Registry
	records    *cache.HeadingCache
	mappings   *cache.DiscoveryMap
	store      *store.Memory
	sessions   *SessionService
	ehrs       *EhrService
	headings   *HeadingService
	discovery  *DiscoveryService
	source     *fakeDiscovery
	dispatcher *Dispatcher
	statuses   *StatusService
	feeds      *cache.FeedStore
}

const testPatient = "9999999000"

func newHarness() *harness {
	h := &harness{
		transport: newFakeTransport(),
		clock:     newFakeClock(),
		hosts:     openehr.NewRegistry(),
		records:   cache.NewHeadingCache(),
		mappings:  cache.NewDiscoveryMap(),
		store:     store.NewMemory(),
		source:    &fakeDiscovery{items: map[string][]discovery.Item{}, errs: map[string]error{}},
		feeds:     cache.NewFeedStore(),
	}
	h.transport.ehrs[testPatient] = "ehr-1"
	h.hosts.Register(openehr.Host{Name: "ethercis"}, h.transport)

	logger := zerolog.Nop()
	h.sessions = NewSessionService(h.hosts, cache.NewSessionCache(), SessionConfig{Timeout: time.Hour}, logger, nil)
	h.sessions.now = h.clock.Now
	h.ehrs = NewEhrService(h.hosts, h.sessions, cache.NewEhrIDCache(), logger)
	h.headings = NewHeadingService(HeadingDeps{
		Hosts:     h.hosts,
		Headings:  heading.Default(h.clock.Now),
		Sessions:  h.sessions,
		Ehrs:      h.ehrs,
		Records:   h.records,
		Discovery: h.mappings,
		Mappings:  h.store,
	}, logger)
	h.headings.now = h.clock.Now
	h.discovery = NewDiscoveryService(DiscoveryDeps{
		Client:   h.source,
		Headings: h.headings,
		Registry: heading.Default(h.clock.Now),
		Mappings: h.mappings,
		Store:    h.store,
	}, logger)
	h.dispatcher = NewDispatcher(h.discovery, h.store, h.records, []string{"Immunization", "Procedure"}, logger, nil)
	h.statuses = NewStatusService(h.store, h.ehrs, h.feeds, h.discovery, h.dispatcher, "ethercis", logger)
	h.statuses.runAsync = func(fn func()) { fn() }
	return h
}

func procedureRow(uuid, name, created string) map[string]any {
	return map[string]any{
		"uid":                uuid + "::vm01.ethercis.org::1",
		"procedure_name":     name,
		"procedure_datetime": created,
		"date_created":       created,
		"author":             "Dr Tony Shannon",
	}
}
