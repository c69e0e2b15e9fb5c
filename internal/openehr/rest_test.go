package openehr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg RESTConfig) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	host := Host{Name: "ethercis", URL: srv.URL, Username: "bob", Password: "secret"}
	return NewRESTClient(host, cfg, zerolog.Nop(), nil)
}

func TestRESTClient_StartSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/v1/session" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("username") != "bob" || r.URL.Query().Get("password") != "secret" {
			t.Errorf("missing credentials: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"sessionId":"sess-1"}`))
	}, DefaultRESTConfig())

	id, err := c.StartSession(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "sess-1" {
		t.Errorf("expected sess-1, got %s", id)
	}
}

func TestRESTClient_QuerySendsSessionHeader(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Ehr-Session") != "sess-1" {
			t.Errorf("expected session header, got %q", r.Header.Get("Ehr-Session"))
		}
		if !strings.Contains(r.URL.Query().Get("aql"), "select") {
			t.Errorf("expected aql parameter, got %q", r.URL.RawQuery)
		}
		w.Write([]byte(`{"resultSet":[{"uid":"a::ns::1"},{"uid":"b::ns::1"}]}`))
	}, DefaultRESTConfig())

	rows, err := c.Query(context.Background(), "sess-1", "select a from EHR e")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 || rows[1]["uid"] != "b::ns::1" {
		t.Errorf("unexpected rows: %v", rows)
	}
}

func TestRESTClient_QueryNoContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, DefaultRESTConfig())

	rows, err := c.Query(context.Background(), "sess-1", "select a from EHR e")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows, got %v", rows)
	}
}

func TestRESTClient_GetEhrNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no ehr"}`))
	}, DefaultRESTConfig())

	_, err := c.GetEhr(context.Background(), "sess-1", "9999999000")
	if !errors.Is(err, ErrEhrNotFound) {
		t.Errorf("expected ErrEhrNotFound, got %v", err)
	}
}

func TestRESTClient_PostCompositionSendsFlatBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("templateId") != "IDCR - Procedures List.v1" || q.Get("ehrId") != "ehr-1" || q.Get("format") != "FLAT" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		body, _ := io.ReadAll(r.Body)
		var flat map[string]any
		json.Unmarshal(body, &flat)
		if flat["ctx/language"] != "en" {
			t.Errorf("unexpected body %s", body)
		}
		w.Write([]byte(`{"compositionUid":"abc::vm01.ethercis.org::1"}`))
	}, DefaultRESTConfig())

	uid, err := c.PostComposition(context.Background(), "sess-1", "ehr-1", "IDCR - Procedures List.v1", map[string]any{"ctx/language": "en"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "abc::vm01.ethercis.org::1" {
		t.Errorf("unexpected uid %s", uid)
	}
}

func TestRESTClient_RemoteErrorCarriesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`bad flat path`))
	}, DefaultRESTConfig())

	err := c.DeleteComposition(context.Background(), "sess-1", "abc::ns::1")
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if re.Status != http.StatusBadRequest || re.Body != "bad flat path" {
		t.Errorf("unexpected remote error %+v", re)
	}
}

func TestRESTClient_BreakerOpensOnServerErrors(t *testing.T) {
	var calls int32
	cfg := DefaultRESTConfig()
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Minute
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}, cfg)

	for i := 0; i < 4; i++ {
		c.Query(context.Background(), "sess-1", "select 1")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected breaker to stop calls after 2 failures, got %d calls", n)
	}
}

func TestRESTClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	var calls int32
	cfg := DefaultRESTConfig()
	cfg.BreakerFailures = 1
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}, cfg)

	for i := 0; i < 3; i++ {
		c.GetEhr(context.Background(), "sess-1", "9999999000")
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestRegistry_OrderAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(Host{Name: "ethercis"}, nil)
	r.Register(Host{Name: "marand", Versioned: true}, nil)
	r.Register(Host{Name: "ethercis", URL: "http://x"}, nil)

	hosts := r.Hosts()
	if len(hosts) != 2 || hosts[0] != "ethercis" || hosts[1] != "marand" {
		t.Errorf("unexpected hosts %v", hosts)
	}
	if h, _ := r.Host("ethercis"); h.URL != "http://x" {
		t.Errorf("expected replaced host, got %+v", h)
	}
	if _, err := r.Client("nope"); !errors.Is(err, ErrUnknownHost) {
		t.Errorf("expected ErrUnknownHost, got %v", err)
	}
}
