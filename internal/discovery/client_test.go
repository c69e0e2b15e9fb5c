package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHTTPClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/Immunization" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("patientId") != "9999999000" {
			t.Errorf("unexpected patientId %s", r.URL.Query().Get("patientId"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[
			{"sourceId":"Discovery-1","data":{"vaccinationName":"Flu"}},
			{"sourceId":"","data":{"vaccinationName":"orphan"}},
			{"sourceId":"Discovery-2","data":{"vaccinationName":"MMR"}}
		]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", time.Second, zerolog.Nop())
	items, err := c.Fetch(context.Background(), "9999999000", "Immunization")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[1].SourceID != "Discovery-2" || items[1].Data["vaccinationName"] != "MMR" {
		t.Errorf("unexpected item %+v", items[1])
	}
}

func TestHTTPClient_FetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	items, err := NewHTTPClient(srv.URL, 0, zerolog.Nop()).Fetch(context.Background(), "1", "Procedure")
	if err != nil || items != nil {
		t.Errorf("expected no items and no error, got %v %v", items, err)
	}
}

func TestHTTPClient_FetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	if _, err := NewHTTPClient(srv.URL, 0, zerolog.Nop()).Fetch(context.Background(), "1", "Procedure"); err == nil {
		t.Error("expected error for 500 response")
	}
}
