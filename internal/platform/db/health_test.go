package db

import (
	"testing"
	"time"
)

func TestReadiness_AllApplied(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	migs := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}
	r := readiness(statuses(migs, map[int]time.Time{1: at, 2: at}))

	if !r.Ready || !r.Reachable {
		t.Errorf("expected ready and reachable, got %+v", r)
	}
	if r.Applied != 2 || len(r.Pending) != 0 {
		t.Errorf("expected 2 applied and none pending, got %+v", r)
	}
}

func TestReadiness_PendingMigration(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	migs := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}
	r := readiness(statuses(migs, map[int]time.Time{1: at}))

	if r.Ready {
		t.Error("expected store not ready with a pending migration")
	}
	if r.Applied != 1 || len(r.Pending) != 1 || r.Pending[0] != 2 {
		t.Errorf("expected migration 2 pending, got %+v", r)
	}
}

func TestReadiness_NothingApplied(t *testing.T) {
	migs := []Migration{{Version: 1, Name: "001_a.sql"}}
	r := readiness(statuses(migs, nil))

	if r.Ready || r.Applied != 0 {
		t.Errorf("expected empty store not ready, got %+v", r)
	}
}
