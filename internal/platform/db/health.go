package db

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// StoreReadiness describes whether the mapping store can serve lookups:
// the database answers and every bundled migration has been applied.
type StoreReadiness struct {
	Ready       bool   `json:"ready"`
	Reachable   bool   `json:"reachable"`
	Applied     int    `json:"migrationsApplied"`
	Pending     []int  `json:"migrationsPending,omitempty"`
	Connections int32  `json:"connections"`
	Error       string `json:"error,omitempty"`
}

func readiness(statuses []MigrationStatus) StoreReadiness {
	r := StoreReadiness{Reachable: true}
	for _, s := range statuses {
		if s.Applied {
			r.Applied++
			continue
		}
		r.Pending = append(r.Pending, s.Version)
	}
	r.Ready = len(r.Pending) == 0
	return r
}

// Readiness pings the database and compares the applied migrations with
// the bundled ones. It never creates the _migrations table.
func (m *Migrator) Readiness(ctx context.Context) StoreReadiness {
	if err := m.pool.Ping(ctx); err != nil {
		return StoreReadiness{Error: err.Error()}
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return StoreReadiness{Reachable: true, Error: err.Error()}
	}
	done, err := m.applied(ctx)
	if err != nil {
		// A missing _migrations table means nothing was applied yet.
		r := readiness(statuses(migrations, nil))
		r.Error = err.Error()
		return r
	}
	r := readiness(statuses(migrations, done))
	r.Connections = m.pool.Stat().TotalConns()
	return r
}

// ReadinessHandler serves the mapping store readiness, answering 503
// until the store is usable.
func ReadinessHandler(m *Migrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		r := m.Readiness(ctx)
		code := http.StatusOK
		if !r.Ready {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, r)
	}
}
