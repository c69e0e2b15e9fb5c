package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ripple/cdr-openehr/internal/cache"
	"github.com/ripple/cdr-openehr/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Postgres is the Store backed by the discovery_map and patient_status
// tables.
type Postgres struct{ pool *pgxpool.Pool }

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (r *Postgres) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *Postgres) SaveMapping(ctx context.Context, m cache.Mapping) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO discovery_map (discovery_source_id, openehr_source_id, patient_id, heading)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (discovery_source_id) DO UPDATE
		SET openehr_source_id = EXCLUDED.openehr_source_id,
			patient_id = EXCLUDED.patient_id,
			heading = EXCLUDED.heading`,
		m.DiscoverySourceID, m.OpenEHRSourceID, m.PatientID, m.Heading)
	if err != nil {
		return fmt.Errorf("save mapping %s: %w", m.DiscoverySourceID, err)
	}
	return nil
}

func (r *Postgres) DeleteMapping(ctx context.Context, discoverySourceID string) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM discovery_map WHERE discovery_source_id = $1`, discoverySourceID)
	return err
}

func (r *Postgres) ListMappings(ctx context.Context, patientID string) ([]cache.Mapping, error) {
	query := `SELECT discovery_source_id, openehr_source_id, patient_id, heading FROM discovery_map`
	var args []interface{}
	if patientID != "" {
		query += ` WHERE patient_id = $1`
		args = append(args, patientID)
	}
	query += ` ORDER BY discovery_source_id`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []cache.Mapping
	for rows.Next() {
		var m cache.Mapping
		if err := rows.Scan(&m.DiscoverySourceID, &m.OpenEHRSourceID, &m.PatientID, &m.Heading); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Postgres) GetStatus(ctx context.Context, patientID string) (*Status, error) {
	var s Status
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT patient_id, status, new_patient, response_no, nhs_number, updated_at
		FROM patient_status WHERE patient_id = $1`, patientID).
		Scan(&s.PatientID, &s.Status, &s.NewPatient, &s.ResponseNo, &s.NhsNumber, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", patientID, err)
	}
	return &s, nil
}

func (r *Postgres) SaveStatus(ctx context.Context, s *Status) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_status (patient_id, status, new_patient, response_no, nhs_number, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (patient_id) DO UPDATE
		SET status = EXCLUDED.status,
			new_patient = EXCLUDED.new_patient,
			response_no = EXCLUDED.response_no,
			nhs_number = EXCLUDED.nhs_number,
			updated_at = NOW()`,
		s.PatientID, s.Status, s.NewPatient, s.ResponseNo, s.NhsNumber)
	if err != nil {
		return fmt.Errorf("save status %s: %w", s.PatientID, err)
	}
	return nil
}

func (r *Postgres) DeleteStatus(ctx context.Context, patientID string) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient_status WHERE patient_id = $1`, patientID)
	return err
}
