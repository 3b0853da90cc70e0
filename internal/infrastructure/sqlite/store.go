// Package sqlite provides a single-file partograph store for ward stations
// that run without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/drfirst/go-partograph/internal/domain/partograph"
)

const timeLayout = time.RFC3339Nano

var schema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		hospital_number TEXT NOT NULL,
		facility_id     TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		UNIQUE (facility_id, hospital_number)
	)`,
	`CREATE TABLE IF NOT EXISTS partographs (
		id                      TEXT PRIMARY KEY,
		patient_id              TEXT NOT NULL REFERENCES patients (id),
		status                  TEXT NOT NULL,
		version                 INTEGER NOT NULL,
		labor_start_time        TEXT,
		third_stage_start_time  TEXT,
		fourth_stage_start_time TEXT,
		delivery_time           TEXT,
		completed_time          TEXT,
		created_at              TEXT NOT NULL,
		status_changed_at       TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS partographs_one_open_per_patient
		ON partographs (patient_id)
		WHERE status IN ('pending', 'active', 'third_stage', 'fourth_stage')`,
	`CREATE INDEX IF NOT EXISTS partographs_status_idx ON partographs (status)`,
	`CREATE TABLE IF NOT EXISTS partograph_events (
		id           TEXT PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		patient_id   TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		event_data   BLOB NOT NULL,
		version      INTEGER NOT NULL,
		timestamp    TEXT NOT NULL
	)`,
}

const partographColumns = `id, patient_id, status, version, labor_start_time, third_stage_start_time,
	fourth_stage_start_time, delivery_time, completed_time, created_at, status_changed_at`

// Store persists partographs in a SQLite file. All access goes through one
// connection, so writes are serialized by the driver; the partial unique
// index still guards the open-episode rule against other processes sharing
// the file.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens or creates the database at path and applies the schema
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = "partograph.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	logger.Debug("sqlite store opened", zap.String("path", path))
	return &Store{db: db, path: path, logger: logger}, nil
}

var _ partograph.Store = (*Store)(nil)

// Path returns the database file path
func (s *Store) Path() string { return s.path }

// Close closes the database
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is usable
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// CreatePatient inserts a patient
func (s *Store) CreatePatient(ctx context.Context, p partograph.Patient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, hospital_number, facility_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.HospitalNumber, p.FacilityID, formatTime(p.CreatedAt))
	if isConstraint(err) {
		return &partograph.ConflictError{PatientID: p.ID, Reason: "hospital number " + p.HospitalNumber + " already registered"}
	}
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

// GetPatient loads a patient
func (s *Store) GetPatient(ctx context.Context, id string) (partograph.Patient, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, hospital_number, facility_id, created_at FROM patients WHERE id = ?`, id)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return partograph.Patient{}, partograph.PatientNotFound(id)
	}
	if err != nil {
		return partograph.Patient{}, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

// GetPatients loads patients by ID, skipping unknown IDs
func (s *Store) GetPatients(ctx context.Context, ids []string) (map[string]partograph.Patient, error) {
	out := make(map[string]partograph.Patient, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, hospital_number, facility_id, created_at
		FROM patients WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get patients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// GetPartograph loads a partograph
func (s *Store) GetPartograph(ctx context.Context, id string) (partograph.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+partographColumns+` FROM partographs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return partograph.Record{}, partograph.PartographNotFound(id)
	}
	if err != nil {
		return partograph.Record{}, fmt.Errorf("get partograph: %w", err)
	}
	return rec, nil
}

// ListByStatus returns every partograph in status
func (s *Store) ListByStatus(ctx context.Context, status partograph.Status) ([]partograph.Record, error) {
	return s.list(ctx, `SELECT `+partographColumns+` FROM partographs WHERE status = ?`, string(status))
}

// ListByPatient returns every partograph for a patient
func (s *Store) ListByPatient(ctx context.Context, patientID string) ([]partograph.Record, error) {
	return s.list(ctx, `SELECT `+partographColumns+` FROM partographs WHERE patient_id = ?`, patientID)
}

func (s *Store) list(ctx context.Context, query, arg string) ([]partograph.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list partographs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []partograph.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan partograph: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Insert stores a new partograph with its events
func (s *Store) Insert(ctx context.Context, rec partograph.Record, events []*partograph.Event) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO partographs (`+partographColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PatientID, string(rec.Status), rec.Version,
		nullTime(rec.LaborStartTime), nullTime(rec.ThirdStageStartTime), nullTime(rec.FourthStageStartTime),
		nullTime(rec.DeliveryTime), nullTime(rec.CompletedTime),
		formatTime(rec.CreatedAt), formatTime(rec.StatusChangedAt))
	if isConstraint(err) {
		return openConflict(ctx, tx, rec)
	}
	if err != nil {
		return fmt.Errorf("insert partograph: %w", err)
	}
	if err := appendEvents(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

// Update replaces a partograph when the stored version matches
func (s *Store) Update(ctx context.Context, rec partograph.Record, expectedVersion int, events []*partograph.Event) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE partographs SET
			status = ?, version = ?,
			labor_start_time = ?, third_stage_start_time = ?, fourth_stage_start_time = ?,
			delivery_time = ?, completed_time = ?, status_changed_at = ?
		WHERE id = ? AND version = ?`,
		string(rec.Status), rec.Version,
		nullTime(rec.LaborStartTime), nullTime(rec.ThirdStageStartTime), nullTime(rec.FourthStageStartTime),
		nullTime(rec.DeliveryTime), nullTime(rec.CompletedTime), formatTime(rec.StatusChangedAt),
		rec.ID, expectedVersion)
	if isConstraint(err) {
		return openConflict(ctx, tx, rec)
	}
	if err != nil {
		return fmt.Errorf("update partograph: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM partographs WHERE id = ?`, rec.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return partograph.PartographNotFound(rec.ID)
		}
		if err != nil {
			return fmt.Errorf("check partograph: %w", err)
		}
		return &partograph.ConflictError{PartographID: rec.ID, PatientID: rec.PatientID, Reason: "version mismatch"}
	}
	if err := appendEvents(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes a partograph and its event history
func (s *Store) Delete(ctx context.Context, id string) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM partographs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete partograph: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return partograph.PartographNotFound(id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM partograph_events WHERE aggregate_id = ?`, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return tx.Commit()
}

// Events returns the stored event history of a partograph
func (s *Store) Events(ctx context.Context, aggregateID string) ([]*partograph.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_id, patient_id, event_type, event_data, version, timestamp
		FROM partograph_events WHERE aggregate_id = ?
		ORDER BY version ASC, timestamp ASC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*partograph.Event
	for rows.Next() {
		e := &partograph.Event{AggregateType: "Partograph"}
		var eventType, ts string
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.PatientID, &eventType, &e.EventData, &e.Version, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventType = partograph.EventType(eventType)
		if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func appendEvents(ctx context.Context, tx *sql.Tx, events []*partograph.Event) error {
	for _, e := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO partograph_events (id, aggregate_id, patient_id, event_type, event_data, version, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.AggregateID, e.PatientID, string(e.EventType), []byte(e.EventData), e.Version, formatTime(e.Timestamp))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return nil
}

func openConflict(ctx context.Context, tx *sql.Tx, rec partograph.Record) error {
	ce := &partograph.ConflictError{PartographID: rec.ID, PatientID: rec.PatientID, Reason: "already exists"}
	var existing string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM partographs
		WHERE patient_id = ? AND id <> ?
		  AND status IN ('pending', 'active', 'third_stage', 'fourth_stage')`,
		rec.PatientID, rec.ID).Scan(&existing)
	if err == nil {
		ce.ExistingID = existing
	}
	return ce
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPatient(row scanner) (partograph.Patient, error) {
	var p partograph.Patient
	var created string
	if err := row.Scan(&p.ID, &p.Name, &p.HospitalNumber, &p.FacilityID, &created); err != nil {
		return partograph.Patient{}, err
	}
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return partograph.Patient{}, fmt.Errorf("parse created_at: %w", err)
	}
	p.CreatedAt = t
	return p, nil
}

func scanRecord(row scanner) (partograph.Record, error) {
	var rec partograph.Record
	var status, created, changed string
	var labor, third, fourth, delivery, completed sql.NullString
	if err := row.Scan(
		&rec.ID, &rec.PatientID, &status, &rec.Version,
		&labor, &third, &fourth, &delivery, &completed, &created, &changed,
	); err != nil {
		return partograph.Record{}, err
	}
	rec.Status = partograph.Status(status)

	var err error
	if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return partograph.Record{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.StatusChangedAt, err = time.Parse(timeLayout, changed); err != nil {
		return partograph.Record{}, fmt.Errorf("parse status_changed_at: %w", err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{labor, &rec.LaborStartTime},
		{third, &rec.ThirdStageStartTime},
		{fourth, &rec.FourthStageStartTime},
		{delivery, &rec.DeliveryTime},
		{completed, &rec.CompletedTime},
	} {
		if !f.src.Valid {
			continue
		}
		t, err := time.Parse(timeLayout, f.src.String)
		if err != nil {
			return partograph.Record{}, fmt.Errorf("parse timestamp: %w", err)
		}
		*f.dst = &t
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isConstraint(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
