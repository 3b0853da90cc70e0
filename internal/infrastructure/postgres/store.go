// Package postgres provides the PostgreSQL partograph store and the
// transactional outbox that relays its lifecycle events.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/domain/partograph"
)

// TopicPartographEvents is the default topic lifecycle events are relayed to
const TopicPartographEvents = "partograph.events"

const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		hospital_number TEXT NOT NULL,
		facility_id     TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		UNIQUE (facility_id, hospital_number)
	)`,
	`CREATE TABLE IF NOT EXISTS partographs (
		id                      TEXT PRIMARY KEY,
		patient_id              TEXT NOT NULL REFERENCES patients (id),
		status                  TEXT NOT NULL,
		version                 INTEGER NOT NULL,
		labor_start_time        TIMESTAMPTZ,
		third_stage_start_time  TIMESTAMPTZ,
		fourth_stage_start_time TIMESTAMPTZ,
		delivery_time           TIMESTAMPTZ,
		completed_time          TIMESTAMPTZ,
		created_at              TIMESTAMPTZ NOT NULL,
		status_changed_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS partographs_one_open_per_patient
		ON partographs (patient_id)
		WHERE status IN ('pending', 'active', 'third_stage', 'fourth_stage')`,
	`CREATE INDEX IF NOT EXISTS partographs_status_idx ON partographs (status)`,
	`CREATE TABLE IF NOT EXISTS partograph_events (
		id           UUID PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		patient_id   TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		event_data   JSONB NOT NULL,
		version      INTEGER NOT NULL,
		timestamp    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS partograph_events_aggregate_idx ON partograph_events (aggregate_id, version)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		topic          TEXT NOT NULL,
		partition_key  TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_unprocessed_idx ON outbox (created_at) WHERE processed_at IS NULL`,
}

const partographColumns = `id, patient_id, status, version, labor_start_time, third_stage_start_time,
	fourth_stage_start_time, delivery_time, completed_time, created_at, status_changed_at`

// Store persists partographs in PostgreSQL. Every write runs in a single
// transaction together with its events and outbox entries. The partial
// unique index on open statuses enforces one open episode per patient
// across processes.
type Store struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewStore creates a new store. Events are queued for topic.
func NewStore(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = TopicPartographEvents
	}
	return &Store{pool: pool, topic: topic, logger: logger}
}

var _ partograph.Store = (*Store)(nil)

// Migrate creates the tables and indexes when missing
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreatePatient inserts a patient
func (s *Store) CreatePatient(ctx context.Context, p partograph.Patient) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO patients (id, name, hospital_number, facility_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Name, p.HospitalNumber, p.FacilityID, p.CreatedAt)
	if isUniqueViolation(err) {
		return &partograph.ConflictError{PatientID: p.ID, Reason: "hospital number " + p.HospitalNumber + " already registered"}
	}
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

// GetPatient loads a patient
func (s *Store) GetPatient(ctx context.Context, id string) (partograph.Patient, error) {
	var p partograph.Patient
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, hospital_number, facility_id, created_at
		FROM patients WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.HospitalNumber, &p.FacilityID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, hospital_number, facility_id, created_at
		FROM patients WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p partograph.Patient
		if err := rows.Scan(&p.ID, &p.Name, &p.HospitalNumber, &p.FacilityID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// GetPartograph loads a partograph
func (s *Store) GetPartograph(ctx context.Context, id string) (partograph.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+partographColumns+` FROM partographs WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return partograph.Record{}, partograph.PartographNotFound(id)
	}
	if err != nil {
		return partograph.Record{}, fmt.Errorf("get partograph: %w", err)
	}
	return rec, nil
}

// ListByStatus returns every partograph in status
func (s *Store) ListByStatus(ctx context.Context, status partograph.Status) ([]partograph.Record, error) {
	return s.list(ctx, `SELECT `+partographColumns+` FROM partographs WHERE status = $1`, string(status))
}

// ListByPatient returns every partograph for a patient
func (s *Store) ListByPatient(ctx context.Context, patientID string) ([]partograph.Record, error) {
	return s.list(ctx, `SELECT `+partographColumns+` FROM partographs WHERE patient_id = $1`, patientID)
}

func (s *Store) list(ctx context.Context, query string, arg string) ([]partograph.Record, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list partographs: %w", err)
	}
	defer rows.Close()

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
func (s *Store) Insert(ctx context.Context, rec partograph.Record, events []*partograph.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO partographs (`+partographColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.PatientID, string(rec.Status), rec.Version,
		rec.LaborStartTime, rec.ThirdStageStartTime, rec.FourthStageStartTime,
		rec.DeliveryTime, rec.CompletedTime, rec.CreatedAt, rec.StatusChangedAt)
	if isUniqueViolation(err) {
		return s.openConflict(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("insert partograph: %w", err)
	}

	if err := s.appendEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Update replaces a partograph when the stored version matches
func (s *Store) Update(ctx context.Context, rec partograph.Record, expectedVersion int, events []*partograph.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE partographs SET
			status = $3, version = $4,
			labor_start_time = $5, third_stage_start_time = $6, fourth_stage_start_time = $7,
			delivery_time = $8, completed_time = $9, status_changed_at = $10
		WHERE id = $1 AND version = $2`,
		rec.ID, expectedVersion, string(rec.Status), rec.Version,
		rec.LaborStartTime, rec.ThirdStageStartTime, rec.FourthStageStartTime,
		rec.DeliveryTime, rec.CompletedTime, rec.StatusChangedAt)
	if isUniqueViolation(err) {
		return s.openConflict(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("update partograph: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM partographs WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check partograph: %w", err)
		}
		if !exists {
			return partograph.PartographNotFound(rec.ID)
		}
		return &partograph.ConflictError{PartographID: rec.ID, PatientID: rec.PatientID, Reason: "version mismatch"}
	}

	if err := s.appendEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete removes a partograph and its event history
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM partographs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete partograph: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return partograph.PartographNotFound(id)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM partograph_events WHERE aggregate_id = $1`, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return tx.Commit(ctx)
}

// Events returns the stored event history of a partograph
func (s *Store) Events(ctx context.Context, aggregateID string) ([]*partograph.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, aggregate_id, patient_id, event_type, event_data, version, timestamp
		FROM partograph_events
		WHERE aggregate_id = $1
		ORDER BY version ASC, timestamp ASC`, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*partograph.Event
	for rows.Next() {
		e := &partograph.Event{AggregateType: "Partograph"}
		var eventType string
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.PatientID, &eventType, &e.EventData, &e.Version, &e.Timestamp); err != nil {
			return nil, err
		}
		e.EventType = partograph.EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}

// appendEvents writes the event history rows and their outbox entries
func (s *Store) appendEvents(ctx context.Context, tx pgx.Tx, events []*partograph.Event) error {
	for _, event := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO partograph_events (id, aggregate_id, patient_id, event_type, event_data, version, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			event.ID, event.AggregateID, event.PatientID, string(event.EventType),
			event.EventData, event.Version, event.Timestamp)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		payload, err := event.Payload()
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if err := WriteEntry(ctx, tx, &OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			Topic:         s.topic,
			PartitionKey:  event.PatientID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// openConflict builds the conflict for a unique index violation, naming the
// open episode when it can still be found.
func (s *Store) openConflict(ctx context.Context, rec partograph.Record) error {
	ce := &partograph.ConflictError{PartographID: rec.ID, PatientID: rec.PatientID, Reason: "already exists"}
	var existing string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM partographs
		WHERE patient_id = $1 AND id <> $2
		  AND status IN ('pending', 'active', 'third_stage', 'fourth_stage')`,
		rec.PatientID, rec.ID).Scan(&existing)
	if err == nil {
		ce.ExistingID = existing
	} else if !errors.Is(err, pgx.ErrNoRows) {
		s.logger.Warn("failed to resolve conflicting partograph", zap.Error(err))
	}
	return ce
}

func scanRecord(row pgx.Row) (partograph.Record, error) {
	var rec partograph.Record
	var status string
	err := row.Scan(
		&rec.ID, &rec.PatientID, &status, &rec.Version,
		&rec.LaborStartTime, &rec.ThirdStageStartTime, &rec.FourthStageStartTime,
		&rec.DeliveryTime, &rec.CompletedTime, &rec.CreatedAt, &rec.StatusChangedAt,
	)
	rec.Status = partograph.Status(status)
	return rec, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
