package liveness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store persists liveness records so dashboards and restarts can read them.
type Store interface {
	// Load returns every persisted record.
	Load(ctx context.Context) ([]Record, error)

	// Save upserts the given records.
	Save(ctx context.Context, records []Record) error

	// Get returns one persisted record.
	Get(ctx context.Context, deviceID string) (Record, error)

	// Delete removes a device's record.
	Delete(ctx context.Context, deviceID string) error
}

// SQLiteStore implements Store on the device_activity_status table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an open SQLite connection.
// The schema comes from the embedded migrations.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const selectRecord = `SELECT device_id, topic, status, last_seen, last_status_change,
	consecutive_failures, last_message, created_at, updated_at
	FROM device_activity_status`

// Load returns every record, most recently seen first.
func (s *SQLiteStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+" ORDER BY last_seen DESC, device_id")
	if err != nil {
		return nil, fmt.Errorf("querying device activity: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device activity: %w", err)
	}
	return out, nil
}

// Get returns the record for deviceID or ErrUnknownDevice.
func (s *SQLiteStore) Get(ctx context.Context, deviceID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+" WHERE device_id = ?", deviceID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return rec, err
}

// Save upserts records in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO device_activity_status (
			device_id, topic, status, last_seen, last_status_change,
			consecutive_failures, last_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			topic = excluded.topic,
			status = excluded.status,
			last_seen = excluded.last_seen,
			last_status_change = excluded.last_status_change,
			consecutive_failures = excluded.consecutive_failures,
			last_message = excluded.last_message,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing device activity upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if rec.DeviceID == "" {
			return ErrDeviceIDRequired
		}
		_, err := stmt.ExecContext(ctx,
			rec.DeviceID,
			nullString(rec.Topic),
			string(rec.Status),
			formatTime(rec.LastSeen),
			formatTime(rec.LastStatusChange),
			rec.ConsecutiveFailures,
			nullString(rec.LastMessage),
			formatTime(rec.CreatedAt),
			formatTime(rec.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("saving activity for %s: %w", rec.DeviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device activity: %w", err)
	}
	return nil
}

// Delete removes the record for deviceID. Missing records are not an error.
func (s *SQLiteStore) Delete(ctx context.Context, deviceID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM device_activity_status WHERE device_id = ?", deviceID); err != nil {
		return fmt.Errorf("deleting activity for %s: %w", deviceID, err)
	}
	return nil
}

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec         Record
		status      string
		topic       sql.NullString
		lastMessage sql.NullString
		times       [4]sql.NullString
	)
	err := row.Scan(&rec.DeviceID, &topic, &status, &times[0], &times[1],
		&rec.ConsecutiveFailures, &lastMessage, &times[2], &times[3])
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scanning device activity: %w", err)
	}

	rec.Status = Status(status)
	rec.Topic = topic.String
	rec.LastMessage = lastMessage.String

	targets := [4]*time.Time{&rec.LastSeen, &rec.LastStatusChange, &rec.CreatedAt, &rec.UpdatedAt}
	for i, v := range times {
		if !v.Valid {
			continue
		}
		if *targets[i], err = parseTime(v.String); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// formatTime stores zero times as NULL.
func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
