package brokerconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the persistence operations for stored broker configurations.
type Repository interface {
	// Create inserts cfg and sets its ID. The first configuration, or one
	// created with Active set, becomes the only active configuration.
	Create(ctx context.Context, cfg *Config) error

	// Get returns one configuration. Returns ErrNotFound if missing.
	Get(ctx context.Context, id int64) (*Config, error)

	// List returns every configuration, active first.
	List(ctx context.Context) ([]Config, error)

	// Update replaces the editable fields. Activation is unchanged.
	Update(ctx context.Context, cfg *Config) error

	// Delete removes a configuration. Returns ErrNotFound if missing.
	Delete(ctx context.Context, id int64) error

	// SetActive makes id the only active configuration.
	SetActive(ctx context.Context, id int64) error

	// Active returns the active configuration, or nil if none is active.
	Active(ctx context.Context) (*Config, error)
}

// SQLiteRepository implements Repository on the broker_configs table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository on an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

const selectConfig = `SELECT id, name, host, port, tls, username, password, client_id,
	keep_alive_seconds, use_environment, description, is_active, created_at, updated_at
	FROM broker_configs`

// Create inserts a configuration.
func (r *SQLiteRepository) Create(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM broker_configs").Scan(&count); err != nil {
		return fmt.Errorf("counting broker configs: %w", err)
	}
	active := cfg.Active || count == 0
	if active {
		if err := deactivateAll(ctx, tx); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO broker_configs (
			name, host, port, tls, username, password, client_id,
			keep_alive_seconds, use_environment, description, is_active,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.Name, cfg.Host, cfg.Port, boolToInt(cfg.TLS),
		nullableString(cfg.Username), nullableString(cfg.Password), nullableString(cfg.ClientID),
		int64(cfg.KeepAlive/time.Second), boolToInt(cfg.UseEnvironment),
		nullableString(cfg.Description), boolToInt(active),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting broker config: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading broker config id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing broker config: %w", err)
	}

	cfg.ID = id
	cfg.Active = active
	cfg.CreatedAt = now.Truncate(time.Second)
	cfg.UpdatedAt = cfg.CreatedAt
	return nil
}

// Get returns the configuration with id.
func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*Config, error) {
	cfg, err := scanConfig(r.db.QueryRowContext(ctx, selectConfig+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// List returns every configuration, active first, then by id.
func (r *SQLiteRepository) List(ctx context.Context) ([]Config, error) {
	rows, err := r.db.QueryContext(ctx, selectConfig+" ORDER BY is_active DESC, id")
	if err != nil {
		return nil, fmt.Errorf("querying broker configs: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating broker configs: %w", err)
	}
	return out, nil
}

// Update replaces the editable fields of an existing configuration.
func (r *SQLiteRepository) Update(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	now := r.now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE broker_configs SET
			name = ?, host = ?, port = ?, tls = ?, username = ?, password = ?,
			client_id = ?, keep_alive_seconds = ?, use_environment = ?,
			description = ?, updated_at = ?
		WHERE id = ?`,
		cfg.Name, cfg.Host, cfg.Port, boolToInt(cfg.TLS),
		nullableString(cfg.Username), nullableString(cfg.Password), nullableString(cfg.ClientID),
		int64(cfg.KeepAlive/time.Second), boolToInt(cfg.UseEnvironment),
		nullableString(cfg.Description), now.Format(time.RFC3339), cfg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating broker config: %w", err)
	}
	if err := requireOneRow(res, cfg.ID); err != nil {
		return err
	}
	cfg.UpdatedAt = now.Truncate(time.Second)
	return nil
}

// Delete removes a configuration. Deleting the active one leaves none active.
func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM broker_configs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting broker config: %w", err)
	}
	return requireOneRow(res, id)
}

// SetActive makes id the only active configuration.
func (r *SQLiteRepository) SetActive(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := deactivateAll(ctx, tx); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE broker_configs SET is_active = 1, updated_at = ? WHERE id = ?",
		r.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("activating broker config: %w", err)
	}
	if err := requireOneRow(res, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing activation: %w", err)
	}
	return nil
}

// Active returns the active configuration, or nil if none is active.
func (r *SQLiteRepository) Active(ctx context.Context) (*Config, error) {
	cfg, err := scanConfig(r.db.QueryRowContext(ctx, selectConfig+" WHERE is_active = 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func deactivateAll(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, "UPDATE broker_configs SET is_active = 0 WHERE is_active = 1"); err != nil {
		return fmt.Errorf("deactivating broker configs: %w", err)
	}
	return nil
}

func requireOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (Config, error) {
	var (
		cfg                          Config
		tls, useEnv, active          int
		keepAlive                    int64
		username, password, clientID sql.NullString
		description                  sql.NullString
		createdAt, updatedAt         string
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Host, &cfg.Port, &tls,
		&username, &password, &clientID, &keepAlive, &useEnv,
		&description, &active, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("scanning broker config: %w", err)
	}

	cfg.TLS = tls != 0
	cfg.UseEnvironment = useEnv != 0
	cfg.Active = active != 0
	cfg.KeepAlive = time.Duration(keepAlive) * time.Second
	cfg.Username = username.String
	cfg.Password = password.String
	cfg.ClientID = clientID.String
	cfg.Description = description.String

	if cfg.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Config{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if cfg.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Config{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return cfg, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
