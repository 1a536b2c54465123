// Package store is the persistence boundary. All state lives in one sqlite
// database; callers go through Store methods and never touch SQL. Ownership
// filtering and terminal-state stickiness are enforced here so no caller can
// bypass them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.

	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/qerr"
)

type Store struct {
	db *sql.DB
}

// memSeq distinguishes in-memory databases so every Open(":memory:") gets
// its own store instead of all sharing one named cache.
var memSeq atomic.Int64

// Open opens (or creates) the database at path and ensures the schema.
// Pass ":memory:" for an ephemeral database private to the returned Store.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_fk=1&_busy_timeout=5000", path)
	if path == ":memory:" {
		// Shared cache keeps the schema alive across this store's pooled
		// connections; the sequence number keeps stores apart.
		dsn = fmt.Sprintf("file:memdb%d?mode=memory&cache=shared&_fk=1", memSeq.Add(1))
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening DB: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS users (
	subject    TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS providers (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	with_token INTEGER NOT NULL,
	formats    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS devices (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	provider_id  INTEGER NOT NULL REFERENCES providers(id),
	name         TEXT NOT NULL,
	num_qubits   INTEGER NOT NULL,
	is_simulator INTEGER NOT NULL,
	is_local     INTEGER NOT NULL,
	UNIQUE(provider_id, name)
);
CREATE TABLE IF NOT EXISTS deployments (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	owner      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS programs (
	id                   TEXT PRIMARY KEY,
	deployment_id        TEXT NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
	source               TEXT NOT NULL,
	format               TEXT NOT NULL,
	python_file_path     TEXT NOT NULL DEFAULT '',
	python_file_metadata TEXT NOT NULL DEFAULT '',
	checksum             TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	owner                TEXT NOT NULL DEFAULT '',
	device_id            INTEGER NOT NULL REFERENCES devices(id),
	deployment_id        TEXT NOT NULL,
	shots                INTEGER NOT NULL,
	type                 TEXT NOT NULL,
	state                TEXT NOT NULL,
	created_at           TIMESTAMP NOT NULL,
	started_at           TIMESTAMP,
	finished_at          TIMESTAMP,
	provider_specific_id TEXT NOT NULL DEFAULT '',
	backend_state        TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS job_programs (
	id                   TEXT NOT NULL,
	job_id               TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	ord                  INTEGER NOT NULL,
	source               TEXT NOT NULL,
	format               TEXT NOT NULL,
	python_file_path     TEXT NOT NULL DEFAULT '',
	python_file_metadata TEXT NOT NULL DEFAULT '',
	checksum             TEXT NOT NULL,
	PRIMARY KEY(job_id, id)
);
CREATE TABLE IF NOT EXISTS results (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	program_id TEXT NOT NULL DEFAULT '',
	type       TEXT NOT NULL,
	data       TEXT NOT NULL,
	meta       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_deployment ON jobs(deployment_id);
CREATE INDEX IF NOT EXISTS idx_results_job ON results(job_id);
`

// GetOrCreateUser records first sight of a subject. The empty subject is the
// anonymous/public caller and is never stored.
func (s *Store) GetOrCreateUser(ctx context.Context, subject string) (model.User, error) {
	if subject == "" {
		return model.User{}, nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (subject, created_at) VALUES (?, ?) ON CONFLICT(subject) DO NOTHING;`,
		subject, time.Now().UTC())
	if err != nil {
		return model.User{}, fmt.Errorf("inserting user: %w", err)
	}
	var u model.User
	err = s.db.QueryRowContext(ctx,
		`SELECT subject, created_at FROM users WHERE subject = ?;`, subject).
		Scan(&u.Subject, &u.CreatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("loading user: %w", err)
	}
	return u, nil
}

// UpsertProvider inserts or updates a provider by name and fills p.ID.
func (s *Store) UpsertProvider(ctx context.Context, p *model.Provider) error {
	formats, err := json.Marshal(p.SupportedFormats)
	if err != nil {
		return fmt.Errorf("encoding formats: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO providers (name, with_token, formats) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET with_token = excluded.with_token, formats = excluded.formats;`,
		p.Name, boolInt(p.WithToken), string(formats))
	if err != nil {
		return fmt.Errorf("upserting provider %q: %w", p.Name, err)
	}
	return s.db.QueryRowContext(ctx,
		`SELECT id FROM providers WHERE name = ?;`, p.Name).Scan(&p.ID)
}

func (s *Store) GetProvider(ctx context.Context, id int64) (model.Provider, error) {
	return s.scanProvider(s.db.QueryRowContext(ctx,
		`SELECT id, name, with_token, formats FROM providers WHERE id = ?;`, id))
}

func (s *Store) GetProviderByName(ctx context.Context, name string) (model.Provider, error) {
	return s.scanProvider(s.db.QueryRowContext(ctx,
		`SELECT id, name, with_token, formats FROM providers WHERE name = ?;`, name))
}

func (s *Store) ListProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, with_token, formats FROM providers ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer rows.Close()
	var out []model.Provider
	for rows.Next() {
		p, err := s.scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func (s *Store) scanProvider(row scanner) (model.Provider, error) {
	var p model.Provider
	var withToken int
	var formats string
	if err := row.Scan(&p.ID, &p.Name, &withToken, &formats); err != nil {
		if err == sql.ErrNoRows {
			return p, qerr.New(qerr.KindNotFound, "provider not found")
		}
		return p, fmt.Errorf("scanning provider: %w", err)
	}
	p.WithToken = withToken != 0
	if err := json.Unmarshal([]byte(formats), &p.SupportedFormats); err != nil {
		return p, fmt.Errorf("decoding formats: %w", err)
	}
	return p, nil
}

// UpsertDevice inserts or updates a device by (provider, name) and fills d.ID.
func (s *Store) UpsertDevice(ctx context.Context, d *model.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (provider_id, name, num_qubits, is_simulator, is_local)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider_id, name) DO UPDATE SET
			num_qubits = excluded.num_qubits,
			is_simulator = excluded.is_simulator,
			is_local = excluded.is_local;`,
		d.ProviderID, d.Name, d.NumQubits, boolInt(d.IsSimulator), boolInt(d.IsLocal))
	if err != nil {
		return fmt.Errorf("upserting device %q: %w", d.Name, err)
	}
	return s.db.QueryRowContext(ctx,
		`SELECT id FROM devices WHERE provider_id = ? AND name = ?;`,
		d.ProviderID, d.Name).Scan(&d.ID)
}

func (s *Store) GetDevice(ctx context.Context, id int64) (model.Device, error) {
	var d model.Device
	var sim, local int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider_id, name, num_qubits, is_simulator, is_local
		FROM devices WHERE id = ?;`, id).
		Scan(&d.ID, &d.ProviderID, &d.Name, &d.NumQubits, &sim, &local)
	if err == sql.ErrNoRows {
		return d, qerr.New(qerr.KindNotFound, "device %d not found", id)
	}
	if err != nil {
		return d, fmt.Errorf("loading device %d: %w", id, err)
	}
	d.IsSimulator, d.IsLocal = sim != 0, local != 0
	return d, nil
}

// ListDevices returns devices ordered by (provider, name). providerID 0 means
// all providers. nameGlob, when non-empty, is a doublestar pattern matched
// against device names; a malformed pattern is a validation error.
func (s *Store) ListDevices(ctx context.Context, providerID int64, nameGlob string) ([]model.Device, error) {
	if nameGlob != "" {
		if !doublestar.ValidatePattern(nameGlob) {
			return nil, qerr.New(qerr.KindValidation, "malformed name pattern %q", nameGlob)
		}
	}
	q := `SELECT id, provider_id, name, num_qubits, is_simulator, is_local FROM devices`
	args := []any{}
	if providerID != 0 {
		q += ` WHERE provider_id = ?`
		args = append(args, providerID)
	}
	q += ` ORDER BY provider_id ASC, name ASC;`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()
	var out []model.Device
	for rows.Next() {
		var d model.Device
		var sim, local int
		if err := rows.Scan(&d.ID, &d.ProviderID, &d.Name, &d.NumQubits, &sim, &local); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		d.IsSimulator, d.IsLocal = sim != 0, local != 0
		if nameGlob != "" {
			if ok, _ := doublestar.Match(nameGlob, d.Name); !ok {
				continue
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
