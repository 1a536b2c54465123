package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/qerr"
)

// CreateDeployment inserts the deployment and its programs in one
// transaction, assigning ids and checksums where missing.
func (s *Store) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	if d.ID == "" {
		d.ID = model.NewID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO deployments (id, name, owner, created_at) VALUES (?, ?, ?, ?);`,
		d.ID, d.Name, d.Owner, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting deployment: %w", err)
	}
	if err := insertPrograms(ctx, tx, d); err != nil {
		return err
	}
	return tx.Commit()
}

func insertPrograms(ctx context.Context, tx *sql.Tx, d *model.Deployment) error {
	for i := range d.Programs {
		p := &d.Programs[i]
		if p.ID == "" {
			p.ID = model.NewID()
		}
		p.DeploymentID = d.ID
		if p.Checksum == "" {
			p.Checksum = model.ChecksumSource(p.Source)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO programs (id, deployment_id, source, format, python_file_path, python_file_metadata, checksum)
			VALUES (?, ?, ?, ?, ?, ?, ?);`,
			p.ID, p.DeploymentID, p.Source, string(p.Format),
			p.PythonFilePath, p.PythonFileMetadata, p.Checksum)
		if err != nil {
			return fmt.Errorf("inserting program %d: %w", i, err)
		}
	}
	return nil
}

// GetDeployment loads a deployment visible to subject. Invisible rows are
// indistinguishable from missing ones.
func (s *Store) GetDeployment(ctx context.Context, id, subject string) (model.Deployment, error) {
	var d model.Deployment
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner, created_at FROM deployments WHERE id = ?;`, id).
		Scan(&d.ID, &d.Name, &d.Owner, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, qerr.New(qerr.KindNotFound, "deployment %s not found", id)
	}
	if err != nil {
		return d, fmt.Errorf("loading deployment %s: %w", id, err)
	}
	if d.Owner != "" && d.Owner != subject {
		return model.Deployment{}, qerr.New(qerr.KindNotFound, "deployment %s not found", id)
	}
	d.Programs, err = s.loadPrograms(ctx, d.ID)
	return d, err
}

func (s *Store) loadPrograms(ctx context.Context, deploymentID string) ([]model.Program, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deployment_id, source, format, python_file_path, python_file_metadata, checksum
		FROM programs WHERE deployment_id = ? ORDER BY id ASC;`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("loading programs: %w", err)
	}
	defer rows.Close()
	var out []model.Program
	for rows.Next() {
		var p model.Program
		var f string
		if err := rows.Scan(&p.ID, &p.DeploymentID, &p.Source, &f,
			&p.PythonFilePath, &p.PythonFileMetadata, &p.Checksum); err != nil {
			return nil, fmt.Errorf("scanning program: %w", err)
		}
		p.Format = format.Format(f)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListDeployments returns all deployments visible to subject, newest first.
func (s *Store) ListDeployments(ctx context.Context, subject string) ([]model.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner, created_at FROM deployments
		WHERE owner = '' OR owner = ? ORDER BY id DESC;`, subject)
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	defer rows.Close()
	var out []model.Deployment
	for rows.Next() {
		var d model.Deployment
		if err := rows.Scan(&d.ID, &d.Name, &d.Owner, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Programs, err = s.loadPrograms(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateDeployment replaces the deployment's name and programs. Jobs keep
// their enqueue-time program snapshots and are unaffected.
func (s *Store) UpdateDeployment(ctx context.Context, d *model.Deployment, subject string) error {
	existing, err := s.GetDeployment(ctx, d.ID, subject)
	if err != nil {
		return err
	}
	d.Owner = existing.Owner
	d.CreatedAt = existing.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE deployments SET name = ? WHERE id = ?;`, d.Name, d.ID); err != nil {
		return fmt.Errorf("updating deployment: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM programs WHERE deployment_id = ?;`, d.ID); err != nil {
		return fmt.Errorf("clearing programs: %w", err)
	}
	for i := range d.Programs {
		d.Programs[i].ID = "" // re-issued below
	}
	if err := insertPrograms(ctx, tx, d); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteDeployment removes a deployment and its programs. Jobs still
// referencing it must be deleted first.
func (s *Store) DeleteDeployment(ctx context.Context, id, subject string) error {
	if _, err := s.GetDeployment(ctx, id, subject); err != nil {
		return err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE deployment_id = ?;`, id).Scan(&n)
	if err != nil {
		return fmt.Errorf("counting jobs: %w", err)
	}
	if n > 0 {
		return qerr.New(qerr.KindValidation,
			"deployment %s still has %d jobs; delete them first", id, n)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM deployments WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("deleting deployment: %w", err)
	}
	return nil
}
