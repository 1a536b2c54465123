package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/model"
	"github.com/qontrol-dev/qontrol/internal/qerr"
)

// CreateJob inserts the job and its program snapshot in one transaction. The
// snapshot decouples the job from later deployment edits.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	if j.ID == "" {
		j.ID = model.NewID()
	}
	if j.State == "" {
		j.State = model.StateReady
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, name, owner, device_id, deployment_id, shots, type, state,
			created_at, provider_specific_id, backend_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		j.ID, j.Name, j.Owner, j.DeviceID, j.DeploymentID, j.Shots,
		string(j.Type), string(j.State), j.CreatedAt,
		j.ProviderSpecificID, string(j.BackendState))
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	for i := range j.Programs {
		p := &j.Programs[i]
		if p.ID == "" {
			p.ID = model.NewID()
		}
		if p.Checksum == "" {
			p.Checksum = model.ChecksumSource(p.Source)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_programs (id, job_id, ord, source, format, python_file_path, python_file_metadata, checksum)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			p.ID, j.ID, i, p.Source, string(p.Format),
			p.PythonFilePath, p.PythonFileMetadata, p.Checksum)
		if err != nil {
			return fmt.Errorf("inserting job program %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// GetJob loads a job visible to subject, including its program snapshot.
func (s *Store) GetJob(ctx context.Context, id, subject string) (model.Job, error) {
	j, err := s.getJob(ctx, id)
	if err != nil {
		return j, err
	}
	if !j.VisibleTo(subject) {
		return model.Job{}, qerr.New(qerr.KindNotFound, "job %s not found", id)
	}
	return j, nil
}

// GetJobUnchecked loads a job without the ownership filter. Reserved for
// workers acting on behalf of the enqueuer, whose visibility was already
// checked at admission.
func (s *Store) GetJobUnchecked(ctx context.Context, id string) (model.Job, error) {
	return s.getJob(ctx, id)
}

func (s *Store) getJob(ctx context.Context, id string) (model.Job, error) {
	var j model.Job
	var started, finished sql.NullTime
	var typ, state, backend string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner, device_id, deployment_id, shots, type, state,
			created_at, started_at, finished_at, provider_specific_id, backend_state
		FROM jobs WHERE id = ?;`, id).
		Scan(&j.ID, &j.Name, &j.Owner, &j.DeviceID, &j.DeploymentID, &j.Shots,
			&typ, &state, &j.CreatedAt, &started, &finished,
			&j.ProviderSpecificID, &backend)
	if err == sql.ErrNoRows {
		return j, qerr.New(qerr.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return j, fmt.Errorf("loading job %s: %w", id, err)
	}
	j.Type, j.State = model.JobType(typ), model.JobState(state)
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	if backend != "" {
		j.BackendState = json.RawMessage(backend)
	}
	j.Programs, err = s.loadJobPrograms(ctx, j.ID)
	return j, err
}

func (s *Store) loadJobPrograms(ctx context.Context, jobID string) ([]model.Program, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, format, python_file_path, python_file_metadata, checksum
		FROM job_programs WHERE job_id = ? ORDER BY ord ASC;`, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading job programs: %w", err)
	}
	defer rows.Close()
	var out []model.Program
	for rows.Next() {
		var p model.Program
		var f string
		if err := rows.Scan(&p.ID, &p.Source, &f,
			&p.PythonFilePath, &p.PythonFileMetadata, &p.Checksum); err != nil {
			return nil, fmt.Errorf("scanning job program: %w", err)
		}
		p.Format = format.Format(f)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListJobs returns jobs visible to subject, newest first. A non-empty
// deploymentID restricts to jobs of that deployment.
func (s *Store) ListJobs(ctx context.Context, subject, deploymentID string) ([]model.Job, error) {
	q := `SELECT id FROM jobs WHERE (owner = '' OR owner = ?)`
	args := []any{subject}
	if deploymentID != "" {
		q += ` AND deployment_id = ?`
		args = append(args, deploymentID)
	}
	q += ` ORDER BY id DESC;`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.getJob(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// TransitionJob moves a job to a new state, enforcing the state machine:
// terminal states are sticky and illegal edges are rejected. Timestamps are
// maintained here (started_at on RUNNING, finished_at on any terminal).
func (s *Store) TransitionJob(ctx context.Context, id string, to model.JobState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()
	if err := transitionInTx(ctx, tx, id, to); err != nil {
		return err
	}
	return tx.Commit()
}

func transitionInTx(ctx context.Context, tx *sql.Tx, id string, to model.JobState) error {
	var cur string
	err := tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?;`, id).Scan(&cur)
	if err == sql.ErrNoRows {
		return qerr.New(qerr.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("loading job state: %w", err)
	}
	from := model.JobState(cur)
	if from == to {
		return nil
	}
	if !model.CanTransition(from, to) {
		return qerr.New(qerr.KindInvalidStateTransition,
			"job %s cannot move %s -> %s", id, from, to)
	}
	now := time.Now().UTC()
	switch {
	case to == model.StateRunning:
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET state = ?, started_at = ? WHERE id = ?;`, string(to), now, id)
	case to.Terminal():
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET state = ?, finished_at = ? WHERE id = ?;`, string(to), now, id)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET state = ? WHERE id = ?;`, string(to), id)
	}
	if err != nil {
		return fmt.Errorf("updating job state: %w", err)
	}
	return nil
}

// SetProviderJobID records the provider-side id. Called immediately after any
// successful submission, before polling begins.
func (s *Store) SetProviderJobID(ctx context.Context, id, providerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET provider_specific_id = ? WHERE id = ?;`, providerID, id)
	if err != nil {
		return fmt.Errorf("recording provider job id: %w", err)
	}
	return nil
}

// SetJobType rewrites the job type (FILE_UPLOAD flips to FILE_RUN after a
// successful upload).
func (s *Store) SetJobType(ctx context.Context, id string, t model.JobType) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET type = ? WHERE id = ?;`, string(t), id)
	if err != nil {
		return fmt.Errorf("updating job type: %w", err)
	}
	return nil
}

// SetBackendState stores the opaque provider-side blob.
func (s *Store) SetBackendState(ctx context.Context, id string, blob json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET backend_state = ? WHERE id = ?;`, string(blob), id)
	if err != nil {
		return fmt.Errorf("updating backend state: %w", err)
	}
	return nil
}

// AppendResults persists a result batch in one transaction.
func (s *Store) AppendResults(ctx context.Context, results []model.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()
	if err := appendResultsInTx(ctx, tx, results); err != nil {
		return err
	}
	return tx.Commit()
}

func appendResultsInTx(ctx context.Context, tx *sql.Tx, results []model.Result) error {
	for i, r := range results {
		meta := r.Meta
		if meta == nil {
			meta = json.RawMessage(`{}`)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO results (job_id, program_id, type, data, meta)
			VALUES (?, ?, ?, ?, ?);`,
			r.JobID, r.ProgramID, string(r.Type), string(r.Data), string(meta))
		if err != nil {
			return fmt.Errorf("inserting result %d: %w", i, err)
		}
	}
	return nil
}

// FinishJob persists the final result batch and the terminal transition in
// one transaction, so results are durable before the state is observable.
func (s *Store) FinishJob(ctx context.Context, id string, results []model.Result, to model.JobState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()
	if err := appendResultsInTx(ctx, tx, results); err != nil {
		return err
	}
	if err := transitionInTx(ctx, tx, id, to); err != nil {
		return err
	}
	return tx.Commit()
}

// ListResults returns a job's results in insertion order. Callers are
// responsible for checking job visibility first.
func (s *Store) ListResults(ctx context.Context, jobID string) ([]model.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, program_id, type, data, meta
		FROM results WHERE job_id = ? ORDER BY id ASC;`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()
	var out []model.Result
	for rows.Next() {
		var r model.Result
		var typ, data, meta string
		if err := rows.Scan(&r.ID, &r.JobID, &r.ProgramID, &typ, &data, &meta); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		r.Type = model.ResultType(typ)
		r.Data = json.RawMessage(data)
		r.Meta = json.RawMessage(meta)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteJob removes a terminal job and, via cascade, its snapshot and
// results. Non-terminal jobs must be canceled first.
func (s *Store) DeleteJob(ctx context.Context, id, subject string) error {
	j, err := s.GetJob(ctx, id, subject)
	if err != nil {
		return err
	}
	if !j.State.Terminal() {
		return qerr.New(qerr.KindInvalidStateTransition,
			"job %s is %s; cancel it before deleting", id, j.State)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	return nil
}

// DeleteJobsByDeployment removes all terminal jobs of a deployment and
// reports how many were deleted. Non-terminal jobs are left alone.
func (s *Store) DeleteJobsByDeployment(ctx context.Context, deploymentID, subject string) (int, error) {
	jobs, err := s.ListJobs(ctx, subject, deploymentID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, j := range jobs {
		if !j.State.Terminal() {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?;`, j.ID); err != nil {
			return deleted, fmt.Errorf("deleting job %s: %w", j.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// QueuePosition reports how many READY jobs precede the given one, by
// creation order. ULIDs sort lexically by time, so id order is queue order.
func (s *Store) QueuePosition(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE state = ? AND id < ?;`,
		string(model.StateReady), id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("computing queue position: %w", err)
	}
	return n, nil
}
