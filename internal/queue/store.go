package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates no job with the requested ID exists.
var ErrNotFound = errors.New("job not found")

const jobColumns = `id, priority, status, positive_prompt, negative_prompt, settings,
	pipeline_log, error_message, result_artifact_id, tier_seq, created_at, started_at, completed_at`

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

// Insert persists a new job. A missing ID, status, or creation time is
// filled in; the tier sequence is always assigned here.
func (s *Store) Insert(ctx context.Context, job *Job) error {
	ctx = ensureContext(ctx)
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	settings, err := json.Marshal(job.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	var pipelineLog any
	if len(job.PipelineLog) > 0 {
		pipelineLog = string(job.PipelineLog)
	}

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(tier_seq), 0) + 1 FROM jobs",
		).Scan(&job.TierSeq); err != nil {
			return fmt.Errorf("next tier seq: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
			job.ID, int(job.Priority), string(job.Status),
			job.PositivePrompt, job.NegativePrompt, string(settings),
			pipelineLog, job.ErrorMessage, job.ResultArtifactID,
			job.TierSeq, formatTime(job.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit insert: %w", err)
		}
		return nil
	})
}

// GetByID fetches one job.
func (s *Store) GetByID(ctx context.Context, id string) (*Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, err
}

// List returns all jobs in execution order: priority tiers first, FIFO
// placement within each tier.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs ORDER BY priority ASC, tier_seq ASC")
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// NextRunnable returns the oldest pending job in the highest non-empty
// priority tier, or nil when nothing is pending.
func (s *Store) NextRunnable(ctx context.Context) (*Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY priority ASC, tier_seq ASC
		LIMIT 1`, string(StatusPending))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// Claim transitions a pending job to generating. Returns false when the job
// was no longer pending, e.g. cancelled between selection and claim.
func (s *Store) Claim(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusGenerating), formatTime(startedAt), id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job rows: %w", err)
	}
	return affected == 1, nil
}

// MarkCompleted finalizes a generating job with its stored artifact
// reference. Returns false when the job was no longer generating, e.g. a
// concurrent cancel reached the terminal state first.
func (s *Store) MarkCompleted(ctx context.Context, id, artifactID string, completedAt time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET status = ?, result_artifact_id = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCompleted), artifactID, formatTime(completedAt), id,
		string(StatusGenerating))
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark completed rows: %w", err)
	}
	return affected == 1, nil
}

// MarkFailed finalizes a generating job with a failure message. Returns
// false when the job was no longer generating.
func (s *Store) MarkFailed(ctx context.Context, id, message string, completedAt time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusFailed), message, formatTime(completedAt), id,
		string(StatusGenerating))
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark failed rows: %w", err)
	}
	return affected == 1, nil
}

// MarkCancelled finalizes a non-terminal job as cancelled. Returns false when
// the job had already reached a terminal state.
func (s *Store) MarkCancelled(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusCancelled), formatTime(completedAt), id,
		string(StatusPending), string(StatusGenerating))
	if err != nil {
		return false, fmt.Errorf("mark cancelled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark cancelled rows: %w", err)
	}
	return affected == 1, nil
}

// UpdateSettings rewrites a job's stored generation settings. Used to
// record values resolved at run time, like a randomized seed.
func (s *Store) UpdateSettings(ctx context.Context, id string, settings GenerationSettings) error {
	encoded, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	res, err := s.execWithRetry(ctx,
		"UPDATE jobs SET settings = ? WHERE id = ?", string(encoded), id)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update settings rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Reorder moves a pending job to a different priority tier. The tier
// sequence is refreshed so the job lands after the tier's existing members.
func (s *Store) Reorder(ctx context.Context, id string, priority Priority) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reorder tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var tierSeq int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(tier_seq), 0) + 1 FROM jobs",
		).Scan(&tierSeq); err != nil {
			return fmt.Errorf("next tier seq: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET priority = ?, tier_seq = ?
			WHERE id = ? AND status = ?`,
			int(priority), tierSeq, id, string(StatusPending))
		if err != nil {
			return fmt.Errorf("reorder job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reorder job rows: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s (or not pending)", ErrNotFound, id)
		}
		return tx.Commit()
	})
}

// RequeueInterrupted promotes jobs stuck in generating after a crash or
// restart back to pending at high priority. They are re-run from scratch,
// never resumed. Returns the number of promoted jobs.
func (s *Store) RequeueInterrupted(ctx context.Context) (int, error) {
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET status = ?, priority = ?, started_at = NULL,
			tier_seq = (SELECT COALESCE(MAX(tier_seq), 0) + 1 FROM jobs)
		WHERE status = ?`,
		string(StatusPending), int(PriorityHigh), string(StatusGenerating))
	if err != nil {
		return 0, fmt.Errorf("requeue interrupted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue interrupted rows: %w", err)
	}
	return int(affected), nil
}

// CountByStatus reports how many jobs sit in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(1) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		parsed, err := ParseStatus(status)
		if err != nil {
			return nil, err
		}
		counts[parsed] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		priority    int
		status      string
		settings    string
		pipelineLog sql.NullString
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	if err := row.Scan(
		&job.ID, &priority, &status,
		&job.PositivePrompt, &job.NegativePrompt, &settings,
		&pipelineLog, &job.ErrorMessage, &job.ResultArtifactID,
		&job.TierSeq, &createdAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	job.Priority = Priority(priority)
	parsed, err := ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	job.Status = parsed

	if err := json.Unmarshal([]byte(settings), &job.Settings); err != nil {
		return nil, fmt.Errorf("job %s: decode settings: %w", job.ID, err)
	}
	if pipelineLog.Valid && pipelineLog.String != "" {
		job.PipelineLog = json.RawMessage(pipelineLog.String)
	}

	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("job %s: parse created_at: %w", job.ID, err)
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("job %s: parse started_at: %w", job.ID, err)
		}
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("job %s: parse completed_at: %w", job.ID, err)
		}
		job.CompletedAt = &t
	}
	return &job, nil
}
