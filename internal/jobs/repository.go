package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opzstudio/backend/internal/models"
)

const jobColumns = `id, user_id, tool_id, prompt, cost, usage_log_id, status, result_url, error_message, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateTx inserts the job row inside the caller's transaction so the insert
// and the generation enqueue commit or roll back together.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error {
	return tx.QueryRow(ctx, `
		INSERT INTO generation_jobs (id, user_id, tool_id, prompt, cost, usage_log_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, j.ID, j.UserID, j.ToolID, j.Prompt, j.Cost, j.UsageLogID, j.Status).Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.GenerationJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// MarkProcessing flips pending -> processing. Reports whether the row moved;
// false means the job already left pending (idempotent no-op).
func (r *Repository) MarkProcessing(ctx context.Context, jobID uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, jobID, models.JobStatusProcessing, models.JobStatusPending)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// FinishCompleted moves a non-terminal job to completed. Returns nil when the
// job was already terminal, so a late worker callback loses safely.
func (r *Repository) FinishCompleted(ctx context.Context, jobID uuid.UUID, resultURL string) (*models.GenerationJob, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE generation_jobs SET status = $2, result_url = $3, updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)
		RETURNING `+jobColumns, jobID, models.JobStatusCompleted, resultURL, models.JobStatusPending, models.JobStatusProcessing)
	return scanConditional(row)
}

// FinishFailed moves a non-terminal job to failed. Returns nil when the job
// was already terminal, which is how a refund is issued at most once.
func (r *Repository) FinishFailed(ctx context.Context, jobID uuid.UUID, errorMessage string) (*models.GenerationJob, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE generation_jobs SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)
		RETURNING `+jobColumns, jobID, models.JobStatusFailed, errorMessage, models.JobStatusPending, models.JobStatusProcessing)
	return scanConditional(row)
}

// FailIfProcessing is the sweeper's compare-and-swap: only a job still in
// processing is finalized, so a race with a live worker loses safely.
func (r *Repository) FailIfProcessing(ctx context.Context, jobID uuid.UUID, errorMessage string) (*models.GenerationJob, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE generation_jobs SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1 AND status = $4
		RETURNING `+jobColumns, jobID, models.JobStatusFailed, errorMessage, models.JobStatusProcessing)
	return scanConditional(row)
}

// ListStaleIDs returns jobs stuck in processing since before cutoff. userID
// narrows the scan to one user; uuid.Nil scans everyone.
func (r *Repository) ListStaleIDs(ctx context.Context, userID uuid.UUID, cutoff time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM generation_jobs
		WHERE status = $1 AND updated_at < $2`
	args := []any{models.JobStatusProcessing, cutoff}
	if userID != uuid.Nil {
		query += ` AND user_id = $3`
		args = append(args, userID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJob(row pgx.Row) (*models.GenerationJob, error) {
	var j models.GenerationJob
	err := row.Scan(&j.ID, &j.UserID, &j.ToolID, &j.Prompt, &j.Cost, &j.UsageLogID,
		&j.Status, &j.ResultURL, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanConditional(row pgx.Row) (*models.GenerationJob, error) {
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}
