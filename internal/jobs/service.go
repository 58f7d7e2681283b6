package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opzstudio/backend/internal/execution"
	"github.com/opzstudio/backend/internal/ledger"
	"github.com/opzstudio/backend/internal/models"
)

// Store is the job persistence interface. The conditional finish methods
// return nil when the row was already terminal.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error
	GetByID(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.GenerationJob, error)
	MarkProcessing(ctx context.Context, jobID uuid.UUID) (bool, error)
	FinishCompleted(ctx context.Context, jobID uuid.UUID, resultURL string) (*models.GenerationJob, error)
	FinishFailed(ctx context.Context, jobID uuid.UUID, errorMessage string) (*models.GenerationJob, error)
	FailIfProcessing(ctx context.Context, jobID uuid.UUID, errorMessage string) (*models.GenerationJob, error)
	ListStaleIDs(ctx context.Context, userID uuid.UUID, cutoff time.Time) ([]uuid.UUID, error)
}

// InsertGenerateTxFunc enqueues a generation job within the given transaction.
// Provided by main using river.Client.InsertTx.
type InsertGenerateTxFunc func(ctx context.Context, tx pgx.Tx, args execution.GenerateArgs) error

type Service interface {
	// Start debits the cost and creates the job in one flow: if the job row
	// cannot be written after the debit succeeded, the debit is compensated
	// before the error returns.
	Start(ctx context.Context, userID uuid.UUID, toolID, prompt string, cost int) (*models.GenerationJob, error)
	// CreateJob is the primitive for callers that already hold a usage log id
	// from a successful debit. Same compensating-refund contract as Start.
	CreateJob(ctx context.Context, userID uuid.UUID, toolID, prompt string, cost int, usageLogID uuid.UUID) (*models.GenerationJob, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.GenerationJob, error)
	MarkProcessing(ctx context.Context, jobID uuid.UUID) error
	MarkCompleted(ctx context.Context, jobID uuid.UUID, resultURL string) error
	MarkFailed(ctx context.Context, jobID uuid.UUID, reason string) error
	SweepStale(ctx context.Context, userID uuid.UUID, ttl time.Duration) (int, error)
	SweepAllStale(ctx context.Context, ttl time.Duration) (int, error)
}

type service struct {
	store          Store
	ledger         ledger.Service
	insertGenerate InsertGenerateTxFunc
	log            *slog.Logger
}

// NewService creates a jobs service. insertGenerate is typically a closure
// over river.Client.InsertTx. Returns *service so it can also serve as
// execution.JobService for the River worker.
func NewService(store Store, ledgerSvc ledger.Service, insertGenerate InsertGenerateTxFunc, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, ledger: ledgerSvc, insertGenerate: insertGenerate, log: log}
}

var _ Service = (*service)(nil)
var _ execution.JobService = (*service)(nil)

func (s *service) Start(ctx context.Context, userID uuid.UUID, toolID, prompt string, cost int) (*models.GenerationJob, error) {
	usageLogID, err := s.ledger.Debit(ctx, userID, cost, fmt.Sprintf("Generation: %s", toolID))
	if err != nil {
		return nil, err
	}
	return s.CreateJob(ctx, userID, toolID, prompt, cost, usageLogID)
}

func (s *service) CreateJob(ctx context.Context, userID uuid.UUID, toolID, prompt string, cost int, usageLogID uuid.UUID) (*models.GenerationJob, error) {
	job := &models.GenerationJob{
		ID:         uuid.New(),
		UserID:     userID,
		ToolID:     toolID,
		Prompt:     prompt,
		Cost:       cost,
		UsageLogID: usageLogID,
		Status:     models.JobStatusPending,
	}
	if err := s.insertAndEnqueue(ctx, job); err != nil {
		// Money is never taken without a tracked job: the debit behind
		// usageLogID must be compensated before this error surfaces.
		if refundErr := s.ledger.Credit(ctx, userID, cost, fmt.Sprintf("Refund: job creation failed (%s)", toolID)); refundErr != nil {
			s.log.Error("compensating refund failed, debit is stuck",
				"user_id", userID, "usage_log_id", usageLogID, "cost", cost, "error", refundErr)
			return nil, fmt.Errorf("create job failed and refund failed: %w", refundErr)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// insertAndEnqueue writes the job row and enqueues generation in one
// transaction, so a committed job always has its generation queued.
func (s *service) insertAndEnqueue(ctx context.Context, job *models.GenerationJob) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.store.CreateTx(ctx, tx, job); err != nil {
		return err
	}
	if err := s.insertGenerate(ctx, tx, execution.GenerateArgs{
		JobID:  job.ID,
		UserID: job.UserID,
		ToolID: job.ToolID,
		Prompt: job.Prompt,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *service) GetJob(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error) {
	return s.store.GetByID(ctx, jobID)
}

func (s *service) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.GenerationJob, error) {
	return s.store.ListByUser(ctx, userID)
}

func (s *service) MarkProcessing(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.store.MarkProcessing(ctx, jobID)
	return err
}

func (s *service) MarkCompleted(ctx context.Context, jobID uuid.UUID, resultURL string) error {
	_, err := s.store.FinishCompleted(ctx, jobID, resultURL)
	return err
}

// MarkFailed finalizes the job and refunds its cost. The refund happens at
// most once per job: only the caller whose conditional update actually moved
// the row gets a non-nil job back.
func (s *service) MarkFailed(ctx context.Context, jobID uuid.UUID, reason string) error {
	job, err := s.store.FinishFailed(ctx, jobID, reason)
	if err != nil {
		return err
	}
	if job == nil {
		return nil // already terminal
	}
	return s.refund(ctx, job, reason)
}

// SweepStale refunds one user's jobs stuck in processing past ttl. Safe to
// run repeatedly and concurrently with live workers: the per-job CAS decides
// who finalizes.
func (s *service) SweepStale(ctx context.Context, userID uuid.UUID, ttl time.Duration) (int, error) {
	return s.sweep(ctx, userID, ttl)
}

// SweepAllStale is SweepStale across every user, for the periodic job.
func (s *service) SweepAllStale(ctx context.Context, ttl time.Duration) (int, error) {
	return s.sweep(ctx, uuid.Nil, ttl)
}

func (s *service) sweep(ctx context.Context, userID uuid.UUID, ttl time.Duration) (int, error) {
	ids, err := s.store.ListStaleIDs(ctx, userID, time.Now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range ids {
		job, err := s.store.FailIfProcessing(ctx, id, models.SweepFailureReason)
		if err != nil {
			return swept, err
		}
		if job == nil {
			continue // a worker finalized it between selection and update
		}
		if err := s.refund(ctx, job, models.SweepFailureReason); err != nil {
			return swept, err
		}
		s.log.Info("stale job refunded", "job_id", job.ID, "user_id", job.UserID, "cost", job.Cost)
		swept++
	}
	return swept, nil
}

func (s *service) refund(ctx context.Context, job *models.GenerationJob, reason string) error {
	err := s.ledger.Credit(ctx, job.UserID, job.Cost, fmt.Sprintf("Refund: %s (%s)", job.ToolID, reason))
	if err != nil {
		// A failed job without its refund must not pass silently.
		s.log.Error("refund failed for failed job", "job_id", job.ID, "user_id", job.UserID, "cost", job.Cost, "error", err)
		return fmt.Errorf("refund job %s: %w", job.ID, err)
	}
	return nil
}
