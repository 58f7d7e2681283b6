package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opzstudio/backend/internal/models"
)

const txColumns = `id, user_id, plan_id, plan_name, amount, currency, type, credits_added, status, payment_method, transaction_code, code_version, created_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// LockUser serializes find-or-create per user for the duration of the
// transaction, so two concurrent calls cannot both insert a pending order.
func (r *Repository) LockUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, userID)
	return err
}

// FindLatestPendingTx returns the most recent pending order for (user, plan),
// or nil when there is none.
func (r *Repository) FindLatestPendingTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, planID string) (*models.Transaction, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE user_id = $1 AND plan_id = $2 AND status = $3
		ORDER BY created_at DESC LIMIT 1
	`, userID, planID, models.TxStatusPending)
	t, err := scanTx(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (r *Repository) CancelTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE transactions SET status = $2 WHERE id = $1 AND status = $3
	`, id, models.TxStatusCancelled, models.TxStatusPending)
	return err
}

// CancelAllPendingTx sweeps every other pending order of the user, enforcing
// at most one live pending order per user.
func (r *Repository) CancelAllPendingTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE transactions SET status = $2 WHERE user_id = $1 AND status = $3
	`, userID, models.TxStatusCancelled, models.TxStatusPending)
	return err
}

// InsertTx writes the order row. transaction_code has a unique index, so a
// generated-code collision surfaces as a 23505 for the service to retry.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, plan_id, plan_name, amount, currency, type, credits_added, status, payment_method, transaction_code, code_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`, t.ID, t.UserID, t.PlanID, t.PlanName, t.Amount, t.Currency, t.Type, t.CreditsAdded,
		t.Status, t.PaymentMethod, t.TransactionCode, t.CodeVersion).Scan(&t.CreatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	return scanTx(row)
}

// GetByCode locates the order the settlement notifier is talking about.
// transaction_code is the join key embedded in the bank transfer memo.
func (r *Repository) GetByCode(ctx context.Context, code string) (*models.Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE transaction_code = $1`, code)
	t, err := scanTx(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// CompleteIfPending flips pending -> completed. Reports whether this caller
// won the flip; a concurrent webhook redelivery loses and must not grant
// credits again.
func (r *Repository) CompleteIfPending(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE transactions SET status = $2 WHERE id = $1 AND status = $3
	`, id, models.TxStatusCompleted, models.TxStatusPending)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func scanTx(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.UserID, &t.PlanID, &t.PlanName, &t.Amount, &t.Currency, &t.Type,
		&t.CreditsAdded, &t.Status, &t.PaymentMethod, &t.TransactionCode, &t.CodeVersion, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
