package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opzstudio/backend/internal/models"
)

var (
	errInsufficientCredits = errors.New("insufficient credits")
	errAccountMissing      = errors.New("account does not exist")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureAccount provisions an account row with the starting grant if none
// exists. A concurrent insert loses silently (ON CONFLICT DO NOTHING).
func (r *Repository) EnsureAccount(ctx context.Context, userID uuid.UUID, email string, startingCredits int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (user_id, email, credits)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, email, startingCredits)
	return err
}

func (r *Repository) GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, email, credits, subscription_end, created_at, updated_at
		FROM accounts WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.Email, &a.Credits, &a.SubscriptionEnd, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// DebitWithLog atomically decrements the balance and appends the usage log
// entry in one transaction. The conditional UPDATE is the only balance check:
// two concurrent debits can never both pass it and overdraw.
func (r *Repository) DebitWithLog(ctx context.Context, userID uuid.UUID, amount int, description string) (uuid.UUID, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE accounts SET credits = credits - $1, updated_at = now()
		WHERE user_id = $2 AND credits >= $1
	`, amount, userID)
	if err != nil {
		return uuid.Nil, err
	}
	if result.RowsAffected() == 0 {
		return uuid.Nil, errInsufficientCredits
	}

	logID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO usage_logs (id, user_id, entry_type, amount, description)
		VALUES ($1, $2, $3, $4, $5)
	`, logID, userID, models.UsageEntryDebit, amount, description)
	if err != nil {
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}
	return logID, nil
}

// CreditWithLog increments the balance and appends a log entry of the given
// entry type (refund or grant) in one transaction.
func (r *Repository) CreditWithLog(ctx context.Context, userID uuid.UUID, amount int, entryType, description string) (uuid.UUID, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE accounts SET credits = credits + $1, updated_at = now()
		WHERE user_id = $2
	`, amount, userID)
	if err != nil {
		return uuid.Nil, err
	}
	// A credit matching no row must fail loudly, never commit a log entry for
	// an increment that did not happen.
	if result.RowsAffected() == 0 {
		return uuid.Nil, errAccountMissing
	}

	logID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO usage_logs (id, user_id, entry_type, amount, description)
		VALUES ($1, $2, $3, $4, $5)
	`, logID, userID, entryType, amount, description)
	if err != nil {
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}
	return logID, nil
}

// ExtendSubscription pushes subscription_end forward by days, counting from
// now or the current end, whichever is later.
func (r *Repository) ExtendSubscription(ctx context.Context, userID uuid.UUID, days int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts
		SET subscription_end = GREATEST(COALESCE(subscription_end, now()), now()) + make_interval(days => $1),
		    updated_at = now()
		WHERE user_id = $2
	`, days, userID)
	return err
}

func (r *Repository) ListUsage(ctx context.Context, userID uuid.UUID) ([]*models.UsageLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, entry_type, amount, description, created_at
		FROM usage_logs WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.UsageLogEntry
	for rows.Next() {
		var e models.UsageLogEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.EntryType, &e.Amount, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
