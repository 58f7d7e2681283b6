package vouchers

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opzstudio/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetVoucher returns the voucher or (nil, nil) when the code is unknown.
func (r *Repository) GetVoucher(ctx context.Context, code string) (*models.Voucher, error) {
	var v models.Voucher
	err := r.pool.QueryRow(ctx, `
		SELECT code, discount_percent, is_active, start_date, end_date
		FROM vouchers WHERE code = $1
	`, code).Scan(&v.Code, &v.DiscountPercent, &v.IsActive, &v.StartDate, &v.EndDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ConsumeGiftCode marks the code redeemed and returns its grant. The
// conditional UPDATE on redeemed_at makes redemption exactly-once: the second
// caller matches zero rows and gets ErrInvalidGiftcode.
func (r *Repository) ConsumeGiftCode(ctx context.Context, code string, userID uuid.UUID) (*models.GiftCode, error) {
	var g models.GiftCode
	err := r.pool.QueryRow(ctx, `
		UPDATE gift_codes SET redeemed_by = $2, redeemed_at = now()
		WHERE code = $1 AND redeemed_at IS NULL
		RETURNING code, credits, extend_days, redeemed_by, redeemed_at, created_at
	`, code, userID).Scan(&g.Code, &g.Credits, &g.ExtendDays, &g.RedeemedBy, &g.RedeemedAt, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidGiftcode
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}
