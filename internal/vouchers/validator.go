package vouchers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opzstudio/backend/internal/models"
)

// Distinct failure kinds so callers can show different messages.
var (
	ErrVoucherNotFound = errors.New("voucher not found")
	ErrVoucherInactive = errors.New("voucher is inactive")
	ErrVoucherExpired  = errors.New("voucher is outside its validity window")
	ErrInvalidGiftcode = errors.New("gift code invalid or already used")
)

// Store is the persistence interface for code lookups and one-shot consumes.
type Store interface {
	GetVoucher(ctx context.Context, code string) (*models.Voucher, error)
	ConsumeGiftCode(ctx context.Context, code string, userID uuid.UUID) (*models.GiftCode, error)
}

// Validator checks discount codes against their activity flag and time
// window. It never mutates voucher rows.
type Validator struct {
	store Store
}

func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// Validate returns the voucher when code is active and now falls inside
// [start_date, end_date] (inclusive, either bound optional).
func (v *Validator) Validate(ctx context.Context, code string, now time.Time) (*models.Voucher, error) {
	voucher, err := v.store.GetVoucher(ctx, normalizeCode(code))
	if err != nil {
		return nil, err
	}
	if voucher == nil {
		return nil, ErrVoucherNotFound
	}
	if !voucher.IsActive {
		return nil, ErrVoucherInactive
	}
	if voucher.StartDate != nil && now.Before(*voucher.StartDate) {
		return nil, ErrVoucherExpired
	}
	if voucher.EndDate != nil && now.After(*voucher.EndDate) {
		return nil, ErrVoucherExpired
	}
	return voucher, nil
}

// Consume redeems a one-shot gift code for userID.
func (v *Validator) Consume(ctx context.Context, code string, userID uuid.UUID) (*models.GiftCode, error) {
	return v.store.ConsumeGiftCode(ctx, normalizeCode(code), userID)
}

// normalizeCode uppercases and trims so users can type codes sloppily.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
