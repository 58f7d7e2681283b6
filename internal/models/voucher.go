package models

import (
	"time"

	"github.com/google/uuid"
)

// Voucher is read-only reference data: a percentage discount valid inside an
// optional time window.
type Voucher struct {
	Code            string     `json:"code"`
	DiscountPercent int        `json:"discount_percent"`
	IsActive        bool       `json:"is_active"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	EndDate         *time.Time `json:"end_date,omitempty"`
}

// GiftCode is a one-shot code redeemable for a credit grant. Redemption is
// exactly-once, enforced by a conditional consume on redeemed_at.
type GiftCode struct {
	Code       string     `json:"code"`
	Credits    int        `json:"credits"`
	ExtendDays int        `json:"extend_days"`
	RedeemedBy *uuid.UUID `json:"redeemed_by,omitempty"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
