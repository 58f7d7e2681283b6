package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction status enums.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusCancelled = "cancelled"
)

// Transaction type enums.
const (
	TxTypePlanPurchase = "plan_purchase"
)

// CurrentCodeVersion is the schema version of transaction_code generation.
// Pending rows carrying an older version are cancelled and recreated instead
// of being reused, so a stale bank-transfer memo format never survives.
const CurrentCodeVersion = 2

// Transaction is one payment order for a credit top-up plan. At most one
// pending row may exist per user at a time.
type Transaction struct {
	ID              uuid.UUID `json:"id"`
	UserID          uuid.UUID `json:"user_id"`
	PlanID          string    `json:"plan_id"`
	PlanName        string    `json:"plan_name"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Type            string    `json:"type"`
	CreditsAdded    int       `json:"credits_added"`
	Status          string    `json:"status"`
	PaymentMethod   string    `json:"payment_method"`
	TransactionCode string    `json:"transaction_code"`
	CodeVersion     int       `json:"code_version"`
	CreatedAt       time.Time `json:"created_at"`
}
