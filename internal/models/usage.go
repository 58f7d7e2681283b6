package models

import (
	"time"

	"github.com/google/uuid"
)

// Usage log entry_type enums.
const (
	UsageEntryDebit  = "debit"
	UsageEntryRefund = "refund"
	UsageEntryGrant  = "grant"
)

// UsageLogEntry is one immutable ledger record. A debit entry is created once
// per successful Debit and never updated; refunds reference it through the
// job's usage_log_id.
type UsageLogEntry struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	EntryType   string    `json:"entry_type"`
	Amount      int       `json:"amount"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}
