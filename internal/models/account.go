package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultStartingCredits is granted on first-touch account provisioning.
const DefaultStartingCredits = 60

type Account struct {
	UserID          uuid.UUID  `json:"user_id"`
	Email           string     `json:"email"`
	Credits         int        `json:"credits"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsExpired reports whether any unused credits are past their forfeit date.
func (a *Account) IsExpired(now time.Time) bool {
	return a.SubscriptionEnd != nil && a.SubscriptionEnd.Before(now)
}
