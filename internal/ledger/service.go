package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opzstudio/backend/internal/models"
)

// ErrInsufficientCredits is returned when a debit would take the balance
// below zero.
var ErrInsufficientCredits = errInsufficientCredits

// ErrInvalidAmount is returned for zero or negative debit/credit amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// Store is the minimal persistence interface the ledger service needs.
type Store interface {
	EnsureAccount(ctx context.Context, userID uuid.UUID, email string, startingCredits int) error
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	DebitWithLog(ctx context.Context, userID uuid.UUID, amount int, description string) (uuid.UUID, error)
	CreditWithLog(ctx context.Context, userID uuid.UUID, amount int, entryType, description string) (uuid.UUID, error)
	ExtendSubscription(ctx context.Context, userID uuid.UUID, days int) error
}

// Status is the read-path view of an account.
type Status struct {
	Credits         int        `json:"credits"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty"`
	IsExpired       bool       `json:"is_expired"`
}

type Service interface {
	// Debit takes amount from the balance and returns the usage log id that
	// proves it. Fails with ErrInsufficientCredits; never leaves a decrement
	// without its log entry.
	Debit(ctx context.Context, userID uuid.UUID, amount int, description string) (uuid.UUID, error)
	// Credit returns amount to the balance with a refund log entry. Used for
	// refunds only; it has no business failure mode.
	Credit(ctx context.Context, userID uuid.UUID, amount int, description string) error
	// Grant adds amount with a grant log entry (top-ups, gift codes).
	Grant(ctx context.Context, userID uuid.UUID, amount int, description string) error
	GetStatus(ctx context.Context, userID uuid.UUID, email string) (*Status, error)
	ExtendSubscription(ctx context.Context, userID uuid.UUID, days int) error
}

type service struct {
	store           Store
	startingCredits int
}

// NewService creates the ledger service. startingCredits is the first-touch
// provisioning grant.
func NewService(store Store, startingCredits int) Service {
	if startingCredits <= 0 {
		startingCredits = models.DefaultStartingCredits
	}
	return &service{store: store, startingCredits: startingCredits}
}

var _ Service = (*service)(nil)

func (s *service) Debit(ctx context.Context, userID uuid.UUID, amount int, description string) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	// Account rows are created lazily; the starting grant must exist before
	// the conditional debit so a brand-new user is not misreported as broke.
	if err := s.store.EnsureAccount(ctx, userID, "", s.startingCredits); err != nil {
		return uuid.Nil, fmt.Errorf("ensure account: %w", err)
	}
	return s.store.DebitWithLog(ctx, userID, amount, description)
}

func (s *service) Credit(ctx context.Context, userID uuid.UUID, amount int, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	// The credit target may have no account row yet (a settlement or gift for
	// a user who never touched the read path). Provision first so the
	// increment can never match zero rows and vanish.
	if err := s.store.EnsureAccount(ctx, userID, "", s.startingCredits); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	_, err := s.store.CreditWithLog(ctx, userID, amount, models.UsageEntryRefund, description)
	return err
}

func (s *service) Grant(ctx context.Context, userID uuid.UUID, amount int, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := s.store.EnsureAccount(ctx, userID, "", s.startingCredits); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	_, err := s.store.CreditWithLog(ctx, userID, amount, models.UsageEntryGrant, description)
	return err
}

func (s *service) GetStatus(ctx context.Context, userID uuid.UUID, email string) (*Status, error) {
	if err := s.store.EnsureAccount(ctx, userID, email, s.startingCredits); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	acc, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Status{
		Credits:         acc.Credits,
		SubscriptionEnd: acc.SubscriptionEnd,
		IsExpired:       acc.IsExpired(time.Now()),
	}, nil
}

func (s *service) ExtendSubscription(ctx context.Context, userID uuid.UUID, days int) error {
	if days <= 0 {
		return nil
	}
	return s.store.ExtendSubscription(ctx, userID, days)
}
