package payments

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opzstudio/backend/internal/ledger"
	"github.com/opzstudio/backend/internal/models"
)

var (
	// ErrUnknownPlan is returned for a plan id not in the catalog.
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrOrderNotFound is returned when no order matches the given id/code.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotPending is returned when settling an order that was
	// cancelled or failed.
	ErrOrderNotPending = errors.New("order is not pending")
	// ErrAmountMismatch is returned when the settled amount differs from the
	// order amount. A mismatched payment is rejected, never silently accepted.
	ErrAmountMismatch = errors.New("settled amount does not match order amount")
)

// Store is the transaction persistence interface.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	LockUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	FindLatestPendingTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, planID string) (*models.Transaction, error)
	CancelTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	CancelAllPendingTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	InsertTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetByCode(ctx context.Context, code string) (*models.Transaction, error)
	CompleteIfPending(ctx context.Context, id uuid.UUID) (bool, error)
}

// CodeValidator is the voucher/giftcode surface the payment manager needs.
type CodeValidator interface {
	Validate(ctx context.Context, code string, now time.Time) (*models.Voucher, error)
	Consume(ctx context.Context, code string, userID uuid.UUID) (*models.GiftCode, error)
}

type Service interface {
	// GetOrCreatePendingOrder reuses the live pending order for (user, plan)
	// when the amount and code format still match, otherwise cancels stale
	// pending orders and creates a fresh one. At most one pending order per
	// user survives the call.
	GetOrCreatePendingOrder(ctx context.Context, userID uuid.UUID, planID string, price int64) (*models.Transaction, error)
	// ApplyVoucher validates a discount code and returns its percent.
	ApplyVoucher(ctx context.Context, code string) (int, error)
	// RedeemGiftcode consumes a one-shot code and grants its credits.
	RedeemGiftcode(ctx context.Context, userID uuid.UUID, code string) (int, error)
	// HandleSettlement reacts to the external settlement notifier: completes
	// the order, grants the plan credits once, and wakes waiting clients.
	HandleSettlement(ctx context.Context, code string, amount int64) (*models.Transaction, error)
	// WaitForCompletion blocks until the order completes or ctx ends.
	// Reports whether completion was observed.
	WaitForCompletion(ctx context.Context, txID uuid.UUID) (bool, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
}

type service struct {
	store    Store
	codes    CodeValidator
	ledger   ledger.Service
	notifier *CompletionNotifier
	log      *slog.Logger
}

func NewService(store Store, codes CodeValidator, ledgerSvc ledger.Service, notifier *CompletionNotifier, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, codes: codes, ledger: ledgerSvc, notifier: notifier, log: log}
}

var _ Service = (*service)(nil)

// codeAttempts bounds retries when a freshly generated transaction_code
// collides with the unique index.
const codeAttempts = 3

func (s *service) GetOrCreatePendingOrder(ctx context.Context, userID uuid.UUID, planID string, price int64) (*models.Transaction, error) {
	plan := models.PlanByID(planID)
	if plan == nil {
		return nil, ErrUnknownPlan
	}
	if price <= 0 {
		price = plan.PriceVND
	}

	var lastErr error
	for attempt := 0; attempt < codeAttempts; attempt++ {
		order, err := s.findOrCreateOrder(ctx, userID, plan, price)
		if err != nil {
			if isUniqueViolation(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return order, nil
	}
	return nil, fmt.Errorf("allocate transaction code: %w", lastErr)
}

func (s *service) findOrCreateOrder(ctx context.Context, userID uuid.UUID, plan *models.Plan, price int64) (*models.Transaction, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.store.LockUser(ctx, tx, userID); err != nil {
		return nil, err
	}

	existing, err := s.store.FindLatestPendingTx(ctx, tx, userID, plan.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Amount == price && existing.CodeVersion == models.CurrentCodeVersion {
			// Idempotent reuse: the UI re-rendering must not mint a new
			// bank-transfer reference.
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			return existing, nil
		}
		// Amount changed (voucher toggled) or the code format is stale.
		if err := s.store.CancelTx(ctx, tx, existing.ID); err != nil {
			return nil, err
		}
	}

	// Cross-plan sweep: the new order must be the user's only pending one.
	if err := s.store.CancelAllPendingTx(ctx, tx, userID); err != nil {
		return nil, err
	}

	order := &models.Transaction{
		ID:              uuid.New(),
		UserID:          userID,
		PlanID:          plan.ID,
		PlanName:        plan.Name,
		Amount:          price,
		Currency:        "VND",
		Type:            models.TxTypePlanPurchase,
		CreditsAdded:    plan.Credits,
		Status:          models.TxStatusPending,
		PaymentMethod:   "bank_transfer",
		TransactionCode: generateCode(),
		CodeVersion:     models.CurrentCodeVersion,
	}
	if err := s.store.InsertTx(ctx, tx, order); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *service) ApplyVoucher(ctx context.Context, code string) (int, error) {
	voucher, err := s.codes.Validate(ctx, code, time.Now())
	if err != nil {
		return 0, err
	}
	return voucher.DiscountPercent, nil
}

func (s *service) RedeemGiftcode(ctx context.Context, userID uuid.UUID, code string) (int, error) {
	gift, err := s.codes.Consume(ctx, code, userID)
	if err != nil {
		return 0, err
	}
	// The consume above is the exactly-once gate; from here the grant must
	// land or the failure must surface loudly.
	if err := s.ledger.Grant(ctx, userID, gift.Credits, fmt.Sprintf("Gift code %s", gift.Code)); err != nil {
		s.log.Error("gift code consumed but grant failed", "code", gift.Code, "user_id", userID, "error", err)
		return 0, fmt.Errorf("grant gift credits: %w", err)
	}
	if gift.ExtendDays > 0 {
		if err := s.ledger.ExtendSubscription(ctx, userID, gift.ExtendDays); err != nil {
			return gift.Credits, fmt.Errorf("extend subscription: %w", err)
		}
	}
	return gift.Credits, nil
}

func (s *service) HandleSettlement(ctx context.Context, code string, amount int64) (*models.Transaction, error) {
	order, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.Status == models.TxStatusCompleted {
		// Webhook redelivery after a successful settlement.
		return order, nil
	}
	if order.Status != models.TxStatusPending {
		return nil, ErrOrderNotPending
	}
	if order.Amount != amount {
		return nil, ErrAmountMismatch
	}

	won, err := s.store.CompleteIfPending(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		// Lost the CAS. Either a concurrent delivery completed the order, or
		// a concurrent cancel (cross-plan sweep) took it away. Only the
		// stored row says which; a cancelled order must not be reported
		// paid or wake its waiters.
		current, err := s.store.GetByID(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if current.Status != models.TxStatusCompleted {
			return nil, ErrOrderNotPending
		}
		s.notifier.Publish(current.ID)
		return current, nil
	}

	// This caller flipped the row, so it owns the one-time grant.
	if err := s.ledger.Grant(ctx, order.UserID, order.CreditsAdded, fmt.Sprintf("Top-up: %s", order.PlanName)); err != nil {
		s.log.Error("order completed but credit grant failed", "transaction_id", order.ID, "user_id", order.UserID, "error", err)
		return nil, fmt.Errorf("grant plan credits: %w", err)
	}
	if plan := models.PlanByID(order.PlanID); plan != nil && plan.DurationDays > 0 {
		if err := s.ledger.ExtendSubscription(ctx, order.UserID, plan.DurationDays); err != nil {
			return nil, fmt.Errorf("extend subscription: %w", err)
		}
	}
	s.log.Info("order settled", "transaction_id", order.ID, "user_id", order.UserID, "amount", order.Amount)
	order.Status = models.TxStatusCompleted
	s.notifier.Publish(order.ID)
	return order, nil
}

func (s *service) WaitForCompletion(ctx context.Context, txID uuid.UUID) (bool, error) {
	ch, cancel := s.notifier.Subscribe(txID)
	defer cancel()

	// Read-after-subscribe: settlement may have landed before we attached.
	order, err := s.store.GetByID(ctx, txID)
	if err != nil {
		return false, err
	}
	if order.Status == models.TxStatusCompleted {
		return true, nil
	}
	if order.Status != models.TxStatusPending {
		return false, ErrOrderNotPending
	}

	select {
	case <-ch:
		// The wake is a hint, the row is the truth: report paid only when the
		// stored status actually says so.
		current, err := s.store.GetByID(ctx, txID)
		if err != nil {
			return false, err
		}
		if current.Status != models.TxStatusCompleted {
			return false, ErrOrderNotPending
		}
		return true, nil
	case <-ctx.Done():
		return false, nil
	}
}

func (s *service) GetOrder(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.store.GetByID(ctx, id)
}

const codeDigits = "0123456789"

// generateCode mints the human-readable reference the user types into the
// bank transfer memo. transaction_code carries a unique index; the create
// path retries on the (rare) collision.
func generateCode() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = codeDigits[int(b)%len(codeDigits)]
	}
	return "OPZ" + string(out)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
