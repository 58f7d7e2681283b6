package payments

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opzstudio/backend/internal/ledger"
	"github.com/opzstudio/backend/internal/models"
	"github.com/opzstudio/backend/internal/vouchers"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// --- Store mock ---

type mockTxStore struct {
	mu  sync.Mutex
	txs map[uuid.UUID]*models.Transaction
	// insertUniqueFailures makes the next N inserts fail like a duplicate
	// transaction_code hitting the unique index.
	insertUniqueFailures int
}

func newMockTxStore() *mockTxStore {
	return &mockTxStore{txs: make(map[uuid.UUID]*models.Transaction)}
}

func (m *mockTxStore) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (m *mockTxStore) LockUser(context.Context, pgx.Tx, uuid.UUID) error { return nil }

func (m *mockTxStore) FindLatestPendingTx(_ context.Context, _ pgx.Tx, userID uuid.UUID, planID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []*models.Transaction
	for _, t := range m.txs {
		if t.UserID == userID && t.PlanID == planID && t.Status == models.TxStatusPending {
			matches = append(matches, t)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	cp := *matches[0]
	return &cp, nil
}

func (m *mockTxStore) CancelTx(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txs[id]; ok && t.Status == models.TxStatusPending {
		t.Status = models.TxStatusCancelled
	}
	return nil
}

func (m *mockTxStore) CancelAllPendingTx(_ context.Context, _ pgx.Tx, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.UserID == userID && t.Status == models.TxStatusPending {
			t.Status = models.TxStatusCancelled
		}
	}
	return nil
}

func (m *mockTxStore) InsertTx(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertUniqueFailures > 0 {
		m.insertUniqueFailures--
		return &pgconn.PgError{Code: "23505", ConstraintName: "transactions_transaction_code_key"}
	}
	t.CreatedAt = time.Now()
	cp := *t
	m.txs[t.ID] = &cp
	return nil
}

func (m *mockTxStore) GetByID(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *t
	return &cp, nil
}

func (m *mockTxStore) GetByCode(_ context.Context, code string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.TransactionCode == code {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockTxStore) CompleteIfPending(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok || t.Status != models.TxStatusPending {
		return false, nil
	}
	t.Status = models.TxStatusCompleted
	return true, nil
}

func (m *mockTxStore) status(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs[id].Status
}

func (m *mockTxStore) pendingCount(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.txs {
		if t.UserID == userID && t.Status == models.TxStatusPending {
			n++
		}
	}
	return n
}

// --- CodeValidator mock ---

type mockCodes struct {
	mu       sync.Mutex
	vouchers map[string]*models.Voucher
	gifts    map[string]*models.GiftCode
}

func newMockCodes() *mockCodes {
	return &mockCodes{
		vouchers: make(map[string]*models.Voucher),
		gifts:    make(map[string]*models.GiftCode),
	}
}

func (m *mockCodes) Validate(_ context.Context, code string, now time.Time) (*models.Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vouchers[strings.ToUpper(code)]
	if !ok {
		return nil, vouchers.ErrVoucherNotFound
	}
	if !v.IsActive {
		return nil, vouchers.ErrVoucherInactive
	}
	if v.StartDate != nil && now.Before(*v.StartDate) {
		return nil, vouchers.ErrVoucherExpired
	}
	if v.EndDate != nil && now.After(*v.EndDate) {
		return nil, vouchers.ErrVoucherExpired
	}
	cp := *v
	return &cp, nil
}

func (m *mockCodes) Consume(_ context.Context, code string, userID uuid.UUID) (*models.GiftCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gifts[strings.ToUpper(code)]
	if !ok || g.RedeemedBy != nil {
		return nil, vouchers.ErrInvalidGiftcode
	}
	now := time.Now()
	g.RedeemedBy = &userID
	g.RedeemedAt = &now
	cp := *g
	return &cp, nil
}

// --- Ledger mock ---

type grantCall struct {
	userID uuid.UUID
	amount int
}

type fakeLedger struct {
	mu      sync.Mutex
	grants  []grantCall
	extends map[uuid.UUID]int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{extends: make(map[uuid.UUID]int)}
}

func (f *fakeLedger) Debit(context.Context, uuid.UUID, int, string) (uuid.UUID, error) {
	return uuid.New(), nil
}
func (f *fakeLedger) Credit(context.Context, uuid.UUID, int, string) error { return nil }

func (f *fakeLedger) Grant(_ context.Context, userID uuid.UUID, amount int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, grantCall{userID: userID, amount: amount})
	return nil
}

func (f *fakeLedger) GetStatus(context.Context, uuid.UUID, string) (*ledger.Status, error) {
	return &ledger.Status{}, nil
}

func (f *fakeLedger) ExtendSubscription(_ context.Context, userID uuid.UUID, days int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extends[userID] += days
	return nil
}

func (f *fakeLedger) grantTotal(userID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, g := range f.grants {
		if g.userID == userID {
			total += g.amount
		}
	}
	return total
}

func (f *fakeLedger) grantCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.grants)
}

var _ ledger.Service = (*fakeLedger)(nil)

func newTestService(store *mockTxStore, codes *mockCodes, led *fakeLedger) Service {
	return NewService(store, codes, led, NewCompletionNotifier(), nil)
}

// ---------------------------------------------------------------------------
// 1. Pending order idempotency
// ---------------------------------------------------------------------------

func TestGetOrCreatePendingOrder_IdempotentReuse(t *testing.T) {
	store := newMockTxStore()
	svc := newTestService(store, newMockCodes(), newFakeLedger())
	user := uuid.New()
	ctx := context.Background()

	first, err := svc.GetOrCreatePendingOrder(ctx, user, "creator", 599000)
	if err != nil {
		t.Fatalf("first order: %v", err)
	}
	second, err := svc.GetOrCreatePendingOrder(ctx, user, "creator", 599000)
	if err != nil {
		t.Fatalf("second order: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("same user/plan/amount must reuse the order: got %s and %s", first.ID, second.ID)
	}
	if second.TransactionCode != first.TransactionCode {
		t.Error("reuse must preserve the bank-transfer reference code")
	}
	if got := store.pendingCount(user); got != 1 {
		t.Errorf("pending orders: got %d, want 1", got)
	}
}

func TestGetOrCreatePendingOrder_PriceChangeMintsNewOrder(t *testing.T) {
	store := newMockTxStore()
	svc := newTestService(store, newMockCodes(), newFakeLedger())
	user := uuid.New()
	ctx := context.Background()

	full, err := svc.GetOrCreatePendingOrder(ctx, user, "creator", 599000)
	if err != nil {
		t.Fatalf("full-price order: %v", err)
	}
	// Voucher applied: 10% off.
	discounted, err := svc.GetOrCreatePendingOrder(ctx, user, "creator", 539100)
	if err != nil {
		t.Fatalf("discounted order: %v", err)
	}
	if discounted.ID == full.ID {
		t.Fatal("changed amount must mint a new order")
	}
	if discounted.Amount != 539100 {
		t.Errorf("amount: got %d, want 539100", discounted.Amount)
	}
	if got := store.status(full.ID); got != models.TxStatusCancelled {
		t.Errorf("old order status: got %q, want cancelled", got)
	}
	if got := store.pendingCount(user); got != 1 {
		t.Errorf("pending orders: got %d, want 1", got)
	}
}

func TestGetOrCreatePendingOrder_AtMostOnePendingAcrossPlans(t *testing.T) {
	store := newMockTxStore()
	svc := newTestService(store, newMockCodes(), newFakeLedger())
	user := uuid.New()
	ctx := context.Background()

	starter, err := svc.GetOrCreatePendingOrder(ctx, user, "starter", 0)
	if err != nil {
		t.Fatalf("starter order: %v", err)
	}
	if _, err := svc.GetOrCreatePendingOrder(ctx, user, "studio", 0); err != nil {
		t.Fatalf("studio order: %v", err)
	}
	if got := store.status(starter.ID); got != models.TxStatusCancelled {
		t.Errorf("switching plans must cancel the old pending order: got %q", got)
	}
	if got := store.pendingCount(user); got != 1 {
		t.Errorf("pending orders: got %d, want 1", got)
	}
}

func TestGetOrCreatePendingOrder_StaleCodeVersionReplaced(t *testing.T) {
	store := newMockTxStore()
	svc := newTestService(store, newMockCodes(), newFakeLedger())
	user := uuid.New()
	ctx := context.Background()

	legacy := &models.Transaction{
		ID:              uuid.New(),
		UserID:          user,
		PlanID:          "creator",
		Amount:          599000,
		Status:          models.TxStatusPending,
		TransactionCode: "PAY12345678",
		CodeVersion:     1,
	}
	if err := store.InsertTx(ctx, noopTx{}, legacy); err != nil {
		t.Fatalf("seed legacy order: %v", err)
	}

	fresh, err := svc.GetOrCreatePendingOrder(ctx, user, "creator", 599000)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if fresh.ID == legacy.ID {
		t.Fatal("legacy code format must not be reused")
	}
	if fresh.CodeVersion != models.CurrentCodeVersion {
		t.Errorf("code version: got %d, want %d", fresh.CodeVersion, models.CurrentCodeVersion)
	}
	if got := store.status(legacy.ID); got != models.TxStatusCancelled {
		t.Errorf("legacy order status: got %q, want cancelled", got)
	}
}

func TestGetOrCreatePendingOrder_UnknownPlan(t *testing.T) {
	svc := newTestService(newMockTxStore(), newMockCodes(), newFakeLedger())
	if _, err := svc.GetOrCreatePendingOrder(context.Background(), uuid.New(), "enterprise", 0); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got: %v", err)
	}
}

func TestGetOrCreatePendingOrder_CodeFormat(t *testing.T) {
	svc := newTestService(newMockTxStore(), newMockCodes(), newFakeLedger())
	order, err := svc.GetOrCreatePendingOrder(context.Background(), uuid.New(), "starter", 0)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if !strings.HasPrefix(order.TransactionCode, "OPZ") || len(order.TransactionCode) != 15 {
		t.Errorf("transaction code %q does not match OPZ + 12 digits", order.TransactionCode)
	}
	if order.Amount != 199000 {
		t.Errorf("zero price must fall back to the catalog price: got %d", order.Amount)
	}
	if order.CreditsAdded != 300 {
		t.Errorf("credits added: got %d, want 300", order.CreditsAdded)
	}
}

func TestGetOrCreatePendingOrder_RetriesCodeCollision(t *testing.T) {
	store := newMockTxStore()
	store.insertUniqueFailures = 1
	svc := newTestService(store, newMockCodes(), newFakeLedger())
	user := uuid.New()

	order, err := svc.GetOrCreatePendingOrder(context.Background(), user, "starter", 0)
	if err != nil {
		t.Fatalf("a single code collision must be retried: %v", err)
	}
	if order.TransactionCode == "" {
		t.Error("retried order must carry a reference code")
	}
	if got := store.pendingCount(user); got != 1 {
		t.Errorf("pending orders: got %d, want 1", got)
	}
}

func TestGetOrCreatePendingOrder_GivesUpAfterRepeatedCollisions(t *testing.T) {
	store := newMockTxStore()
	store.insertUniqueFailures = codeAttempts
	svc := newTestService(store, newMockCodes(), newFakeLedger())

	if _, err := svc.GetOrCreatePendingOrder(context.Background(), uuid.New(), "starter", 0); err == nil {
		t.Fatal("repeated unique violations must surface an error")
	}
}

// ---------------------------------------------------------------------------
// 2. Vouchers and gift codes
// ---------------------------------------------------------------------------

func TestApplyVoucher(t *testing.T) {
	codes := newMockCodes()
	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	codes.vouchers["TEST10"] = &models.Voucher{
		Code: "TEST10", DiscountPercent: 10, IsActive: true,
		StartDate: &start, EndDate: &end,
	}
	svc := newTestService(newMockTxStore(), codes, newFakeLedger())

	percent, err := svc.ApplyVoucher(context.Background(), "TEST10")
	if err != nil {
		t.Fatalf("ApplyVoucher: %v", err)
	}
	if percent != 10 {
		t.Errorf("discount: got %d, want 10", percent)
	}
	if _, err := svc.ApplyVoucher(context.Background(), "NOPE"); !errors.Is(err, vouchers.ErrVoucherNotFound) {
		t.Errorf("expected ErrVoucherNotFound, got: %v", err)
	}
}

func TestRedeemGiftcode_ExactlyOnce(t *testing.T) {
	codes := newMockCodes()
	codes.gifts["GIFT500"] = &models.GiftCode{Code: "GIFT500", Credits: 500, ExtendDays: 7}
	led := newFakeLedger()
	svc := newTestService(newMockTxStore(), codes, led)
	user := uuid.New()
	ctx := context.Background()

	granted, err := svc.RedeemGiftcode(ctx, user, "GIFT500")
	if err != nil {
		t.Fatalf("RedeemGiftcode: %v", err)
	}
	if granted != 500 {
		t.Errorf("granted: got %d, want 500", granted)
	}
	if got := led.grantTotal(user); got != 500 {
		t.Errorf("ledger grant: got %d, want 500", got)
	}
	if got := led.extends[user]; got != 7 {
		t.Errorf("subscription extension: got %d days, want 7", got)
	}

	// Second redemption, any user.
	if _, err := svc.RedeemGiftcode(ctx, uuid.New(), "GIFT500"); !errors.Is(err, vouchers.ErrInvalidGiftcode) {
		t.Fatalf("second redeem must fail with ErrInvalidGiftcode, got: %v", err)
	}
	if got := led.grantCount(); got != 1 {
		t.Errorf("grants issued: got %d, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// 3. Settlement
// ---------------------------------------------------------------------------

func TestHandleSettlement_GrantsOnceAndRedeliveryIsIdempotent(t *testing.T) {
	store := newMockTxStore()
	led := newFakeLedger()
	svc := newTestService(store, newMockCodes(), led)
	user := uuid.New()
	ctx := context.Background()

	order, err := svc.GetOrCreatePendingOrder(ctx, user, "creator", 599000)
	if err != nil {
		t.Fatalf("order: %v", err)
	}

	settled, err := svc.HandleSettlement(ctx, order.TransactionCode, 599000)
	if err != nil {
		t.Fatalf("HandleSettlement: %v", err)
	}
	if settled.Status != models.TxStatusCompleted {
		t.Errorf("status: got %q, want completed", settled.Status)
	}
	if got := led.grantTotal(user); got != 1000 {
		t.Errorf("credits granted: got %d, want 1000", got)
	}
	if got := led.extends[user]; got != 30 {
		t.Errorf("subscription extension: got %d days, want 30", got)
	}

	// Bank webhook redelivery.
	again, err := svc.HandleSettlement(ctx, order.TransactionCode, 599000)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if again.Status != models.TxStatusCompleted {
		t.Errorf("redelivery status: got %q", again.Status)
	}
	if got := led.grantCount(); got != 1 {
		t.Errorf("grants after redelivery: got %d, want 1", got)
	}
	if got := led.extends[user]; got != 30 {
		t.Errorf("extension after redelivery: got %d days, want 30", got)
	}
}

func TestHandleSettlement_AmountMismatchRejected(t *testing.T) {
	store := newMockTxStore()
	led := newFakeLedger()
	svc := newTestService(store, newMockCodes(), led)
	user := uuid.New()
	ctx := context.Background()

	order, err := svc.GetOrCreatePendingOrder(ctx, user, "starter", 199000)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if _, err := svc.HandleSettlement(ctx, order.TransactionCode, 150000); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got: %v", err)
	}
	if got := store.status(order.ID); got != models.TxStatusPending {
		t.Errorf("mismatched settlement must leave the order pending: got %q", got)
	}
	if got := led.grantCount(); got != 0 {
		t.Errorf("grants: got %d, want 0", got)
	}
}

func TestHandleSettlement_UnknownCode(t *testing.T) {
	svc := newTestService(newMockTxStore(), newMockCodes(), newFakeLedger())
	if _, err := svc.HandleSettlement(context.Background(), "OPZ00000000", 1000); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got: %v", err)
	}
}

func TestHandleSettlement_CancelledOrderRejected(t *testing.T) {
	store := newMockTxStore()
	svc := newTestService(store, newMockCodes(), newFakeLedger())
	user := uuid.New()
	ctx := context.Background()

	order, err := svc.GetOrCreatePendingOrder(ctx, user, "starter", 0)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	// Switching plans cancels the starter order.
	if _, err := svc.GetOrCreatePendingOrder(ctx, user, "studio", 0); err != nil {
		t.Fatalf("second order: %v", err)
	}
	if _, err := svc.HandleSettlement(ctx, order.TransactionCode, order.Amount); !errors.Is(err, ErrOrderNotPending) {
		t.Fatalf("expected ErrOrderNotPending, got: %v", err)
	}
}

// cancelRacingStore models a concurrent cancel (the cross-plan sweep) landing
// between the webhook's read of the order and its completion CAS.
type cancelRacingStore struct {
	*mockTxStore
}

func (s *cancelRacingStore) CompleteIfPending(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.txs[id]; ok && t.Status == models.TxStatusPending {
		t.Status = models.TxStatusCancelled
	}
	return false, nil
}

func TestHandleSettlement_LosesRaceToConcurrentCancel(t *testing.T) {
	store := &cancelRacingStore{mockTxStore: newMockTxStore()}
	led := newFakeLedger()
	notifier := NewCompletionNotifier()
	svc := NewService(store, newMockCodes(), led, notifier, nil)
	user := uuid.New()
	ctx := context.Background()

	order, err := svc.GetOrCreatePendingOrder(ctx, user, "creator", 599000)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	ch, cancel := notifier.Subscribe(order.ID)
	defer cancel()

	if _, err := svc.HandleSettlement(ctx, order.TransactionCode, 599000); !errors.Is(err, ErrOrderNotPending) {
		t.Fatalf("settlement losing to a cancel must report ErrOrderNotPending, got: %v", err)
	}
	if got := store.status(order.ID); got != models.TxStatusCancelled {
		t.Errorf("stored status: got %q, want cancelled", got)
	}
	if got := led.grantCount(); got != 0 {
		t.Errorf("grants: got %d, want 0", got)
	}
	// The waiter must not be told "paid" for a cancelled order.
	select {
	case <-ch:
		t.Error("notifier must not publish completion for a cancelled order")
	default:
	}
}

// ---------------------------------------------------------------------------
// 4. Completion waiting
// ---------------------------------------------------------------------------

func TestWaitForCompletion_AlreadyCompleted(t *testing.T) {
	store := newMockTxStore()
	svc := newTestService(store, newMockCodes(), newFakeLedger())
	user := uuid.New()
	ctx := context.Background()

	order, err := svc.GetOrCreatePendingOrder(ctx, user, "starter", 0)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if _, err := svc.HandleSettlement(ctx, order.TransactionCode, order.Amount); err != nil {
		t.Fatalf("HandleSettlement: %v", err)
	}

	// No publish will come; the read-after-subscribe check must catch it.
	done, err := svc.WaitForCompletion(ctx, order.ID)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if !done {
		t.Error("completed order must return immediately")
	}
}

func TestWaitForCompletion_WakesOnSettlement(t *testing.T) {
	store := newMockTxStore()
	svc := newTestService(store, newMockCodes(), newFakeLedger())
	user := uuid.New()
	ctx := context.Background()

	order, err := svc.GetOrCreatePendingOrder(ctx, user, "creator", 599000)
	if err != nil {
		t.Fatalf("order: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := make(chan bool, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		done, err := svc.WaitForCompletion(waitCtx, order.ID)
		if err != nil {
			t.Errorf("WaitForCompletion: %v", err)
		}
		result <- done
	}()

	<-started
	time.Sleep(20 * time.Millisecond) // let the waiter subscribe
	if _, err := svc.HandleSettlement(ctx, order.TransactionCode, 599000); err != nil {
		t.Fatalf("HandleSettlement: %v", err)
	}

	select {
	case done := <-result:
		if !done {
			t.Error("settlement must wake the waiter with done=true")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke after settlement")
	}
}

// A wake on the channel is only a hint: the waiter re-reads the row and must
// not report paid when the stored order is not actually completed.
func TestWaitForCompletion_WakeRechecksStoredStatus(t *testing.T) {
	store := newMockTxStore()
	notifier := NewCompletionNotifier()
	svc := NewService(store, newMockCodes(), newFakeLedger(), notifier, nil)
	user := uuid.New()
	ctx := context.Background()

	order, err := svc.GetOrCreatePendingOrder(ctx, user, "starter", 0)
	if err != nil {
		t.Fatalf("order: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	type waitResult struct {
		done bool
		err  error
	}
	result := make(chan waitResult, 1)
	go func() {
		done, err := svc.WaitForCompletion(waitCtx, order.ID)
		result <- waitResult{done, err}
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter subscribe
	notifier.Publish(order.ID)        // wake without any settlement

	select {
	case r := <-result:
		if r.done || !errors.Is(r.err, ErrOrderNotPending) {
			t.Fatalf("wake on a still-pending order: got done=%v err=%v, want done=false ErrOrderNotPending", r.done, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never returned after the wake")
	}
}

func TestWaitForCompletion_TimesOutWithoutSettlement(t *testing.T) {
	store := newMockTxStore()
	svc := newTestService(store, newMockCodes(), newFakeLedger())
	user := uuid.New()

	order, err := svc.GetOrCreatePendingOrder(context.Background(), user, "starter", 0)
	if err != nil {
		t.Fatalf("order: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	done, err := svc.WaitForCompletion(ctx, order.ID)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if done {
		t.Error("unsettled order must report done=false on timeout")
	}
}
