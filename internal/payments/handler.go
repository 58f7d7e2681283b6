package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opzstudio/backend/internal/ledger"
	"github.com/opzstudio/backend/internal/middleware"
	"github.com/opzstudio/backend/internal/models"
	"github.com/opzstudio/backend/internal/vouchers"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Settlement-Signature"

const maxWebhookBody = 64 << 10

// defaultWaitTimeout bounds the long-poll on order completion.
const defaultWaitTimeout = 25 * time.Second

// BankDetails is the payout target rendered next to a pending order.
type BankDetails struct {
	BankID    string `json:"bank_id"`
	AccountNo string `json:"account_no"`
}

type Handler struct {
	svc              Service
	ledger           ledger.Service
	bank             BankDetails
	settlementSecret []byte
	log              *slog.Logger
}

func NewHandler(svc Service, ledgerSvc ledger.Service, bank BankDetails, settlementSecret string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, ledger: ledgerSvc, bank: bank, settlementSecret: []byte(settlementSecret), log: log}
}

type createOrderRequest struct {
	PlanID      string `json:"plan_id"`
	VoucherCode string `json:"voucher_code,omitempty"`
}

type orderResponse struct {
	Transaction *models.Transaction `json:"transaction"`
	Bank        BankDetails         `json:"bank"`
	// Amount and code repeated top-level for the QR rendering surface.
	Amount          int64  `json:"amount"`
	TransactionCode string `json:"transaction_code"`
}

// CreateOrder handles POST /v1/payments/orders. Re-invoking with the same
// plan and voucher state returns the same order; toggling the voucher
// recreates it at the new amount.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	if identity == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	plan := models.PlanByID(req.PlanID)
	if plan == nil {
		http.Error(w, `{"error":"unknown plan"}`, http.StatusBadRequest)
		return
	}

	price := plan.PriceVND
	if req.VoucherCode != "" {
		discount, err := h.svc.ApplyVoucher(r.Context(), req.VoucherCode)
		if err != nil {
			h.writeVoucherError(w, err)
			return
		}
		price = plan.PriceVND * int64(100-discount) / 100
	}

	order, err := h.svc.GetOrCreatePendingOrder(r.Context(), identity.UserID, plan.ID, price)
	if err != nil {
		h.log.Error("get or create order failed", "user_id", identity.UserID, "plan_id", plan.ID, "error", err)
		http.Error(w, `{"error":"create order failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{
		Transaction:     order,
		Bank:            h.bank,
		Amount:          order.Amount,
		TransactionCode: order.TransactionCode,
	})
}

// ListPlans handles GET /v1/payments/plans.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Plans)
}

type validateVoucherRequest struct {
	Code string `json:"code"`
}

// ValidateVoucher handles POST /v1/payments/vouchers/validate. Validation has
// no transaction side effects; callers re-create the order with the
// discounted price afterwards.
func (h *Handler) ValidateVoucher(w http.ResponseWriter, r *http.Request) {
	var req validateVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, `{"error":"code is required"}`, http.StatusBadRequest)
		return
	}
	discount, err := h.svc.ApplyVoucher(r.Context(), req.Code)
	if err != nil {
		h.writeVoucherError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"discount_percent": discount})
}

type redeemGiftcodeRequest struct {
	Code string `json:"code"`
}

// RedeemGiftcode handles POST /v1/payments/giftcodes/redeem.
func (h *Handler) RedeemGiftcode(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	if identity == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req redeemGiftcodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, `{"error":"code is required"}`, http.StatusBadRequest)
		return
	}
	credits, err := h.svc.RedeemGiftcode(r.Context(), identity.UserID, req.Code)
	if err != nil {
		if errors.Is(err, vouchers.ErrInvalidGiftcode) {
			http.Error(w, `{"error":"gift code invalid or already used"}`, http.StatusBadRequest)
			return
		}
		h.log.Error("redeem gift code failed", "user_id", identity.UserID, "error", err)
		http.Error(w, `{"error":"redeem failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"credits_added": credits})
}

// WaitOrder handles GET /v1/payments/orders/{id}/wait: a long poll that
// returns as soon as settlement lands, or 204 when the poll times out and the
// client should re-poll. Abandoning the request unregisters the listener.
func (h *Handler) WaitOrder(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	if identity == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	txID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid order id"}`, http.StatusBadRequest)
		return
	}
	order, err := h.svc.GetOrder(r.Context(), txID)
	if err != nil || order.UserID != identity.UserID {
		http.Error(w, `{"error":"order not found"}`, http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultWaitTimeout)
	defer cancel()
	completed, err := h.svc.WaitForCompletion(ctx, txID)
	if err != nil {
		if errors.Is(err, ErrOrderNotPending) {
			http.Error(w, `{"error":"order is no longer payable"}`, http.StatusConflict)
			return
		}
		h.log.Error("wait for completion failed", "transaction_id", txID, "error", err)
		http.Error(w, `{"error":"wait failed"}`, http.StatusInternalServerError)
		return
	}
	if !completed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.TxStatusCompleted})
}

// GetCredits handles GET /v1/me/credits, provisioning the account on first
// touch.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	if identity == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	status, err := h.ledger.GetStatus(r.Context(), identity.UserID, identity.Email)
	if err != nil {
		h.log.Error("get credit status failed", "user_id", identity.UserID, "error", err)
		http.Error(w, `{"error":"get credits failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type settlementEvent struct {
	TransactionCode string `json:"transaction_code"`
	Amount          int64  `json:"amount"`
}

// SettlementWebhook handles POST /v1/webhooks/settlement. The notifier is the
// only actor allowed to complete an order, and only with a valid body
// signature and an exactly matching amount.
func (h *Handler) SettlementWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		h.log.Warn("settlement webhook signature rejected")
		http.Error(w, `{"error":"signature verification failed"}`, http.StatusUnauthorized)
		return
	}
	var evt settlementEvent
	if err := json.Unmarshal(body, &evt); err != nil || evt.TransactionCode == "" {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	order, err := h.svc.HandleSettlement(r.Context(), evt.TransactionCode, evt.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			http.Error(w, `{"error":"unknown transaction code"}`, http.StatusNotFound)
		case errors.Is(err, ErrAmountMismatch):
			h.log.Warn("settlement amount mismatch", "code", evt.TransactionCode, "amount", evt.Amount)
			http.Error(w, `{"error":"amount mismatch"}`, http.StatusBadRequest)
		case errors.Is(err, ErrOrderNotPending):
			http.Error(w, `{"error":"order is not pending"}`, http.StatusConflict)
		default:
			h.log.Error("settlement failed", "code", evt.TransactionCode, "error", err)
			http.Error(w, `{"error":"settlement failed"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transaction_id": order.ID.String(), "status": order.Status})
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if len(h.settlementSecret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.settlementSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (h *Handler) writeVoucherError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vouchers.ErrVoucherNotFound):
		http.Error(w, `{"error":"voucher not found"}`, http.StatusNotFound)
	case errors.Is(err, vouchers.ErrVoucherInactive):
		http.Error(w, `{"error":"voucher is inactive"}`, http.StatusBadRequest)
	case errors.Is(err, vouchers.ErrVoucherExpired):
		http.Error(w, `{"error":"voucher is expired"}`, http.StatusBadRequest)
	default:
		h.log.Error("voucher validation failed", "error", err)
		http.Error(w, `{"error":"voucher validation failed"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
