package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/zapbank/backend/internal/ledger"
	"github.com/zapbank/backend/internal/lock"
	"github.com/zapbank/backend/internal/models"
	"github.com/zapbank/backend/internal/onchain"
	"github.com/zapbank/backend/internal/payments"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	var verrs validator.ValidationErrors
	if errors.As(validationErr, &verrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range verrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

type PaymentsHandler struct {
	executor *payments.Executor
	engine   *payments.ReconciliationEngine
	ledger   *ledger.Facade
	invoices payments.WalletInvoiceStore
	contacts payments.ContactRecorder
}

func NewPaymentsHandler(
	executor *payments.Executor,
	engine *payments.ReconciliationEngine,
	ledgerFacade *ledger.Facade,
	invoices payments.WalletInvoiceStore,
	contacts payments.ContactRecorder,
) *PaymentsHandler {
	return &PaymentsHandler{
		executor: executor,
		engine:   engine,
		ledger:   ledgerFacade,
		invoices: invoices,
		contacts: contacts,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("request body must only contain a single JSON object")
	}
	return nil
}

// sendErr maps domain errors to status codes; anything unmapped is a 500.
func sendErr(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
	case errors.Is(err, payments.ErrInsufficientBalance),
		errors.Is(err, payments.ErrSelfPayment),
		errors.Is(err, payments.ErrZeroAmountForUsdRecipient),
		errors.Is(err, payments.ErrBtcWalletRequired),
		errors.Is(err, payments.ErrInvalidFlowState),
		errors.Is(err, payments.ErrWithdrawalLimitExceeded),
		errors.Is(err, onchain.ErrLessThanDustThreshold):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, lock.ErrLockAcquireTimeout):
		SendErrorResponse(w, "Wallet busy, retry shortly", http.StatusConflict, nil)
	case errors.Is(err, ledger.ErrJournalNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	default:
		log.Printf("[HTTP] Request failed: %v", err)
		SendErrorResponse(w, "Failed to process request", http.StatusInternalServerError, nil)
	}
}

// SendIntraledger handles on-us transfer requests.
func (h *PaymentsHandler) SendIntraledger(w http.ResponseWriter, r *http.Request) {
	var req payments.IntraledgerSendArgs
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	result, err := h.executor.SendIntraledger(r.Context(), req)
	if err != nil {
		sendErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// SendLightning handles external Lightning payment requests.
func (h *PaymentsHandler) SendLightning(w http.ResponseWriter, r *http.Request) {
	var req payments.LightningSendArgs
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	result, err := h.executor.SendViaLightning(r.Context(), req)
	if err != nil {
		sendErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// SendOnChain handles on-chain payout requests.
func (h *PaymentsHandler) SendOnChain(w http.ResponseWriter, r *http.Request) {
	var req payments.OnChainSendArgs
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	result, err := h.executor.SendOnChain(r.Context(), req)
	if err != nil {
		sendErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// CreateInvoice registers an inbound invoice so the reconciliation engine
// tracks it until settlement.
func (h *PaymentsHandler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentHash models.PaymentHash `json:"paymentHash" validate:"required"`
		WalletID    models.WalletID    `json:"walletId" validate:"required"`
		Currency    string             `json:"currency" validate:"required,oneof=BTC USD"`
		Pubkey      models.Pubkey      `json:"pubkey"`
		AmountSats  uint64             `json:"amountSats" validate:"required,gt=0"`
		Memo        string             `json:"memo,omitempty"`
		ExpiresAt   time.Time          `json:"expiresAt" validate:"required"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := payments.NewValidationHelper().ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	err := h.invoices.Create(r.Context(), models.WalletInvoice{
		PaymentHash: req.PaymentHash,
		WalletID:    req.WalletID,
		Currency:    req.Currency,
		Pubkey:      req.Pubkey,
		AmountSats:  req.AmountSats,
		Memo:        req.Memo,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		sendErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// PaymentState reports the derived state for a payment hash.
func (h *PaymentsHandler) PaymentState(w http.ResponseWriter, r *http.Request) {
	hash := models.PaymentHash(chi.URLParam(r, "hash"))
	if hash == "" {
		SendErrorResponse(w, "hash is required", http.StatusBadRequest, nil)
		return
	}

	state, err := h.ledger.PaymentState(r.Context(), hash)
	if err != nil {
		sendErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"paymentHash": hash,
		"state":       state,
	})
}

// WalletBalance reports a wallet's current balance.
func (h *PaymentsHandler) WalletBalance(w http.ResponseWriter, r *http.Request) {
	walletID := models.WalletID(chi.URLParam(r, "walletId"))
	currency := r.URL.Query().Get("currency")
	if walletID == "" || currency == "" {
		SendErrorResponse(w, "walletId and currency are required", http.StatusBadRequest, nil)
		return
	}

	balance, err := h.ledger.WalletBalance(r.Context(), models.WalletDescriptor{
		ID:       walletID,
		Currency: currency,
	})
	if err != nil {
		sendErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"walletId": walletID,
		"currency": currency,
		"balance":  balance,
	})
}

// ListContacts returns the accounts this account has transacted with, most
// frequent first.
func (h *PaymentsHandler) ListContacts(w http.ResponseWriter, r *http.Request) {
	accountID := models.AccountID(chi.URLParam(r, "accountId"))
	if accountID == "" {
		SendErrorResponse(w, "accountId is required", http.StatusBadRequest, nil)
		return
	}

	contacts, err := h.contacts.ListContacts(r.Context(), accountID)
	if err != nil {
		sendErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accountId": accountID,
		"contacts":  contacts,
	})
}

// TriggerReconcile runs one reconciliation sweep on demand.
func (h *PaymentsHandler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	h.engine.ReconcileAll(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}
