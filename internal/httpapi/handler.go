package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator"
	"github.com/shopspring/decimal"

	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/provider"
	"github.com/crowka/paycomponent-module-sub000/internal/reconcile"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
	"github.com/crowka/paycomponent-module-sub000/internal/txn"
)

// Handler exposes the transaction manager over HTTP: one struct holding
// every collaborator a route needs, requests validated via
// go-playground/validator.
type Handler struct {
	txnMgr   *txn.Manager
	provider provider.Port
	validate *validator.Validate
}

func NewHandler(txnMgr *txn.Manager, p provider.Port) *Handler {
	return &Handler{txnMgr: txnMgr, provider: p, validate: validator.New()}
}

// RegisterRoutes wires every endpoint onto mux using Go 1.22's
// method-and-path ServeMux patterns.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /transactions", h.HandleBegin)
	mux.HandleFunc("GET /transactions/{id}", h.HandleGet)
	mux.HandleFunc("POST /transactions/{id}/status", h.HandleUpdateStatus)
	mux.HandleFunc("POST /transactions/{id}/rollback", h.HandleRollback)
	mux.HandleFunc("POST /transactions/{id}/reattempt", h.HandleReattempt)
	mux.HandleFunc("GET /customers/{customerId}/transactions", h.HandleList)
	mux.HandleFunc("POST /webhooks/provider", h.HandleWebhook)
}

// BeginRequest is the wire form of txn.BeginInput.
type BeginRequest struct {
	Type             string `json:"type" validate:"required,oneof=PAYMENT REFUND CHARGEBACK"`
	Amount           string `json:"amount" validate:"required"`
	Currency         string `json:"currency" validate:"required,len=3"`
	CustomerID       string `json:"customerId" validate:"required"`
	PaymentMethodRef string `json:"paymentMethodRef" validate:"required"`
}

// HandleBegin opens a new transaction of the requested type.
func (h *Handler) HandleBegin(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, err)
		return
	}

	var req BeginRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondBadRequest(w, "MALFORMED_BODY", err.Error())
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		respondBadRequest(w, "MISSING_IDEMPOTENCY_KEY", "Idempotency-Key header is required")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		respondBadRequest(w, "VALIDATION_ERROR", err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondBadRequest(w, "VALIDATION_ERROR", "amount must be a decimal string")
		return
	}

	created, err := h.txnMgr.Begin(r.Context(), txn.BeginInput{
		Type:             domain.TransactionType(req.Type),
		Amount:           amount,
		Currency:         req.Currency,
		CustomerID:       req.CustomerID,
		PaymentMethodRef: req.PaymentMethodRef,
		IdempotencyKey:   idemKey,
	})
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, created)
}

// HandleGet retrieves a single transaction by id.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := h.txnMgr.Get(r.Context(), id)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

// HandleList retrieves a customer's transactions with pagination.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	customerID := r.PathValue("customerId")
	if customerID == "" {
		respondBadRequest(w, "MISSING_PARAMETER", "customerId is required")
		return
	}

	limit, offset := 10, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	txns, err := h.txnMgr.List(r.Context(), customerID, store.Filter{Limit: limit, Offset: offset})
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, txns)
}

// UpdateStatusRequest is an operator-driven status override, distinct
// from the provider webhook, which drives status through the normal
// outcome-routing path instead.
type UpdateStatusRequest struct {
	Status  string `json:"status" validate:"required,oneof=PENDING PROCESSING COMPLETED FAILED ROLLED_BACK RECOVERY_PENDING RECOVERY_IN_PROGRESS"`
	Message string `json:"message"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, err)
		return
	}
	var req UpdateStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondBadRequest(w, "MALFORMED_BODY", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondBadRequest(w, "VALIDATION_ERROR", err.Error())
		return
	}

	var errInfo *domain.ErrorInfo
	if req.Message != "" {
		errInfo = &domain.ErrorInfo{Kind: errs.KindInternal, Message: req.Message}
	}

	if err := h.txnMgr.UpdateStatus(r.Context(), id, domain.Status(req.Status), errInfo); err != nil {
		respondWithError(w, err)
		return
	}
	t, err := h.txnMgr.Get(r.Context(), id)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.txnMgr.Rollback(r.Context(), id); err != nil {
		respondWithError(w, err)
		return
	}
	t, err := h.txnMgr.Get(r.Context(), id)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) HandleReattempt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.txnMgr.Reattempt(r.Context(), id); err != nil {
		respondWithError(w, err)
		return
	}
	t, err := h.txnMgr.Get(r.Context(), id)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

// WebhookPayload is the provider's asynchronous status push, identifying
// the transaction by the id the gateway itself assigned: webhook delivery
// is the one path where the provider must echo back whatever reference
// the gateway gave it at CreatePayment time.
type WebhookPayload struct {
	TransactionID string `json:"transactionId" validate:"required"`
	Status        string `json:"status" validate:"required"`
}

// HandleWebhook verifies the provider's signature (ProviderPort.
// VerifyWebhookSignature) then applies an unambiguous status push through
// the same ExternalStatusToInternal mapping the Reconciler's expiration
// sweep uses, so a webhook and a reconciliation pass never disagree about
// what a given provider status means.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, err)
		return
	}

	signature := r.Header.Get("X-Provider-Signature")
	if !h.provider.VerifyWebhookSignature(body, signature) {
		respondBadRequest(w, "INVALID_SIGNATURE", "webhook signature verification failed")
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		respondBadRequest(w, "MALFORMED_BODY", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		respondBadRequest(w, "VALIDATION_ERROR", err.Error())
		return
	}

	target, ok := reconcile.ExternalStatusToInternal(payload.Status)
	if !ok {
		respondBadRequest(w, "UNRECOGNIZED_STATUS", "provider status is not an unambiguous terminal status")
		return
	}

	if err := h.txnMgr.UpdateStatus(r.Context(), payload.TransactionID, target, nil); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"transactionId": payload.TransactionID, "status": string(target)})
}
