/**
 * @description
 * This file contains the HTTP handlers for the deposit-service's programmatic
 * API. Handlers parse incoming requests, call the application service, and
 * write the structured success/error envelope. They are the bridge between
 * the bot framework's dialog layer and the ledger core; all validation of
 * conversational input happens upstream, but amounts are still re-checked
 * here because the ledger never trusts its callers.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain: Service logic and models.
 */

package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pennybot/deposit-service/internal/app"
	"github.com/pennybot/deposit-service/internal/domain"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service        *app.Service
	limiter        *app.RedisOperationRateLimiter
	limitPerMinute int
}

// NewLedgerHandlers creates a new instance of LedgerHandlers. A nil limiter
// disables rate limiting.
func NewLedgerHandlers(service *app.Service, limiter *app.RedisOperationRateLimiter, limitPerMinute int) *LedgerHandlers {
	return &LedgerHandlers{service: service, limiter: limiter, limitPerMinute: limitPerMinute}
}

type errorBody struct {
	Kind    app.ErrorKind `json:"kind"`
	Message string        `json:"message"`
}

// operationResponse is the envelope for every ledger operation result.
// Balances always reflect the final persisted state, never a value from a
// rolled-back attempt.
type operationResponse struct {
	Success    bool                `json:"success"`
	NewCash    *float64            `json:"new_cash,omitempty"`
	Balance    *domain.BankBalance `json:"balance,omitempty"`
	FromCash   *float64            `json:"from_cash,omitempty"`
	FromDemand *float64            `json:"from_demand,omitempty"`
	Error      *errorBody          `json:"error,omitempty"`
}

type operationRequest struct {
	UserID   string  `json:"user_id"`
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
	PlanName string  `json:"plan_name,omitempty"`
}

func statusForKind(kind app.ErrorKind) int {
	switch kind {
	case app.ErrInvalidRequest, app.ErrInvalidAmount:
		return http.StatusBadRequest
	case app.ErrInsufficientFunds, app.ErrInsufficientDemandFunds:
		return http.StatusUnprocessableEntity
	case app.ErrRecordNotFound:
		return http.StatusNotFound
	case app.ErrInvalidState:
		return http.StatusConflict
	case app.ErrRateLimited:
		return http.StatusTooManyRequests
	case app.ErrAccountUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *LedgerHandlers) writeOpError(w http.ResponseWriter, err error) {
	oe := app.AsOpError(err)
	h.writeJSON(w, statusForKind(oe.Kind), operationResponse{
		Success: false,
		Error:   &errorBody{Kind: oe.Kind, Message: oe.Message},
	})
}

func (h *LedgerHandlers) writeOpResult(w http.ResponseWriter, status int, res *app.OperationResult, includeFunding bool) {
	resp := operationResponse{
		Success: true,
		NewCash: &res.NewCash,
		Balance: &res.Balance,
	}
	if includeFunding {
		resp.FromCash = &res.FromCash
		resp.FromDemand = &res.FromDemand
	}
	h.writeJSON(w, status, resp)
}

func decodeOperationRequest(r *http.Request) (*operationRequest, error) {
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Currency = strings.TrimSpace(req.Currency)
	if req.UserID == "" || req.Currency == "" {
		return nil, fmt.Errorf("user_id and currency are required")
	}
	return &req, nil
}

// allowOperation applies the per-user fixed-window rate limit to mutating
// endpoints. The limiter degrades open: a redis failure only logs.
func (h *LedgerHandlers) allowOperation(w http.ResponseWriter, r *http.Request, operation, userID string) bool {
	if h.limiter == nil || h.limitPerMinute <= 0 {
		return true
	}
	decision, err := h.limiter.Allow(r.Context(), operation, userID, h.limitPerMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" operation=%s err=%v", operation, err)
		return true
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", decision.RetryAfterSeconds))
		h.writeJSON(w, http.StatusTooManyRequests, operationResponse{
			Success: false,
			Error:   &errorBody{Kind: app.ErrRateLimited, Message: "too many ledger operations, slow down"},
		})
		return false
	}
	return true
}

// GetBalanceHandler returns the derived {total, demand, fixed} view.
func (h *LedgerHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	currency := strings.TrimSpace(r.URL.Query().Get("currency"))
	if userID == "" || currency == "" {
		h.writeJSON(w, http.StatusBadRequest, operationResponse{
			Success: false,
			Error:   &errorBody{Kind: app.ErrInvalidRequest, Message: "user_id and currency are required"},
		})
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID, currency)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, operationResponse{Success: true, Balance: &balance})
}

// ListRecordsHandler returns the user's deposit records for presentation.
func (h *LedgerHandlers) ListRecordsHandler(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	currency := strings.TrimSpace(r.URL.Query().Get("currency"))
	if userID == "" || currency == "" {
		h.writeJSON(w, http.StatusBadRequest, operationResponse{
			Success: false,
			Error:   &errorBody{Kind: app.ErrInvalidRequest, Message: "user_id and currency are required"},
		})
		return
	}

	records, err := h.service.ListRecords(r.Context(), userID, currency)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	if records == nil {
		records = []domain.DepositRecord{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "records": records})
}

// ListPlansHandler returns the ordered fixed-term plan catalog.
func (h *LedgerHandlers) ListPlansHandler(w http.ResponseWriter, r *http.Request) {
	plans := h.service.Plans()
	if plans == nil {
		plans = []domain.FixedTermPlan{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "plans": plans})
}

// DepositHandler moves cash into a new demand deposit.
func (h *LedgerHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	req, err := decodeOperationRequest(r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, operationResponse{
			Success: false,
			Error:   &errorBody{Kind: app.ErrInvalidRequest, Message: err.Error()},
		})
		return
	}
	if !h.allowOperation(w, r, "deposit", req.UserID) {
		return
	}

	res, err := h.service.Deposit(r.Context(), req.UserID, req.Currency, req.Amount)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeOpResult(w, http.StatusCreated, res, false)
}

// WithdrawHandler moves demand principal back into cash.
func (h *LedgerHandlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	req, err := decodeOperationRequest(r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, operationResponse{
			Success: false,
			Error:   &errorBody{Kind: app.ErrInvalidRequest, Message: err.Error()},
		})
		return
	}
	if !h.allowOperation(w, r, "withdraw", req.UserID) {
		return
	}

	res, err := h.service.Withdraw(r.Context(), req.UserID, req.Currency, req.Amount)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeOpResult(w, http.StatusOK, res, false)
}

// OpenFixedTermHandler locks funds into a fixed-term deposit under a named plan.
func (h *LedgerHandlers) OpenFixedTermHandler(w http.ResponseWriter, r *http.Request) {
	req, err := decodeOperationRequest(r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, operationResponse{
			Success: false,
			Error:   &errorBody{Kind: app.ErrInvalidRequest, Message: err.Error()},
		})
		return
	}
	if !h.allowOperation(w, r, "fixed_term", req.UserID) {
		return
	}

	plan, ok := h.planByName(req.PlanName)
	if !ok {
		h.writeJSON(w, http.StatusConflict, operationResponse{
			Success: false,
			Error:   &errorBody{Kind: app.ErrInvalidState, Message: "unknown fixed-term plan"},
		})
		return
	}

	res, err := h.service.OpenFixedTerm(r.Context(), req.UserID, req.Currency, req.Amount, plan)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeOpResult(w, http.StatusCreated, res, true)
}

type extensionRequest struct {
	UserID   string `json:"user_id"`
	PlanName string `json:"plan_name"`
}

// RequestExtensionHandler marks a fixed-term record for rollover under a new plan.
func (h *LedgerHandlers) RequestExtensionHandler(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		h.writeJSON(w, http.StatusNotFound, operationResponse{
			Success: false,
			Error:   &errorBody{Kind: app.ErrRecordNotFound, Message: "deposit record not found"},
		})
		return
	}

	var req extensionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		h.writeJSON(w, http.StatusBadRequest, operationResponse{
			Success: false,
			Error:   &errorBody{Kind: app.ErrInvalidRequest, Message: "user_id and plan_name are required"},
		})
		return
	}

	plan, ok := h.planByName(req.PlanName)
	if !ok {
		h.writeJSON(w, http.StatusConflict, operationResponse{
			Success: false,
			Error:   &errorBody{Kind: app.ErrInvalidState, Message: "unknown fixed-term plan"},
		})
		return
	}

	rec, err := h.service.RequestExtension(r.Context(), strings.TrimSpace(req.UserID), recordID, plan)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "record": rec})
}

// CancelExtensionHandler clears a requested extension.
func (h *LedgerHandlers) CancelExtensionHandler(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		h.writeJSON(w, http.StatusNotFound, operationResponse{
			Success: false,
			Error:   &errorBody{Kind: app.ErrRecordNotFound, Message: "deposit record not found"},
		})
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		h.writeJSON(w, http.StatusBadRequest, operationResponse{
			Success: false,
			Error:   &errorBody{Kind: app.ErrInvalidRequest, Message: "user_id is required"},
		})
		return
	}

	rec, err := h.service.CancelExtension(r.Context(), userID, recordID)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "record": rec})
}

func (h *LedgerHandlers) planByName(name string) (domain.FixedTermPlan, bool) {
	name = strings.TrimSpace(name)
	for _, plan := range h.service.Plans() {
		if strings.EqualFold(plan.Name, name) {
			return plan, true
		}
	}
	return domain.FixedTermPlan{}, false
}
