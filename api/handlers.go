/*
handlers.go - HTTP API handlers for the ledger engine

PURPOSE:
  Exposes settlement, referral bonuses and account reads via REST. Handlers
  parse requests, delegate to the settlement engine, referral issuer and
  registrar, and serialize the result. They never write balances directly.

ENDPOINTS:
  Users:
    POST   /api/users                        Register (allocates referral code)
    GET    /api/users/{id}/account           Balance snapshot
    GET    /api/users/{id}/movements         Journal, oldest first
    POST   /api/users/{id}/approve           Approval notification (referral bonus)

  Transactions:
    POST   /api/transactions                 Create pending transaction
    GET    /api/transactions/{id}            Get transaction
    POST   /api/transactions/{id}/complete   Complete and settle
    POST   /api/transactions/{id}/cancel     Cancel a pending transaction

  Scenarios:
    GET    /api/scenarios                    List demo scenarios
    POST   /api/scenarios/load               Seed (and optionally run) a scenario

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the ledger error kind:
  - 400: Validation errors, invalid input
  - 404: User, transaction or referral code not found
  - 409: Conflict, insufficient balance, duplicate, lost race
  - 503: Code space exhausted
  - 500: Internal errors (details are logged, not returned)

SECURITY NOTE:
  No authentication or authorization. Callers that may trigger completion or
  approval are expected to be checked by a gateway in front of this service.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/referral"
	"github.com/warp/ledger-engine/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     ledger.TxStore
	Engine    *settlement.Engine
	Issuer    *referral.Issuer
	Registrar *referral.Registrar
	Logger    *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(store ledger.TxStore, engine *settlement.Engine, issuer *referral.Issuer, registrar *referral.Registrar, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:     store,
		Engine:    engine,
		Issuer:    issuer,
		Registrar: registrar,
		Logger:    logger,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// RegisterUser provisions a ledger user with zero balances.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var id uuid.UUID
	if req.ID != "" {
		parsed, err := parseUUID("id", req.ID)
		if err != nil {
			h.writeDomainError(w, r, "Invalid user id", err)
			return
		}
		id = parsed
	}

	user, err := h.Registrar.Register(r.Context(), referral.RegisterParams{
		UserID:       id,
		ReferrerCode: req.ReferrerCode,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to register user", err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserDTO(user))
}

// GetAccount returns the user's three balances.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, "Invalid user id", err)
		return
	}

	acc, err := h.Engine.Account(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get account", err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

// GetMovements returns the user's journal.
func (h *Handler) GetMovements(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, "Invalid user id", err)
		return
	}

	movements, err := h.Engine.Movements(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get movements", err)
		return
	}

	dtos := make([]MovementDTO, len(movements))
	for i, m := range movements {
		dtos[i] = toMovementDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApproveUser delivers an approval notification. Repeated calls are safe.
func (h *Handler) ApproveUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, "Invalid user id", err)
		return
	}

	result, err := h.Issuer.NotifyUserApproved(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to process approval", err)
		return
	}

	writeJSON(w, http.StatusOK, toApprovalDTO(result))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateTransaction creates a pending transaction with a fresh voucher.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	params, err := req.params()
	if err != nil {
		h.writeDomainError(w, r, "Invalid transaction", err)
		return
	}

	tx, err := h.Engine.CreateTransaction(r.Context(), params)
	if err != nil {
		h.writeDomainError(w, r, "Failed to create transaction", err)
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (req CreateTransactionRequest) params() (settlement.CreateParams, error) {
	var p settlement.CreateParams
	var err error

	if p.BuyerID, err = parseUUID("buyer_id", req.BuyerID); err != nil {
		return p, err
	}
	if p.SellerID, err = parseUUID("seller_id", req.SellerID); err != nil {
		return p, err
	}
	if req.ListingRef != nil {
		ref, err := parseUUID("listing_ref", *req.ListingRef)
		if err != nil {
			return p, err
		}
		p.ListingRef = &ref
	}
	if p.Amount, err = ledger.ParseAmount(req.Amount, ledger.CurrencyXD); err != nil {
		return p, err
	}
	if req.Commission != nil {
		c, err := ledger.ParseAmount(*req.Commission, ledger.CurrencyXD)
		if err != nil {
			return p, &ledger.ValidationError{Field: "commission", Reason: err.Error()}
		}
		p.Commission = &c
	}
	return p, nil
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, "Invalid transaction id", err)
		return
	}

	tx, err := h.Engine.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get transaction", err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// CompleteTransaction settles a pending transaction. Completing an already
// completed transaction returns 200 with outcome "already_settled".
func (h *Handler) CompleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, "Invalid transaction id", err)
		return
	}

	result, err := h.Engine.CompleteTransaction(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to complete transaction", err)
		return
	}

	writeJSON(w, http.StatusOK, toSettlementDTO(result))
}

func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, "Invalid transaction id", err)
		return
	}

	tx, err := h.Engine.CancelTransaction(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to cancel transaction", err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.Logger.ErrorContext(r.Context(), "health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps a ledger error to its status code. Internal errors
// are logged and returned without details.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), message, "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, ErrorResponse{Error: message, Code: code})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrAlreadySettled):
		return http.StatusConflict, "already_settled"
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, ledger.ErrDuplicateValue):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, ledger.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, ledger.ErrUniquenessExhausted):
		return http.StatusServiceUnavailable, "uniqueness_exhausted"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	return parseUUID(name, chi.URLParam(r, name))
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, &ledger.ValidationError{Field: field, Reason: "not a valid UUID"}
	}
	return id, nil
}
