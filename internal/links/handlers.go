package links

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-paylink/internal/common"
	"github.com/noah-isme/backend-paylink/internal/paylink"
	"github.com/noah-isme/backend-paylink/internal/payment"
	"github.com/noah-isme/backend-paylink/internal/vault"
)

// Handler exposes payment link endpoints.
type Handler struct {
	Service *Service
	// Idempotency wraps link creation when set.
	Idempotency func(http.Handler) http.Handler
}

// Routes mounts the owner-facing endpoints. They expect an authenticated owner.
func (h *Handler) Routes(r chi.Router) {
	create := http.Handler(http.HandlerFunc(h.Create))
	if h.Idempotency != nil {
		create = h.Idempotency(create)
	}
	r.Method(http.MethodPost, "/", create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	r.Get("/{id}/status", h.OwnerStatus)
	r.Post("/{id}/cancel", h.Cancel)
	r.Get("/{id}/transactions", h.Transactions)
}

// PublicRoutes mounts the payer-facing status endpoint.
func (h *Handler) PublicRoutes(r chi.Router) {
	r.Get("/{id}/status", h.PublicStatus)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var in CreateInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	view, err := h.Service.Create(r.Context(), ownerID, in)
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": view})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := paylink.ListFilter{Status: paylink.Status(strings.ToLower(strings.TrimSpace(q.Get("status"))))}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	views, err := h.Service.List(r.Context(), ownerID, filter)
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": views})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	view, err := h.Service.Get(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if err := h.Service.Delete(r.Context(), ownerID, chi.URLParam(r, "id")); err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) OwnerStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	view, err := h.Service.OwnerPollStatus(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

// PublicStatus lets the payer page poll without credentials.
func (h *Handler) PublicStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.PollStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	view.Metadata = nil
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	view, err := h.Service.Cancel(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	txns, err := h.Service.Transactions(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	if txns == nil {
		txns = []paylink.Transaction{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": txns})
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID, ok := common.OwnerID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return "", false
	}
	return ownerID, true
}

// toAppError maps domain errors onto the API envelope so the caller can tell
// a fixable request from a missing config, a refusal and a transient outage.
func toAppError(err error) error {
	var pe *payment.ProviderError
	switch {
	case errors.Is(err, ErrValidation):
		return common.NewAppError("VALIDATION_FAILED", err.Error(), http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrRateLimited):
		return common.NewAppError("RATE_LIMITED", "too many payment links created, try again later", http.StatusTooManyRequests, err)
	case errors.Is(err, vault.ErrNoActiveConfig):
		return common.NewAppError("NO_ACTIVE_CONFIG", "no active provider config for this request", http.StatusConflict, err)
	case errors.Is(err, payment.ErrProviderUnavailable):
		return common.NewAppError("PROVIDER_UNAVAILABLE", "payment provider is temporarily unavailable", http.StatusServiceUnavailable, err).
			WithDetails(map[string]any{"retryable": true})
	case errors.Is(err, payment.ErrProviderRejected):
		details := map[string]any{"retryable": false}
		if errors.As(err, &pe) && pe.Code != "" {
			details["providerCode"] = pe.Code
		}
		return common.NewAppError("PROVIDER_REJECTED", "payment provider rejected the request", http.StatusUnprocessableEntity, err).
			WithDetails(details)
	case errors.Is(err, paylink.ErrNotFound):
		return common.NewAppError("NOT_FOUND", "payment link not found", http.StatusNotFound, err)
	case errors.Is(err, paylink.ErrNotOwner):
		return common.NewAppError("NOT_OWNER", "payment link belongs to another owner", http.StatusForbidden, err)
	case errors.Is(err, paylink.ErrHasSettledTransactions):
		return common.NewAppError("HAS_SETTLED_TRANSACTIONS", "payment link has settled transactions", http.StatusConflict, err)
	case errors.Is(err, paylink.ErrInvalidTransition):
		return common.NewAppError("INVALID_TRANSITION", "payment link is no longer pending", http.StatusConflict, err)
	case errors.Is(err, vault.ErrConfiguration):
		return common.NewAppError("VAULT_UNAVAILABLE", "credential vault is not configured", http.StatusServiceUnavailable, err)
	default:
		return err
	}
}
