package vault

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-paylink/internal/common"
	"github.com/noah-isme/backend-paylink/internal/payment"
)

// Handler exposes the owner-facing provider config endpoints.
type Handler struct {
	Service *Service
}

// Routes mounts the config endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/verify", h.Verify)
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
	views, err := h.Service.List(r.Context(), ownerID)
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

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var in UpdateInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	view, err := h.Service.Update(r.Context(), ownerID, chi.URLParam(r, "id"), in)
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

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	view, err := h.Service.Verify(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID, ok := common.OwnerID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return "", false
	}
	return ownerID, true
}

// toAppError maps vault errors onto the API envelope. Messages are fixed
// strings so no credential material can reach the response.
func toAppError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return common.NewAppError("VALIDATION_FAILED", err.Error(), http.StatusUnprocessableEntity, err)
	case errors.Is(err, payment.ErrInvalidCredentials):
		return common.NewAppError("INVALID_CREDENTIALS", "credentials are incomplete or do not match the selected mode", http.StatusUnprocessableEntity, err)
	case errors.Is(err, payment.ErrUnknownProvider):
		return common.NewAppError("VALIDATION_FAILED", "unsupported provider", http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrNotFound):
		return common.NewAppError("NOT_FOUND", "provider config not found", http.StatusNotFound, err)
	case errors.Is(err, ErrNotOwner):
		return common.NewAppError("NOT_OWNER", "provider config belongs to another owner", http.StatusForbidden, err)
	case errors.Is(err, ErrConfigInUse):
		return common.NewAppError("CONFIG_IN_USE", "provider config is referenced by payment links", http.StatusConflict, err)
	case errors.Is(err, ErrConfiguration):
		return common.NewAppError("VAULT_UNAVAILABLE", "credential vault is not configured", http.StatusServiceUnavailable, err)
	case errors.Is(err, ErrIntegrity):
		return common.NewAppError("INTERNAL", "stored credentials could not be read", http.StatusInternalServerError, err)
	default:
		return err
	}
}
