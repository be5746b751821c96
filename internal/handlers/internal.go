package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aurix-studio/api/internal/platform/httpx"
	"github.com/aurix-studio/api/internal/repositories"
	"github.com/aurix-studio/api/internal/services"
)

const maxInternalRequestBody = 4 * 1024

// InternalHandlers exposes operator-only endpoints. The router mounts these
// behind HMAC verification.
type InternalHandlers struct {
	entitlements services.EntitlementService
	resetEnabled bool
}

// NewInternalHandlers constructs internal handlers.
func NewInternalHandlers(entitlements services.EntitlementService, resetEnabled bool) *InternalHandlers {
	return &InternalHandlers{
		entitlements: entitlements,
		resetEnabled: resetEnabled,
	}
}

// Routes registers internal endpoints under the provided router.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/entitlements/reset", h.resetEntitlement)
}

type resetRequest struct {
	Identity string `json:"identity"`
}

func (h *InternalHandlers) resetEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.entitlements == nil {
		httpx.WriteError(ctx, w, httpx.NewError("internal_unavailable", "entitlement service unavailable", http.StatusServiceUnavailable))
		return
	}
	if !h.resetEnabled {
		httpx.WriteError(ctx, w, httpx.NewError("reset_disabled", "entitlement reset is disabled in this environment", http.StatusForbidden))
		return
	}

	var req resetRequest
	if err := decodeJSONBody(r, maxInternalRequestBody, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "identity is required", http.StatusBadRequest))
		return
	}

	if err := h.entitlements.Reset(ctx, identity); err != nil {
		if errors.Is(err, repositories.ErrEntitlementNotFound) {
			httpx.WriteError(ctx, w, httpx.NewError("not_found", "no record for identity", http.StatusNotFound))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("reset_failed", "unable to reset entitlement", http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}
