package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aurix-studio/api/internal/platform/httpx"
	"github.com/aurix-studio/api/internal/repositories"
	"github.com/aurix-studio/api/internal/services"
)

const maxAccountRequestBody = 8 * 1024

// AccountHandlers exposes registration, profile, and usage endpoints.
type AccountHandlers struct {
	entitlements services.EntitlementService
}

// NewAccountHandlers constructs account handlers.
func NewAccountHandlers(entitlements services.EntitlementService) *AccountHandlers {
	return &AccountHandlers{entitlements: entitlements}
}

// Routes registers account endpoints under the provided router.
func (h *AccountHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/register", h.register)
	r.Get("/", h.profile)
	r.Get("/stats", h.stats)
}

type registerRequest struct {
	Email string `json:"email"`
}

type profileResponse struct {
	Identity           string `json:"identity"`
	Email              string `json:"email,omitempty"`
	Tier               string `json:"tier"`
	TierName           string `json:"tierName,omitempty"`
	UsageCount         int64  `json:"usageCount"`
	Quota              int64  `json:"quota"`
	Pro                bool   `json:"pro"`
	PayPerImage        bool   `json:"payPerImage"`
	SubscriptionStatus string `json:"subscriptionStatus,omitempty"`
	SubscriptionEnd    string `json:"subscriptionEnd,omitempty"`
}

type statsResponse struct {
	ImagesUsed     int64 `json:"imagesUsed"`
	ImagesQuota    int64 `json:"imagesQuota"`
	ImagesEnhanced int64 `json:"imagesEnhanced"`
	ImagesRemoved  int64 `json:"imagesRemoved"`
}

func (h *AccountHandlers) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.entitlements == nil {
		httpx.WriteError(ctx, w, httpx.NewError("account_unavailable", "account service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req registerRequest
	if err := decodeJSONBody(r, maxAccountRequestBody, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "email is required", http.StatusBadRequest))
		return
	}

	record, err := h.entitlements.RegisterEmail(ctx, clientIdentity(r), req.Email)
	if err != nil {
		if errors.Is(err, services.ErrEntitlementInvalidInput) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("registration_failed", "unable to register email", http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(record))
}

func (h *AccountHandlers) profile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.entitlements == nil {
		httpx.WriteError(ctx, w, httpx.NewError("account_unavailable", "account service unavailable", http.StatusServiceUnavailable))
		return
	}

	record, err := h.entitlements.Profile(ctx, clientIdentity(r))
	if err != nil {
		if errors.Is(err, repositories.ErrEntitlementNotFound) {
			httpx.WriteError(ctx, w, httpx.NewError("not_registered", "no account record", http.StatusNotFound))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("profile_failed", "unable to load profile", http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(record))
}

func (h *AccountHandlers) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.entitlements == nil {
		httpx.WriteError(ctx, w, httpx.NewError("account_unavailable", "account service unavailable", http.StatusServiceUnavailable))
		return
	}

	stats, err := h.entitlements.Stats(ctx, clientIdentity(r))
	if err != nil {
		if errors.Is(err, repositories.ErrEntitlementNotFound) {
			httpx.WriteError(ctx, w, httpx.NewError("not_registered", "no account record", http.StatusNotFound))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("stats_failed", "unable to load usage stats", http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		ImagesUsed:     stats.ImagesUsed,
		ImagesQuota:    stats.ImagesQuota,
		ImagesEnhanced: stats.ImagesEnhanced,
		ImagesRemoved:  stats.ImagesRemoved,
	})
}

func toProfileResponse(record services.EntitlementRecord) profileResponse {
	resp := profileResponse{
		Identity:           record.Identity,
		Email:              record.Email,
		Tier:               string(record.Tier),
		TierName:           record.TierName,
		UsageCount:         record.UsageCount,
		Quota:              record.Quota,
		Pro:                record.Pro,
		PayPerImage:        record.PayPerImageEnabled,
		SubscriptionStatus: string(record.SubscriptionStatus),
	}
	if record.SubscriptionEndDate != nil {
		resp.SubscriptionEnd = record.SubscriptionEndDate.UTC().Format(time.RFC3339)
	}
	return resp
}
