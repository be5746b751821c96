package handlers

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aurix-studio/api/internal/domain"
	"github.com/aurix-studio/api/internal/imaging"
	"github.com/aurix-studio/api/internal/platform/auth"
	"github.com/aurix-studio/api/internal/platform/httpx"
	"github.com/aurix-studio/api/internal/services"
)

// maxTransformRequestBody bounds uploads; base64 inflates images by a third.
const maxTransformRequestBody = 20 * 1024 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body exceeds limit")
)

// TransformHandlers exposes the enhancement and object-removal endpoints.
type TransformHandlers struct {
	transform services.TransformService
	limiter   rateLimiter
}

// NewTransformHandlers constructs transform handlers.
func NewTransformHandlers(transform services.TransformService, limiter rateLimiter) *TransformHandlers {
	return &TransformHandlers{
		transform: transform,
		limiter:   limiter,
	}
}

// Routes registers transform endpoints under the provided router.
func (h *TransformHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/enhance", h.enhance)
	r.Post("/remove", h.remove)
}

type enhanceRequest struct {
	Image    string   `json:"image"`
	MIMEType string   `json:"mimeType"`
	Mode     string   `json:"mode"`
	AddOns   []string `json:"addOns"`
}

type enhanceResponse struct {
	Enhanced string  `json:"enhanced"`
	Upscaled *string `json:"upscaled"`
	Message  string  `json:"message"`
}

type removeRequest struct {
	Image    string `json:"image"`
	MIMEType string `json:"mimeType"`
	Target   string `json:"target"`
}

type removeResponse struct {
	Processed string `json:"processed"`
	Message   string `json:"message"`
}

func (h *TransformHandlers) enhance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.transform == nil {
		httpx.WriteError(ctx, w, httpx.NewError("transform_unavailable", "transform service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity := clientIdentity(r)
	if !allowRequest(h.limiter, identity) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
		return
	}

	var req enhanceRequest
	if err := decodeJSONBody(r, maxTransformRequestBody, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Image) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "image is required", http.StatusBadRequest))
		return
	}

	result, err := h.transform.Enhance(ctx, services.EnhanceCommand{
		Identity: identity,
		Image:    req.Image,
		MIMEType: req.MIMEType,
		Mode:     domain.ParseEnhanceMode(req.Mode),
		AddOns:   domain.ParseAddOns(req.AddOns),
	})
	if err != nil {
		writeTransformError(w, r, err)
		return
	}

	resp := enhanceResponse{
		Enhanced: result.Edited,
		Message:  "enhancement complete",
	}
	if result.Upscaled != "" {
		resp.Upscaled = &result.Upscaled
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *TransformHandlers) remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.transform == nil {
		httpx.WriteError(ctx, w, httpx.NewError("transform_unavailable", "transform service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity := clientIdentity(r)
	if !allowRequest(h.limiter, identity) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
		return
	}

	var req removeRequest
	if err := decodeJSONBody(r, maxTransformRequestBody, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Image) == "" || strings.TrimSpace(req.Target) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "image and target are required", http.StatusBadRequest))
		return
	}

	result, err := h.transform.Remove(ctx, services.RemoveCommand{
		Identity: identity,
		Image:    req.Image,
		MIMEType: req.MIMEType,
		Target:   req.Target,
	})
	if err != nil {
		writeTransformError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, removeResponse{
		Processed: result.Image,
		Message:   "removal complete",
	})
}

// writeTransformError maps pipeline failures onto the HTTP error surface. The
// email and limit denials carry machine-readable codes so the UI can pick
// between the email form and the paywall.
func writeTransformError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrEmailRequired):
		httpx.WriteError(ctx, w, httpx.NewError("email_required", "email registration required", http.StatusUnauthorized))
	case errors.Is(err, services.ErrLimitReached):
		httpx.WriteError(ctx, w, httpx.NewError("limit_reached", "free usage limit reached", http.StatusForbidden))
	case errors.Is(err, services.ErrTransformInvalidInput), errors.Is(err, services.ErrEntitlementInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, imaging.ErrNoImageReturned):
		httpx.WriteError(ctx, w, httpx.NewError("edit_failed", "image service returned no image", http.StatusInternalServerError))
	default:
		var svcErr *imaging.ServiceError
		if errors.As(err, &svcErr) {
			httpx.WriteError(ctx, w, httpx.NewError("edit_failed", svcErr.Error(), http.StatusInternalServerError))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "transformation failed", http.StatusInternalServerError))
	}
}

func writeBodyError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), status))
}

// clientIdentity resolves the entitlement key: the authenticated account id
// when present, the client IP otherwise. RealIP middleware has already
// rewritten RemoteAddr from forwarding headers.
func clientIdentity(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		if uid := strings.TrimSpace(identity.UID); uid != "" {
			return uid
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func allowRequest(limiter rateLimiter, key string) bool {
	if limiter == nil {
		return true
	}
	return limiter.Allow(key)
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}
