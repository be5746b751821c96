package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aurix-studio/api/internal/platform/httpx"
	"github.com/aurix-studio/api/internal/services"
)

const maxFeedbackRequestBody = 16 * 1024

// FeedbackHandlers exposes the satisfaction survey endpoint.
type FeedbackHandlers struct {
	feedback services.FeedbackService
}

// NewFeedbackHandlers constructs feedback handlers.
func NewFeedbackHandlers(feedback services.FeedbackService) *FeedbackHandlers {
	return &FeedbackHandlers{feedback: feedback}
}

// Routes registers feedback endpoints under the provided router.
func (h *FeedbackHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.submit)
}

type feedbackRequest struct {
	Email          string   `json:"email"`
	Satisfaction   int      `json:"satisfaction"`
	WantedFeatures []string `json:"wantedFeatures"`
	Message        string   `json:"message"`
}

type feedbackResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (h *FeedbackHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.feedback == nil {
		httpx.WriteError(ctx, w, httpx.NewError("feedback_unavailable", "feedback service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req feedbackRequest
	if err := decodeJSONBody(r, maxFeedbackRequestBody, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	saved, err := h.feedback.Submit(ctx, services.FeedbackCommand{
		Email:          req.Email,
		Satisfaction:   req.Satisfaction,
		WantedFeatures: req.WantedFeatures,
		Message:        req.Message,
	})
	if err != nil {
		if errors.Is(err, services.ErrFeedbackInvalidInput) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("feedback_failed", "unable to record feedback", http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusCreated, feedbackResponse{ID: saved.ID, Message: "thanks for the feedback"})
}
