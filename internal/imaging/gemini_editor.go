package imaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aurix-studio/api/internal/domain"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-2.5-flash-image"
	defaultEditTimeout   = 55 * time.Second

	maxGeminiResponseBytes = 64 << 20
)

// GeminiEditorConfig configures the GeminiEditor.
type GeminiEditorConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Logger     Logger
}

// GeminiEditor implements Editor against the Gemini generateContent API.
type GeminiEditor struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  Logger
}

// NewGeminiEditor constructs a GeminiEditor from the given configuration.
func NewGeminiEditor(cfg GeminiEditorConfig) (*GeminiEditor, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultEditTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &GeminiEditor{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}, nil
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
	Config   *geminiConfig   `json:"generationConfig,omitempty"`
	Safety   []geminiSafety  `json:"safetySettings,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiSafety struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// blockNoneSafety disables category blocking; listing photos routinely trip
// false positives on the stricter thresholds.
var blockNoneSafety = []geminiSafety{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
}

// Enhance sends the image with the mode-selected instruction and returns the
// first inline image part as a data URI.
func (e *GeminiEditor) Enhance(ctx context.Context, req EnhanceRequest) (string, error) {
	if e == nil {
		return "", errors.New("gemini: editor is nil")
	}
	prompt := EnhancePrompt(req.Mode, req.AddOns)
	return e.generate(ctx, prompt, req.ImageBase64, req.MIMEType)
}

// RemoveObject sends the image with the removal instruction for the target.
func (e *GeminiEditor) RemoveObject(ctx context.Context, req RemoveRequest) (string, error) {
	if e == nil {
		return "", errors.New("gemini: editor is nil")
	}
	if strings.TrimSpace(req.Target) == "" {
		return "", &ServiceError{Service: "gemini", Detail: "removal target is required"}
	}
	return e.generate(ctx, RemovePrompt(req.Target), req.ImageBase64, req.MIMEType)
}

func (e *GeminiEditor) generate(ctx context.Context, prompt, imageBase64, mimeType string) (string, error) {
	image := strings.TrimSpace(imageBase64)
	if image == "" {
		return "", &ServiceError{Service: "gemini", Detail: "image payload is required"}
	}
	mime := strings.TrimSpace(mimeType)
	if mime == "" {
		mime = domain.DefaultImageMIME
	}

	payload := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: prompt},
				{InlineData: &geminiInlineData{MIMEType: mime, Data: image}},
			},
		}},
		Safety: blockNoneSafety,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &ServiceError{Service: "gemini", Detail: "encode request", Err: err}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", e.baseURL, e.model, e.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &ServiceError{Service: "gemini", Detail: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", &ServiceError{Service: "gemini", Detail: "transport failure", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxGeminiResponseBytes))
	if err != nil {
		return "", &ServiceError{Service: "gemini", Status: resp.StatusCode, Detail: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		detail := fmt.Sprintf("unexpected status %d", resp.StatusCode)
		var apiErr geminiErrorBody
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
			detail = apiErr.Error.Message
		}
		return "", &ServiceError{Service: "gemini", Status: resp.StatusCode, Detail: detail}
	}

	var decoded geminiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", &ServiceError{Service: "gemini", Status: resp.StatusCode, Detail: "decode response", Err: err}
	}

	return e.extractImage(ctx, decoded, mime)
}

// extractImage scans all parts of the first candidate for the first inline
// image payload, preferring the MIME type reported by the service.
func (e *GeminiEditor) extractImage(ctx context.Context, resp geminiResponse, requestMIME string) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", ErrNoImageReturned
	}

	candidate := resp.Candidates[0]
	if len(candidate.Content.Parts) == 0 {
		e.logger(ctx, "gemini.empty_content", map[string]any{
			"finishReason": candidate.FinishReason,
		})
		return "", ErrNoImageReturned
	}

	for _, part := range candidate.Content.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			mime := strings.TrimSpace(part.InlineData.MIMEType)
			if mime == "" {
				mime = requestMIME
			}
			return fmt.Sprintf("data:%s;base64,%s", mime, part.InlineData.Data), nil
		}
		if part.Text != "" {
			e.logger(ctx, "gemini.text_part", map[string]any{
				"text": truncate(part.Text, 200),
			})
		}
	}

	return "", ErrNoImageReturned
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
