package imaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

const (
	defaultReplicateBaseURL = "https://api.replicate.com/v1"
	defaultUpscaleTimeout   = 50 * time.Second

	// realESRGANVersion pins the Real-ESRGAN model revision used for the 4x pass.
	realESRGANVersion = "42fed1c4974146d4d2414e2be2c5277c7fcf05fcc3a73abf41610695738c1d7b"

	upscaleFactor = 4
)

// ReplicateUpscalerConfig configures the ReplicateUpscaler.
type ReplicateUpscalerConfig struct {
	APIToken   string
	Version    string
	BaseURL    string
	HTTPClient *http.Client
	Normalizer *Normalizer
	Logger     Logger
}

// ReplicateUpscaler implements Upscaler against the Replicate predictions API.
// The model's SDK version and variant silently change the wire shape of the
// output, so every result is funnelled through the Normalizer.
type ReplicateUpscaler struct {
	token      string
	version    string
	baseURL    string
	client     *http.Client
	normalizer *Normalizer
	logger     Logger
}

// NewReplicateUpscaler constructs a ReplicateUpscaler from the configuration.
func NewReplicateUpscaler(cfg ReplicateUpscalerConfig) (*ReplicateUpscaler, error) {
	token := strings.TrimSpace(cfg.APIToken)
	if token == "" {
		return nil, errors.New("replicate: api token is required")
	}

	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = realESRGANVersion
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultReplicateBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultUpscaleTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	normalizer := cfg.Normalizer
	if normalizer == nil {
		normalizer = NewNormalizer(logger)
	}

	return &ReplicateUpscaler{
		token:      token,
		version:    version,
		baseURL:    baseURL,
		client:     client,
		normalizer: normalizer,
		logger:     logger,
	}, nil
}

type replicatePredictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

// Upscale runs the 4x face-enhanced pass on the given image (URL or data URI)
// and returns the normalised result. Every failure mode surfaces as an error
// the orchestrator converts to "no upscale".
func (u *ReplicateUpscaler) Upscale(ctx context.Context, image string) (string, error) {
	if u == nil {
		return "", errors.New("replicate: upscaler is nil")
	}
	image = strings.TrimSpace(image)
	if image == "" {
		return "", &ServiceError{Service: "replicate", Detail: "image input is required"}
	}

	payload := replicatePredictionRequest{
		Version: u.version,
		Input: map[string]any{
			"image":        image,
			"scale":        upscaleFactor,
			"face_enhance": true,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &ServiceError{Service: "replicate", Detail: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/predictions", bytes.NewReader(body))
	if err != nil {
		return "", &ServiceError{Service: "replicate", Detail: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Token "+u.token)
	req.Header.Set("Content-Type", "application/json")
	// Hold the connection until the prediction settles instead of polling.
	req.Header.Set("Prefer", "wait=45")

	resp, err := u.client.Do(req)
	if err != nil {
		return "", &ServiceError{Service: "replicate", Detail: "transport failure", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ServiceError{
			Service: "replicate",
			Status:  resp.StatusCode,
			Detail:  strings.TrimSpace(string(raw)),
		}
	}

	// Some deliveries return the upscaled bytes directly instead of a
	// prediction envelope.
	if !isJSONResponse(resp.Header.Get("Content-Type")) {
		return u.normalizer.Normalize(ctx, resp.Body)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, u.normalizer.MaxStreamBytes))
	if err != nil {
		return "", &ServiceError{Service: "replicate", Detail: "read response", Err: err}
	}

	var prediction replicatePrediction
	if err := json.Unmarshal(raw, &prediction); err != nil {
		return "", &ServiceError{Service: "replicate", Detail: "decode response", Err: err}
	}

	if prediction.Error != nil {
		return "", &ServiceError{Service: "replicate", Detail: fmt.Sprintf("prediction error: %v", prediction.Error)}
	}
	switch prediction.Status {
	case "failed", "canceled":
		return "", &ServiceError{Service: "replicate", Detail: "prediction " + prediction.Status}
	}
	if len(prediction.Output) == 0 {
		return "", &ServiceError{Service: "replicate", Detail: "prediction returned no output"}
	}

	var output any
	if err := json.Unmarshal(prediction.Output, &output); err != nil {
		return "", &ServiceError{Service: "replicate", Detail: "decode output", Err: err}
	}

	u.logger(ctx, "replicate.output", map[string]any{
		"predictionId": prediction.ID,
		"status":       prediction.Status,
		"outputType":   fmt.Sprintf("%T", output),
	})

	return u.normalizer.Normalize(ctx, output)
}

func isJSONResponse(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}
