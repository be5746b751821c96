package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/aurix-studio/api/internal/domain"
	"github.com/aurix-studio/api/internal/imaging"
)

// ErrTransformInvalidInput indicates the caller supplied invalid parameters.
var ErrTransformInvalidInput = errors.New("transform: invalid input")

// EnhanceCommand carries one enhancement request through the pipeline.
type EnhanceCommand struct {
	Identity string
	// Image is the input payload, either a data URI or bare base64.
	Image    string
	MIMEType string
	Mode     EnhanceMode
	AddOns   []AddOn
}

// EnhanceResult is the outcome of a successful enhancement.
type EnhanceResult struct {
	// Edited is the generative edit output, always present on success.
	Edited string
	// Upscaled is the super-resolution output; empty when the pass was
	// skipped or failed.
	Upscaled string
	// UsageCount is the identity's counter after this transformation.
	UsageCount int64
	Duration   time.Duration
}

// RemoveCommand carries one object-removal request through the pipeline.
type RemoveCommand struct {
	Identity string
	Image    string
	MIMEType string
	// Target describes the object to erase, free text.
	Target string
}

// RemoveResult is the outcome of a successful removal. Removals are
// edit-only; the super-resolution pass applies to enhancements alone.
type RemoveResult struct {
	Image      string
	UsageCount int64
	Duration   time.Duration
}

// TransformServiceDeps bundles collaborators for the orchestrator.
type TransformServiceDeps struct {
	Entitlements EntitlementService
	Editor       imaging.Editor
	// Upscaler is optional; when nil the super-resolution pass is skipped.
	Upscaler imaging.Upscaler
	Clock    func() time.Time
	Logger   Logger
}

type transformService struct {
	entitlements EntitlementService
	editor       imaging.Editor
	upscaler     imaging.Upscaler
	sanitizer    *bluemonday.Policy
	clock        func() time.Time
	logger       Logger
}

// NewTransformService constructs the transformation orchestrator.
func NewTransformService(deps TransformServiceDeps) (TransformService, error) {
	if deps.Entitlements == nil {
		return nil, errors.New("transform service: entitlement service is required")
	}
	if deps.Editor == nil {
		return nil, errors.New("transform service: editor is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &transformService{
		entitlements: deps.Entitlements,
		editor:       deps.Editor,
		upscaler:     deps.Upscaler,
		sanitizer:    bluemonday.StrictPolicy(),
		clock:        clock,
		logger:       logger,
	}, nil
}

// Enhance runs the gate, the generative edit, the best-effort upscale, and
// finally commits usage. The counter moves strictly after a successful edit.
func (s *transformService) Enhance(ctx context.Context, cmd EnhanceCommand) (EnhanceResult, error) {
	payload, mime, err := splitImagePayload(cmd.Image, cmd.MIMEType)
	if err != nil {
		return EnhanceResult{}, err
	}
	identity := strings.TrimSpace(cmd.Identity)
	if identity == "" {
		return EnhanceResult{}, fmt.Errorf("%w: identity is required", ErrTransformInvalidInput)
	}

	if _, err := s.entitlements.CheckAndReserve(ctx, identity); err != nil {
		return EnhanceResult{}, err
	}

	start := s.clock()
	edited, err := s.editor.Enhance(ctx, imaging.EnhanceRequest{
		ImageBase64: payload,
		MIMEType:    mime,
		Mode:        cmd.Mode,
		AddOns:      cmd.AddOns,
	})
	if err != nil {
		return EnhanceResult{}, err
	}

	upscaled := s.tryUpscale(ctx, edited)

	count, err := s.entitlements.CommitUsage(ctx, identity)
	if err != nil {
		// An unrecorded edit would make the gate leaky; fail the request.
		s.logger(ctx, "transform.usage_commit_failed", map[string]any{
			"identity": identity,
			"error":    err.Error(),
		})
		return EnhanceResult{}, fmt.Errorf("recording usage: %w", err)
	}

	duration := s.clock().Sub(start)
	s.logger(ctx, "transform.enhance_completed", map[string]any{
		"identity":    identity,
		"mode":        string(cmd.Mode),
		"upscaled":    upscaled != "",
		"duration_ms": duration.Milliseconds(),
	})

	return EnhanceResult{Edited: edited, Upscaled: upscaled, UsageCount: count, Duration: duration}, nil
}

// Remove erases the described object from the image. The target text is
// sanitised before it reaches the prompt.
func (s *transformService) Remove(ctx context.Context, cmd RemoveCommand) (RemoveResult, error) {
	payload, mime, err := splitImagePayload(cmd.Image, cmd.MIMEType)
	if err != nil {
		return RemoveResult{}, err
	}
	identity := strings.TrimSpace(cmd.Identity)
	if identity == "" {
		return RemoveResult{}, fmt.Errorf("%w: identity is required", ErrTransformInvalidInput)
	}
	target := strings.TrimSpace(s.sanitizer.Sanitize(cmd.Target))
	if target == "" {
		return RemoveResult{}, fmt.Errorf("%w: a removal target is required", ErrTransformInvalidInput)
	}

	if _, err := s.entitlements.CheckAndReserve(ctx, identity); err != nil {
		return RemoveResult{}, err
	}

	start := s.clock()
	edited, err := s.editor.RemoveObject(ctx, imaging.RemoveRequest{
		ImageBase64: payload,
		MIMEType:    mime,
		Target:      target,
	})
	if err != nil {
		return RemoveResult{}, err
	}

	count, err := s.entitlements.CommitUsage(ctx, identity)
	if err != nil {
		s.logger(ctx, "transform.usage_commit_failed", map[string]any{
			"identity": identity,
			"error":    err.Error(),
		})
		return RemoveResult{}, fmt.Errorf("recording usage: %w", err)
	}

	duration := s.clock().Sub(start)
	s.logger(ctx, "transform.remove_completed", map[string]any{
		"identity":    identity,
		"duration_ms": duration.Milliseconds(),
	})

	return RemoveResult{Image: edited, UsageCount: count, Duration: duration}, nil
}

// tryUpscale runs the super-resolution pass and swallows every failure,
// returning an empty string when there is no usable output.
func (s *transformService) tryUpscale(ctx context.Context, edited string) string {
	if s.upscaler == nil {
		return ""
	}
	upscaled, err := s.upscaler.Upscale(ctx, edited)
	if err != nil {
		s.logger(ctx, "transform.upscale_skipped", map[string]any{
			"error": err.Error(),
		})
		return ""
	}
	return strings.TrimSpace(upscaled)
}

// splitImagePayload accepts either a data URI or bare base64 and returns the
// base64 payload plus the effective MIME type.
func splitImagePayload(image, mimeType string) (string, string, error) {
	payload := strings.TrimSpace(image)
	if payload == "" {
		return "", "", fmt.Errorf("%w: an image is required", ErrTransformInvalidInput)
	}

	mime := strings.TrimSpace(mimeType)
	if strings.HasPrefix(payload, "data:") {
		rest := payload[len("data:"):]
		idx := strings.Index(rest, ";base64,")
		if idx < 0 {
			return "", "", fmt.Errorf("%w: image data URI must be base64 encoded", ErrTransformInvalidInput)
		}
		if mime == "" {
			mime = rest[:idx]
		}
		payload = rest[idx+len(";base64,"):]
		if payload == "" {
			return "", "", fmt.Errorf("%w: image data URI carries no payload", ErrTransformInvalidInput)
		}
	}
	if mime == "" {
		mime = domain.DefaultImageMIME
	}
	return payload, mime, nil
}
