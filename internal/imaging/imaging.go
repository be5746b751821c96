// Package imaging holds the adapters around the external generative edit and
// super-resolution services, plus the normaliser that tames the upscaler's
// unstable response shapes.
package imaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/aurix-studio/api/internal/domain"
)

// Logger is the structured event logging contract shared by the adapters.
type Logger func(ctx context.Context, event string, fields map[string]any)

var (
	// ErrNoImageReturned indicates the edit service answered without any
	// inline image payload (empty candidates, no content parts, or text only).
	ErrNoImageReturned = errors.New("imaging: no image data in response")
	// ErrUnrecognizedShape indicates the upscale output could not be coerced
	// into a URL or inline image by any known strategy.
	ErrUnrecognizedShape = errors.New("imaging: unrecognized upscale output shape")
)

// ServiceError wraps transport-level failures (auth, quota, network) reported
// by an external imaging service.
type ServiceError struct {
	Service string
	Status  int
	Detail  string
	Err     error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e == nil {
		return ""
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Service, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Service, e.Detail)
}

// Unwrap exposes the underlying error, if any.
func (e *ServiceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// EnhanceRequest carries one enhancement call to the edit service.
type EnhanceRequest struct {
	// ImageBase64 is the raw image payload, base64 encoded without a data URI prefix.
	ImageBase64 string
	MIMEType    string
	Mode        domain.EnhanceMode
	AddOns      []domain.AddOn
}

// RemoveRequest carries one object-removal call to the edit service.
type RemoveRequest struct {
	ImageBase64 string
	MIMEType    string
	// Target is a free-text description of the object to erase.
	Target string
}

// Editor is the contract for the external generative edit service. Both
// methods return a self-describing data URI on success.
type Editor interface {
	Enhance(ctx context.Context, req EnhanceRequest) (string, error)
	RemoveObject(ctx context.Context, req RemoveRequest) (string, error)
}

// Upscaler is the contract for the best-effort super-resolution pass. The
// returned value is either a hosted URL or a data URI. Callers must treat any
// error as "no upscale", never as fatal.
type Upscaler interface {
	Upscale(ctx context.Context, image string) (string, error)
}
