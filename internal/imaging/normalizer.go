package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"unicode/utf8"
)

const (
	defaultMaxStreamBytes  = 32 << 20
	defaultMaxEncodedBytes = 3 << 20
)

var (
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
)

// jpegQualityLadder is tried in order until the encoded output fits the bound.
var jpegQualityLadder = []int{85, 70, 55, 40}

// outputShape tags the runtime shape reconstructed from an upscale result.
type outputShape int

const (
	shapeURL outputShape = iota
	shapeBinary
	shapeUnrecognized
)

type rawOutput struct {
	shape outputShape
	url   string
	data  []byte
}

// Normalizer converts the upscaling service's unstable result shapes into
// either a ready-to-use URL or a bounded inline data URI.
type Normalizer struct {
	// MaxStreamBytes caps how much of a binary stream is drained. A malformed
	// or hostile stream terminates at the cap instead of blocking the request.
	MaxStreamBytes int64
	// MaxEncodedBytes bounds the decoded size of re-encoded inline images.
	MaxEncodedBytes int
	Logger          Logger
}

// NewNormalizer constructs a Normalizer with the default bounds.
func NewNormalizer(logger Logger) *Normalizer {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Normalizer{
		MaxStreamBytes:  defaultMaxStreamBytes,
		MaxEncodedBytes: defaultMaxEncodedBytes,
		Logger:          logger,
	}
}

// Normalize coerces a decoded JSON value (string, array, object) or an
// io.Reader carrying raw bytes into a URL or data URI. Results terminate in
// either a value or a typed failure; nothing escapes as a panic or an
// unclassified error.
func (n *Normalizer) Normalize(ctx context.Context, value any) (string, error) {
	raw, err := n.classify(ctx, value)
	if err != nil {
		return "", err
	}

	switch raw.shape {
	case shapeURL:
		return raw.url, nil
	case shapeBinary:
		return n.normalizeBytes(ctx, raw.data)
	default:
		return "", ErrUnrecognizedShape
	}
}

// classify reconstructs the tagged shape from the runtime value. Priority
// order: plain string, binary stream, array head, object "output" field.
func (n *Normalizer) classify(ctx context.Context, value any) (rawOutput, error) {
	switch v := value.(type) {
	case string:
		return rawOutput{shape: shapeURL, url: v}, nil
	case []byte:
		return rawOutput{shape: shapeBinary, data: v}, nil
	case io.Reader:
		data, err := n.drain(v)
		if err != nil {
			return rawOutput{}, &ServiceError{Service: "normalizer", Detail: "drain stream", Err: err}
		}
		return rawOutput{shape: shapeBinary, data: data}, nil
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return rawOutput{shape: shapeURL, url: s}, nil
			}
		}
		return rawOutput{shape: shapeUnrecognized}, nil
	case map[string]any:
		if s, ok := v["output"].(string); ok && s != "" {
			return rawOutput{shape: shapeURL, url: s}, nil
		}
		if list, ok := v["output"].([]any); ok && len(list) > 0 {
			if s, ok := list[0].(string); ok {
				return rawOutput{shape: shapeURL, url: s}, nil
			}
		}
		return rawOutput{shape: shapeUnrecognized}, nil
	default:
		return rawOutput{shape: shapeUnrecognized}, nil
	}
}

func (n *Normalizer) drain(r io.Reader) ([]byte, error) {
	limit := n.MaxStreamBytes
	if limit <= 0 {
		limit = defaultMaxStreamBytes
	}
	return io.ReadAll(io.LimitReader(r, limit))
}

// normalizeBytes handles fully drained binary payloads: image bytes are
// re-encoded within the size bound, text bytes get one decoding attempt as a
// URL or JSON wrapper, anything else is an unrecoverable shape.
func (n *Normalizer) normalizeBytes(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrUnrecognizedShape
	}

	if mime := sniffImageMIME(data); mime != "" {
		return n.encodeInline(ctx, data, mime), nil
	}

	if !utf8.Valid(data) {
		return "", ErrUnrecognizedShape
	}

	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "http") {
		return text, nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		switch v := decoded.(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case map[string]any:
			if s, ok := v["output"].(string); ok && s != "" {
				return s, nil
			}
		}
	}

	return "", ErrUnrecognizedShape
}

// encodeInline re-encodes recognised image bytes as a bounded JPEG data URI,
// falling back to the original bytes under the detected MIME type when the
// re-encode fails.
func (n *Normalizer) encodeInline(ctx context.Context, data []byte, detectedMIME string) string {
	bound := n.MaxEncodedBytes
	if bound <= 0 {
		bound = defaultMaxEncodedBytes
	}

	decoded, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		n.log(ctx, "normalizer.decode_failed", map[string]any{"error": err.Error(), "mime": detectedMIME})
		return dataURI(detectedMIME, data)
	}

	var encoded []byte
	for _, quality := range jpegQualityLadder {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, decoded, &jpeg.Options{Quality: quality}); err != nil {
			n.log(ctx, "normalizer.encode_failed", map[string]any{"error": err.Error(), "quality": quality})
			return dataURI(detectedMIME, data)
		}
		encoded = buf.Bytes()
		if len(encoded) <= bound {
			return dataURI("image/jpeg", encoded)
		}
	}

	// Even the lowest quality exceeded the bound; ship it anyway rather than
	// dropping a valid result.
	n.log(ctx, "normalizer.over_bound", map[string]any{"bytes": len(encoded), "bound": bound})
	return dataURI("image/jpeg", encoded)
}

func (n *Normalizer) log(ctx context.Context, event string, fields map[string]any) {
	if n != nil && n.Logger != nil {
		n.Logger(ctx, event, fields)
	}
}

func sniffImageMIME(data []byte) string {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return "image/png"
	case bytes.HasPrefix(data, jpegMagic):
		return "image/jpeg"
	default:
		return ""
	}
}

func dataURI(mime string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}
