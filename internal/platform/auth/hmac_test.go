package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mapSecretProvider map[string]string

func (m mapSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if secret, ok := m[name]; ok {
		return secret, nil
	}
	return "", fmt.Errorf("secret %s not found", name)
}

type silentLogger struct{}

func (silentLogger) Printf(string, ...any) {}

func signedRequest(t *testing.T, secret, path string, body []byte, ts time.Time, nonce string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	stamp := ts.UTC().Format(time.RFC3339)
	sig := computeHMAC([]byte(secret), buildCanonicalString(req, body, stamp, nonce))
	req.Header.Set(defaultSignatureHeader, base64.StdEncoding.EncodeToString(sig))
	req.Header.Set(defaultTimestampHeader, stamp)
	req.Header.Set(defaultNonceHeader, nonce)
	return req
}

func TestRequireHMAC_AllowsSignedRequest(t *testing.T) {
	const secretName = "internal"
	const secretValue = "reset-secret"

	now := time.Now().UTC().Truncate(time.Second)
	validator := NewHMACValidator(mapSecretProvider{secretName: secretValue}, NewInMemoryNonceStore(),
		WithHMACLogger(silentLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	body := []byte(`{"identity":"user-42"}`)
	req := signedRequest(t, secretValue, "/api/v1/internal/reset", body, now, "nonce-1")

	rr := httptest.NewRecorder()
	validator.RequireHMAC(secretName)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, ok := HMACMetadataFromContext(r.Context())
		if !ok {
			t.Fatalf("expected hmac metadata in context")
		}
		if meta.SecretName != secretName {
			t.Fatalf("unexpected secret name %q", meta.SecretName)
		}
		if meta.Nonce != "nonce-1" {
			t.Fatalf("unexpected nonce %q", meta.Nonce)
		}
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRequireHMAC_RejectsReplay(t *testing.T) {
	const secretName = "internal"
	const secretValue = "reset-secret"

	now := time.Now().UTC().Truncate(time.Second)
	validator := NewHMACValidator(mapSecretProvider{secretName: secretValue}, NewInMemoryNonceStore(),
		WithHMACLogger(silentLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	body := []byte(`{"identity":"user-42"}`)
	handler := validator.RequireHMAC(secretName)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, signedRequest(t, secretValue, "/api/v1/internal/reset", body, now, "nonce-replay"))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, signedRequest(t, secretValue, "/api/v1/internal/reset", body, now, "nonce-replay"))
	if second.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected with 401, got %d", second.Code)
	}
}

func TestRequireHMAC_RejectsTamperedBody(t *testing.T) {
	const secretName = "internal"
	const secretValue = "reset-secret"

	now := time.Now().UTC().Truncate(time.Second)
	validator := NewHMACValidator(mapSecretProvider{secretName: secretValue}, NewInMemoryNonceStore(),
		WithHMACLogger(silentLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	// Sign one body, send another.
	signed := signedRequest(t, secretValue, "/api/v1/internal/reset", []byte(`{"identity":"user-42"}`), now, "nonce-tamper")
	tampered := httptest.NewRequest(http.MethodPost, "/api/v1/internal/reset", bytes.NewReader([]byte(`{"identity":"someone-else"}`)))
	tampered.Header = signed.Header

	rr := httptest.NewRecorder()
	validator.RequireHMAC(secretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run on signature mismatch")
	})).ServeHTTP(rr, tampered)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on signature mismatch, got %d", rr.Code)
	}
}

func TestRequireHMAC_RejectsStaleTimestamp(t *testing.T) {
	const secretName = "internal"
	const secretValue = "reset-secret"

	now := time.Now().UTC().Truncate(time.Second)
	validator := NewHMACValidator(mapSecretProvider{secretName: secretValue}, NewInMemoryNonceStore(),
		WithHMACLogger(silentLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	body := []byte(`{"identity":"user-42"}`)
	req := signedRequest(t, secretValue, "/api/v1/internal/reset", body, now.Add(-10*time.Minute), "nonce-old")

	rr := httptest.NewRecorder()
	validator.RequireHMAC(secretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run on stale timestamp")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on stale timestamp, got %d", rr.Code)
	}
}

func TestRequireHMAC_SecretUnavailable(t *testing.T) {
	provider := SecretProviderFunc(func(context.Context, string) (string, error) {
		return "", fmt.Errorf("secret unavailable")
	})
	validator := NewHMACValidator(provider, NewInMemoryNonceStore(), WithHMACLogger(silentLogger{}))

	rr := httptest.NewRecorder()
	validator.RequireHMAC("missing/secret")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run when secret is unavailable")
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/internal/reset", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when secret unavailable, got %d", rr.Code)
	}
}

func TestInMemoryNonceStoreExpiresEntries(t *testing.T) {
	store := NewInMemoryNonceStore()

	stored, err := store.UseNonce(context.Background(), "internal", "n1", time.Now().Add(time.Minute))
	if err != nil || !stored {
		t.Fatalf("expected first use to store, got stored=%v err=%v", stored, err)
	}
	stored, err = store.UseNonce(context.Background(), "internal", "n1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if stored {
		t.Fatalf("expected replay within the retention window to be rejected")
	}

	// A different scope keeps its own registry.
	stored, err = store.UseNonce(context.Background(), "other", "n1", time.Now().Add(time.Minute))
	if err != nil || !stored {
		t.Fatalf("expected scoped nonce to store, got stored=%v err=%v", stored, err)
	}

	if _, err := store.UseNonce(context.Background(), "internal", "n2", time.Now().Add(-time.Second)); err == nil {
		t.Fatalf("expected error for expiry in the past")
	}
}
