package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthzReportsBuildInfo(t *testing.T) {
	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Minute)
	h := NewHealthHandlers(
		WithHealthBuildInfo(BuildInfo{
			Version:     "1.4.0",
			CommitSHA:   "abc1234",
			Environment: "staging",
			StartedAt:   started,
		}),
		WithHealthClock(func() time.Time { return now }),
	)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.Healthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := decodeEnvelope(t, rr)
	if payload["status"] != "ok" {
		t.Fatalf("status field = %v", payload["status"])
	}
	if payload["version"] != "1.4.0" || payload["commitSha"] != "abc1234" || payload["environment"] != "staging" {
		t.Fatalf("build info = %v", payload)
	}
	if payload["uptime"] != "1h30m0s" {
		t.Fatalf("uptime = %v", payload["uptime"])
	}
}

func TestReadyzPassesWhenAllProbesSucceed(t *testing.T) {
	h := NewHealthHandlers(
		WithReadinessProbe("firestore", func(ctx context.Context) error { return nil }),
		WithReadinessProbe("pubsub", func(ctx context.Context) error { return nil }),
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.Readyz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := decodeEnvelope(t, rr)
	if payload["status"] != "ok" {
		t.Fatalf("status field = %v", payload["status"])
	}
	checks := payload["checks"].(map[string]any)
	if checks["firestore"] != "ok" || checks["pubsub"] != "ok" {
		t.Fatalf("checks = %v", checks)
	}
}

func TestReadyzDegradesOnProbeFailure(t *testing.T) {
	h := NewHealthHandlers(
		WithReadinessProbe("firestore", func(ctx context.Context) error { return errors.New("deadline exceeded") }),
		WithReadinessProbe("pubsub", func(ctx context.Context) error { return nil }),
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.Readyz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	payload := decodeEnvelope(t, rr)
	if payload["status"] != "degraded" {
		t.Fatalf("status field = %v", payload["status"])
	}
	checks := payload["checks"].(map[string]any)
	if checks["firestore"] != "failed" || checks["pubsub"] != "ok" {
		t.Fatalf("checks = %v", checks)
	}
	details := payload["details"].([]any)
	if len(details) != 1 || details[0] != "firestore: deadline exceeded" {
		t.Fatalf("details = %v", details)
	}
}
