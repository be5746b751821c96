package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRouterMountsConfiguredGroups(t *testing.T) {
	router := NewRouter(
		WithTransformRoutes(func(r chi.Router) {
			r.Post("/enhance", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{"group": "transform"})
			})
		}),
		WithAccountRoutes(func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{"group": "account"})
			})
		}),
	)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	resp, err := http.Post(server.URL+"/api/v1/transform/enhance", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post enhance: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enhance status = %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/api/v1/me")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile status = %d", resp.StatusCode)
	}
}

func TestRouterServesHealthEndpointsOutsideAPIPrefix(t *testing.T) {
	router := NewRouter()
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestRouterReturnsEnvelopeForUnknownRoutes(t *testing.T) {
	router := NewRouter()
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/api/v2/nothing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["error"] != "route_not_found" {
		t.Fatalf("error code = %v", payload["error"])
	}
}

func TestRouterRejectsWrongMethod(t *testing.T) {
	router := NewRouter(
		WithTransformRoutes(func(r chi.Router) {
			r.Post("/enhance", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{"group": "transform"})
			})
		}),
	)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/api/v1/transform/enhance")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRouterReportsUnconfiguredGroupsAsNotImplemented(t *testing.T) {
	router := NewRouter()
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	resp, err := http.Post(server.URL+"/api/v1/billing/webhook", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["error"] != "not_implemented" {
		t.Fatalf("error code = %v", payload["error"])
	}
}

func TestRouterAppliesInternalMiddlewareOnlyToInternalGroup(t *testing.T) {
	guard := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("X-Internal-Token") == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	}

	router := NewRouter(
		WithTransformRoutes(func(r chi.Router) {
			r.Post("/enhance", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}),
		WithInternalRoutes(func(r chi.Router) {
			r.Post("/entitlements/reset", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}),
		WithInternalMiddlewares(guard),
	)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	resp, err := http.Post(server.URL+"/api/v1/internal/entitlements/reset", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post internal: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("internal without token status = %d, want 401", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/v1/internal/entitlements/reset", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Internal-Token", "ops")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post internal with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("internal with token status = %d", resp.StatusCode)
	}

	resp, err = http.Post(server.URL+"/api/v1/transform/enhance", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post transform: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transform affected by internal guard: %d", resp.StatusCode)
	}
}
