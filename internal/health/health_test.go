package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/storyloom/playtest/internal/health"
)

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	h := health.New("v1.2.3")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["version"] != "v1.2.3" {
		t.Errorf("version field = %v", body["version"])
	}
	if _, ok := body["uptime"]; !ok {
		t.Error("uptime field missing")
	}
}

func TestReadyz_AllChecksPass(t *testing.T) {
	t.Parallel()
	h := health.New("",
		health.Checker{Name: "checkpoints", Check: func(ctx context.Context) error { return nil }},
		health.Checker{Name: "providers", Check: func(ctx context.Context) error { return nil }},
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	checks := body["checks"].(map[string]any)
	if checks["checkpoints"] != "ok" || checks["providers"] != "ok" {
		t.Errorf("checks = %v", checks)
	}
}

func TestReadyz_FailingCheckReturns503(t *testing.T) {
	t.Parallel()
	h := health.New("",
		health.Checker{Name: "checkpoints", Check: func(ctx context.Context) error {
			return errors.New("connection refused")
		}},
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["status"] != "fail" {
		t.Errorf("status field = %v", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if got := checks["checkpoints"]; got != "fail: connection refused" {
		t.Errorf("checkpoints check = %v", got)
	}
}

func TestRegister_RoutesServe(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	health.New("").Register(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}
