package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/HerbHall/procwatch/pkg/models"
)

func TestWriteProblem(t *testing.T) {
	w := httptest.NewRecorder()

	WriteProblem(w, Problem{
		Type:     ProblemTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   "observer xyz not found",
		Instance: "/api/v1/observers/xyz",
	})

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content-type = %q, want %q", ct, "application/problem+json")
	}

	var p Problem
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if p.Type != ProblemTypeNotFound {
		t.Errorf("type = %q, want %q", p.Type, ProblemTypeNotFound)
	}
	if p.Title != "Not Found" {
		t.Errorf("title = %q, want %q", p.Title, "Not Found")
	}
	if p.Status != 404 {
		t.Errorf("status = %d, want 404", p.Status)
	}
	if p.Detail != "observer xyz not found" {
		t.Errorf("detail = %q, want %q", p.Detail, "observer xyz not found")
	}
	if p.Instance != "/api/v1/observers/xyz" {
		t.Errorf("instance = %q, want %q", p.Instance, "/api/v1/observers/xyz")
	}
}

func TestNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	NotFound(w, "missing", "/test")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}

	var p Problem
	json.NewDecoder(w.Body).Decode(&p)
	if p.Type != ProblemTypeNotFound {
		t.Errorf("type = %q, want %q", p.Type, ProblemTypeNotFound)
	}
}

func TestBadRequest(t *testing.T) {
	w := httptest.NewRecorder()
	BadRequest(w, "invalid input", "/test")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	var p Problem
	json.NewDecoder(w.Body).Decode(&p)
	if p.Type != ProblemTypeBadRequest {
		t.Errorf("type = %q, want %q", p.Type, ProblemTypeBadRequest)
	}
}

func TestInternalError(t *testing.T) {
	w := httptest.NewRecorder()
	InternalError(w, "something broke", "/test")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	var p Problem
	json.NewDecoder(w.Body).Decode(&p)
	if p.Type != ProblemTypeInternal {
		t.Errorf("type = %q, want %q", p.Type, ProblemTypeInternal)
	}
}

func TestRateLimited(t *testing.T) {
	w := httptest.NewRecorder()
	RateLimited(w, "slow down", "/test")

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	var p Problem
	json.NewDecoder(w.Body).Decode(&p)
	if p.Type != ProblemTypeRateLimited {
		t.Errorf("type = %q, want %q", p.Type, ProblemTypeRateLimited)
	}
}

func TestWriteProblem_OmitsEmptyOptionalFields(t *testing.T) {
	w := httptest.NewRecorder()

	WriteProblem(w, Problem{
		Type:   ProblemTypeInternal,
		Title:  "Internal Server Error",
		Status: 500,
	})

	var raw map[string]interface{}
	json.NewDecoder(w.Body).Decode(&raw)

	if _, ok := raw["detail"]; ok {
		t.Error("expected detail to be omitted when empty")
	}
	if _, ok := raw["instance"]; ok {
		t.Error("expected instance to be omitted when empty")
	}
}

func TestObserverProblem(t *testing.T) {
	target := models.PIDTarget(9)
	tests := []struct {
		name     string
		err      error
		status   int
		typeName string
	}{
		{"invalid mask", models.Errorf(models.ErrorInvalidMask, "mask", "bad"), http.StatusBadRequest, ProblemTypeBadRequest},
		{"invalid target", models.NewError(models.ErrorInvalidTarget, "validate", target, nil), http.StatusBadRequest, ProblemTypeBadRequest},
		{"not found", models.NewError(models.ErrorTargetNotFound, "resolve", target, nil), http.StatusNotFound, ProblemTypeNotFound},
		{"permission", models.NewError(models.ErrorPermissionDenied, "sample", target, nil), http.StatusForbidden, ProblemTypeForbidden},
		{"closed", models.NewError(models.ErrorClosed, "poll", target, nil), http.StatusGone, ProblemTypeGone},
		{"collector", models.NewError(models.ErrorCollectorUnavailable, "sample", target, nil), http.StatusServiceUnavailable, ProblemTypeUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, ProblemTypeTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError, ProblemTypeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			ObserverProblem(w, tt.err, "/x")
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			var p Problem
			json.NewDecoder(w.Body).Decode(&p)
			if p.Type != tt.typeName {
				t.Errorf("type = %q, want %q", p.Type, tt.typeName)
			}
			if p.Detail == "" {
				t.Error("detail should carry the error")
			}
		})
	}
}
