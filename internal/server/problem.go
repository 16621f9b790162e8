package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/HerbHall/procwatch/pkg/models"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound     = "https://procwatch.dev/problems/not-found"
	ProblemTypeBadRequest   = "https://procwatch.dev/problems/bad-request"
	ProblemTypeInternal     = "https://procwatch.dev/problems/internal-error"
	ProblemTypeUnauthorized = "https://procwatch.dev/problems/unauthorized"
	ProblemTypeForbidden    = "https://procwatch.dev/problems/forbidden"
	ProblemTypeRateLimited  = "https://procwatch.dev/problems/rate-limited"
	ProblemTypeConflict     = "https://procwatch.dev/problems/conflict"
	ProblemTypeGone         = "https://procwatch.dev/problems/gone"
	ProblemTypeUnavailable  = "https://procwatch.dev/problems/unavailable"
	ProblemTypeTimeout      = "https://procwatch.dev/problems/timeout"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: instance,
	})
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeBadRequest,
		Title:    "Bad Request",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	})
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeRateLimited,
		Title:    "Too Many Requests",
		Status:   http.StatusTooManyRequests,
		Detail:   detail,
		Instance: instance,
	})
}

// ObserverProblem writes the problem response matching an observer error.
func ObserverProblem(w http.ResponseWriter, err error, instance string) {
	p := Problem{Detail: err.Error(), Instance: instance}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		p.Type, p.Title, p.Status = ProblemTypeTimeout, "Gateway Timeout", http.StatusGatewayTimeout
	default:
		switch models.KindOf(err) {
		case models.ErrorInvalidMask, models.ErrorInvalidTarget:
			p.Type, p.Title, p.Status = ProblemTypeBadRequest, "Bad Request", http.StatusBadRequest
		case models.ErrorTargetNotFound:
			p.Type, p.Title, p.Status = ProblemTypeNotFound, "Not Found", http.StatusNotFound
		case models.ErrorPermissionDenied:
			p.Type, p.Title, p.Status = ProblemTypeForbidden, "Forbidden", http.StatusForbidden
		case models.ErrorClosed:
			p.Type, p.Title, p.Status = ProblemTypeGone, "Gone", http.StatusGone
		case models.ErrorCollectorUnavailable:
			p.Type, p.Title, p.Status = ProblemTypeUnavailable, "Service Unavailable", http.StatusServiceUnavailable
		default:
			p.Type, p.Title, p.Status = ProblemTypeInternal, "Internal Server Error", http.StatusInternalServerError
		}
	}
	WriteProblem(w, p)
}
