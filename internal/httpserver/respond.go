package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/apathy-ca/sark/internal/ratelimit"
	"github.com/apathy-ca/sark/internal/sarkerr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, code string, message string) {
	Respond(w, status, ErrorResponse{Error: code, Message: message})
}

// SetRateLimitHeaders writes the X-RateLimit-* headers spec.md §6 requires
// on every response the limiter evaluated, and Retry-After once denied.
func SetRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter/time.Second)))
	}
}

// RespondRateLimited writes the 429 envelope for a denied rate-limit check.
func RespondRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	SetRateLimitHeaders(w, res)
	RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}

// statusForCode maps a sarkerr.Code to the HTTP status the façade answers
// with, per spec.md §6.
var statusForCode = map[sarkerr.Code]int{
	sarkerr.InvalidCredential:   http.StatusUnauthorized,
	sarkerr.InsufficientScope:   http.StatusForbidden,
	sarkerr.Forbidden:           http.StatusForbidden,
	sarkerr.TokenInvalid:        http.StatusUnauthorized,
	sarkerr.TokenExpired:        http.StatusUnauthorized,
	sarkerr.SessionCompromised:  http.StatusUnauthorized,
	sarkerr.RateLimited:         http.StatusTooManyRequests,
	sarkerr.UpstreamUnavailable: http.StatusServiceUnavailable,
	sarkerr.ConfigurationError:  http.StatusInternalServerError,
	sarkerr.InvalidInput:        http.StatusBadRequest,
	sarkerr.CircuitOpen:         http.StatusServiceUnavailable,
	sarkerr.TooManyAttempts:     http.StatusTooManyRequests,
}

// RespondSarkError writes the status/code/message triple for any error
// that is (or wraps) a *sarkerr.Error, falling back to 500 for anything
// else so an unclassified internal error never leaks its cause. Only the
// Error's user-safe Message is serialized; a wrapped internal Err is never
// sent to the caller.
func RespondSarkError(w http.ResponseWriter, err error) {
	var serr *sarkerr.Error
	if !errors.As(err, &serr) {
		RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
		return
	}
	status, ok := statusForCode[serr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	RespondError(w, status, string(serr.Code), serr.Message)
}
