package httputil

import (
	"context"
	"encoding/json"
	"net/http"
)

type ContextKey string

const (
	RequestIDCtxKey ContextKey = "RequestID"
	LogEntryCtxKey  ContextKey = "LogEntry"
	PrincipalCtxKey ContextKey = "Principal"
)

// BindOrError decodes the JSON body of an HTTP request, r, into the given destination object, dst.
// If decoding fails, it responds with a 400 Bad Request error.
func BindOrError(r *http.Request, w http.ResponseWriter, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		ErrorCode(w, http.StatusBadRequest, "invalid_body", "request body must be a JSON object")
		return err
	}
	return nil
}

// JSON writes a JSON response with the given status code and data.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ErrorResponse is the body of every error response. Code is stable and
// machine readable; Message is for humans.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode sends a JSON error response.
func ErrorCode(w http.ResponseWriter, statusCode int, code, message string) {
	JSON(w, statusCode, ErrorResponse{Code: code, Message: message})
}

// Error sends a JSON error response whose code is derived from the status.
func Error(w http.ResponseWriter, statusCode int, message string) {
	ErrorCode(w, statusCode, codeForStatus(statusCode), message)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		if status >= 500 {
			return "internal"
		}
		return "error"
	}
}

// SetLogField records a field on the request's log entry, if the logger
// middleware installed one.
func SetLogField(ctx context.Context, key string, value any) {
	if metadata, ok := ctx.Value(LogEntryCtxKey).(map[string]any); ok {
		metadata[key] = value
	}
}
