package middleware

import (
	"context"
	"net/http"

	"github.com/edgeflare/tableapi/pkg/httputil"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// RequestID attaches a request ID to the context and the response headers.
// An ID already in the context or a valid UUID in the X-Request-Id request
// header is reused; otherwise a new one is generated.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, ok := r.Context().Value(httputil.RequestIDCtxKey).(string)
		if !ok || reqID == "" {
			if _, err := uuid.Parse(r.Header.Get(RequestIDHeader)); err == nil {
				reqID = r.Header.Get(RequestIDHeader)
			} else {
				reqID = uuid.New().String()
			}
		}

		ctx := context.WithValue(r.Context(), httputil.RequestIDCtxKey, reqID)
		w.Header().Set(RequestIDHeader, reqID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
