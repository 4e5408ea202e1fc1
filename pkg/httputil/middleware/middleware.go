// Package middleware holds the net/http middleware wrapped around the API.
package middleware

import (
	"net/http"
	"slices"

	"github.com/edgeflare/tableapi/pkg/httputil"
)

// Chain wraps h so that mws[0] runs first.
func Chain(h http.Handler, mws ...httputil.Middleware) http.Handler {
	for _, mw := range slices.Backward(mws) {
		h = mw(h)
	}
	return h
}
