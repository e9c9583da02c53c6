// Package middleware provides the status server's HTTP middleware.
package middleware

import (
	"net/http"

	apperrors "github.com/spectreeops/spectree/internal/errors"
)

// Recovery converts handler panics into a JSON 500 instead of tearing
// down the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				apperrors.WriteHTTPError(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// NotFound is the JSON 404 handler.
func NotFound(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteHTTPError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
}

// MethodNotAllowed is the JSON 405 handler.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteHTTPError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}
