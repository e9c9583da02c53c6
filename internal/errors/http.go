// Package errors defines the JSON error envelope used by the status
// server.
package errors

import (
	"encoding/json"
	"net/http"
)

// HTTPErrorResponse is the wire shape of every error the status server
// returns.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// HTTPErrorDetail carries a stable machine code plus a human message.
type HTTPErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteHTTPError writes the envelope with the given status code.
func WriteHTTPError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPErrorDetail{Code: code, Message: message},
	})
}
