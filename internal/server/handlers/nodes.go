package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/spectreeops/spectree/internal/errors"
)

// NodesSnapshot produces the current per-node run state.
type NodesSnapshot func() any

// Nodes returns the handler serving the run's node statuses.
func Nodes(snapshot NodesSnapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if snapshot == nil {
			apperrors.WriteHTTPError(w, http.StatusServiceUnavailable,
				"NO_RUN", "no run is active")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot())
	}
}
