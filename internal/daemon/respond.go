package daemon

import (
	"encoding/json"
	"net/http"
)

// Grounded on internal/api/handler/respond.go's respondJSON helper.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
