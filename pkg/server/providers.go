package server

import (
	"net/http"
)

// handleListProviders describes each monitoring vendor and the credential
// fields it requires so the dashboard can render the right forms.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.providers.List())
}
