package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/types"
)

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	user := s.getUser(r)
	profiles, err := s.profiles.List(r.Context(), user.ID)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, profiles)
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	user := s.getUser(r)

	var req struct {
		Name     string          `json:"name"`
		Vendor   types.VendorTag `json:"vendor"`
		AuthMode types.AuthMode  `json:"authMode"`
		BaseURL  string          `json:"baseURL"`
		Secrets  types.Secrets   `json:"secrets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	created, err := s.profiles.Create(r.Context(), types.CredentialProfile{
		UserID:   user.ID,
		Name:     req.Name,
		Vendor:   req.Vendor,
		AuthMode: req.AuthMode,
		BaseURL:  req.BaseURL,
	}, req.Secrets)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(created); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	user := s.getUser(r)
	id := r.PathValue("id")

	var req struct {
		Name    string         `json:"name"`
		BaseURL string         `json:"baseURL"`
		Secrets *types.Secrets `json:"secrets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := s.profiles.Update(r.Context(), user.ID, id, req.Name, req.BaseURL, req.Secrets)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, updated)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	user := s.getUser(r)
	if err := s.profiles.Delete(r.Context(), user.ID, r.PathValue("id")); err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDefaultProfile(w http.ResponseWriter, r *http.Request) {
	user := s.getUser(r)
	if err := s.profiles.SetDefault(r.Context(), user.ID, r.PathValue("id")); err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleTestConnection validates the profile's credentials against the live
// vendor API and caches the resulting session on success.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	prof, secrets, err := s.profiles.Secrets(ctx, user.ID, r.PathValue("id"))
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	connector, err := s.providers.Vendor(prof.Vendor)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	if _, err := s.sessions.TestConnection(ctx, prof, secrets, connector.Probe); err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	writeJSON(w, struct {
		OK bool `json:"ok"`
	}{OK: true})
}

// handleUnlockProfile clears a suspicious-activity lockout. Admin only.
func (s *Server) handleUnlockProfile(w http.ResponseWriter, r *http.Request) {
	user := s.getUser(r)
	if !s.isAdmin(user) {
		writeJSONError(w, "admin access required", http.StatusForbidden)
		return
	}
	id := r.PathValue("id")
	s.sessions.Unlock(id)
	log.Ctx(r.Context()).InfoContext(r.Context(), "profile unlocked", slog.String("profileID", id))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDiscoverPlants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)
	id := r.PathValue("id")

	sess, ok := s.sessions.Session(id)
	if ok && sess.UserID != user.ID {
		writeJSONError(w, "access denied", http.StatusForbidden)
		return
	}
	if !ok {
		prof, secrets, err := s.profiles.Secrets(ctx, user.ID, id)
		if err != nil {
			s.writeTypedError(w, r, err)
			return
		}
		connector, err := s.providers.Vendor(prof.Vendor)
		if err != nil {
			s.writeTypedError(w, r, err)
			return
		}
		sess, err = s.sessions.TestConnection(ctx, prof, secrets, connector.Probe)
		if err != nil {
			s.writeTypedError(w, r, err)
			return
		}
	}

	connector, err := s.providers.Vendor(sess.Vendor)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	plants, err := connector.DiscoverPlants(ctx, sess)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	writeJSON(w, struct {
		Plants []types.DiscoveredPlant `json:"plants"`
		Stats  types.DiscoveryStats    `json:"stats"`
	}{
		Plants: plants,
		Stats:  types.ComputeDiscoveryStats(plants),
	})
}

// handleBeginAuthorization starts the OAuth2 authorization-code flow and
// returns the vendor consent URL for the browser to visit.
func (s *Server) handleBeginAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	prof, secrets, err := s.profiles.Secrets(ctx, user.ID, r.PathValue("id"))
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	authURL, err := s.sessions.BeginAuthorization(ctx, prof, secrets)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	writeJSON(w, struct {
		AuthURL string `json:"authURL"`
	}{AuthURL: authURL})
}
