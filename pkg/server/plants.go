package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/types"
)

func (s *Server) handleListPlants(w http.ResponseWriter, r *http.Request) {
	user := s.getUser(r)
	plants, err := s.storage.ListPlants(r.Context(), user.ID)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, plants)
}

func (s *Server) handleUpsertPlant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	var plant types.Plant
	if err := json.NewDecoder(r.Body).Decode(&plant); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	plant.UserID = user.ID

	if plant.Vendor != types.VendorManual {
		// the profile must exist and belong to the user
		if _, err := s.profiles.Get(ctx, user.ID, plant.ProfileID); err != nil {
			s.writeTypedError(w, r, err)
			return
		}
	}

	if plant.ID == "" {
		plant.ID = uuid.NewString()
	}
	if err := s.storage.UpsertPlant(ctx, plant); err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, plant)
}

// handleRecordReading stores a manual telemetry reading for the plant. These
// readings feed both manual-vendor plants and the substitution path when a
// cloud vendor omits current power.
func (s *Server) handleRecordReading(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)
	plantID := r.PathValue("id")

	plant, err := s.storage.GetPlant(ctx, plantID)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	if plant.UserID != user.ID {
		writeJSONError(w, "access denied", http.StatusForbidden)
		return
	}

	var req struct {
		Timestamp time.Time `json:"timestamp"`
		PowerW    float64   `json:"powerW"`
		EnergyWH  float64   `json:"energyWH"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	reading := types.CanonicalReading{
		PlantID:   plantID,
		Timestamp: req.Timestamp.UTC(),
		PowerW:    req.PowerW,
		EnergyWH:  req.EnergyWH,
		Vendor:    types.VendorManual,
		Source:    types.SourceManual,
	}
	if err := s.storage.UpsertReadings(ctx, plantID, []types.CanonicalReading{reading}); err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, reading)
}

// handlePlantsPage is the OAuth2 redirect target. The vendor sends the
// browser back to {origin}/plants?oauth=callback with either code and state
// or error. The state is consumed exactly once; afterwards we redirect to
// the clean /plants URL so a reload cannot re-process the grant.
func (s *Server) handlePlantsPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if q.Get("oauth") != "callback" {
		// not a callback, hand off to the dashboard frontend
		if s.devProxy != "" {
			http.Redirect(w, r, s.devProxy+"/plants", http.StatusSeeOther)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if vendorErr := q.Get("error"); vendorErr != "" {
		log.Ctx(ctx).WarnContext(ctx, "oauth2 authorization denied", slog.String("error", vendorErr))
		http.Redirect(w, r, "/plants?authError="+vendorErr, http.StatusSeeOther)
		return
	}

	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		writeJSONError(w, "missing code or state", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.CompleteAuthorization(ctx, state, code)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "oauth2 exchange failed", slog.Any("error", err))
		http.Redirect(w, r, "/plants?authError=exchange_failed", http.StatusSeeOther)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "oauth2 authorization complete",
		slog.String("profileID", sess.ProfileID),
		slog.Int("authorizedPlants", len(sess.AuthorizedPlantIDs())),
	)
	http.Redirect(w, r, "/plants", http.StatusSeeOther)
}
