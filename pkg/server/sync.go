package server

import (
	"net/http"
	"time"

	"github.com/solsight/solsight/pkg/types"
)

// handleTriggerSync starts a manual sync run for the plant and waits for its
// result. A run already in flight for the plant is joined, not duplicated.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	plant, err := s.ownedPlant(ctx, user, r.PathValue("id"))
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	if plant.Vendor == types.VendorManual {
		writeJSONError(w, "manual plants have nothing to sync", http.StatusBadRequest)
		return
	}

	run, err := s.syncer.SyncPlant(ctx, plant, types.SyncTriggerManual)
	if err != nil {
		// a finished-but-failed run still carries the attempt record; surface
		// the classified error so the UI can pick remediation text
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, run)
}

func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	plant, err := s.ownedPlant(ctx, user, r.PathValue("id"))
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -7)
	if d := r.URL.Query().Get("start"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			writeJSONError(w, "invalid start", http.StatusBadRequest)
			return
		}
		start = parsed
	}

	runs, err := s.storage.GetSyncRuns(ctx, plant.ID, start, end)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	writeJSON(w, struct {
		Runs     []types.SyncRun `json:"runs"`
		Cooldown float64         `json:"cooldownSeconds,omitempty"`
	}{
		Runs:     runs,
		Cooldown: s.syncer.CooldownRemaining(plant.ProfileID).Seconds(),
	})
}
