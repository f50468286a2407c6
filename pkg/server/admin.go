package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/types"
)

// handleListAudit returns the security audit trail. Admin only.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)
	if !s.isAdmin(user) {
		log.Ctx(ctx).WarnContext(ctx, "unauthorized access to audit trail", slog.String("email", user.Email))
		writeJSONError(w, "admin access required", http.StatusForbidden)
		return
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	if d := r.URL.Query().Get("start"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			writeJSONError(w, "invalid start", http.StatusBadRequest)
			return
		}
		start = parsed
	}

	events, err := s.storage.GetAuditEvents(ctx, start, end)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, events)
}

type settingsWithVersion struct {
	types.Settings
	version int
}

// getSettingsWithMigration loads settings and applies any pending version
// migrations, best effort.
func (s *Server) getSettingsWithMigration(ctx context.Context) (settingsWithVersion, error) {
	settings, version, err := s.storage.GetSettings(ctx)
	if err != nil {
		return settingsWithVersion{}, err
	}
	sv := settingsWithVersion{
		Settings: settings,
		version:  version,
	}

	if version < types.CurrentSettingsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
		newSettings, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			// Log error but return settings as is (best effort)
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("currentVersion", version), slog.Any("error", err))
		} else if changed {
			sv.Settings = newSettings
			sv.version = types.CurrentSettingsVersion
			if err := s.storage.SetSettings(ctx, newSettings, types.CurrentSettingsVersion); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
				// Return migrated settings even if save failed, so current request works with new defaults
			} else {
				log.Ctx(ctx).InfoContext(ctx, "saved migrated settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
			}
		}
	}

	return sv, nil
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	sv, err := s.getSettingsWithMigration(r.Context())
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	writeJSON(w, sv.Settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)
	if !s.isAdmin(user) {
		writeJSONError(w, "admin access required", http.StatusForbidden)
		return
	}

	var req types.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SyncIntervalMinutes <= 0 {
		writeJSONError(w, "syncIntervalMinutes must be positive", http.StatusBadRequest)
		return
	}
	if req.ManualStalenessWindow < 0 {
		writeJSONError(w, "manualStalenessWindow must not be negative", http.StatusBadRequest)
		return
	}

	sv, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	if err := s.storage.SetSettings(ctx, req, sv.version); err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	s.sink.Emit(ctx, types.AuditEvent{
		Action:  "settings.update",
		UserID:  user.ID,
		Success: true,
	})
	writeJSON(w, req)
}
