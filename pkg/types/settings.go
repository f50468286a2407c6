package types

import (
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings represents the dashboard configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	// Pause all automatic synchronization
	Pause bool `json:"pause"`

	// AutoSync enables the periodic per-plant sync timer.
	AutoSync bool `json:"autoSync"`
	// How often the scheduler syncs each plant.
	SyncIntervalMinutes int `json:"syncIntervalMinutes"`

	// ManualStalenessWindow is how recent a manual reading must be for the
	// normalizer to substitute it for a missing cloud power value.
	ManualStalenessWindow time.Duration `json:"manualStalenessWindow"`
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were
// made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.SyncIntervalMinutes == 0 {
				s.SyncIntervalMinutes = 15
				migrated = true
			}
		case 2:
			// version 2: add manual staleness window
			if s.ManualStalenessWindow == 0 {
				s.ManualStalenessWindow = 2 * time.Hour
				migrated = true
			}
		case 3:
			// version 3: auto-sync defaults on for existing installs
			if !s.AutoSync {
				s.AutoSync = true
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
