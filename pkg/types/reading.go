package types

import "time"

// VendorTag identifies which monitoring backend produced a reading or owns a
// credential profile.
type VendorTag string

const (
	VendorSolarEdge VendorTag = "solaredge"
	VendorSungrow   VendorTag = "sungrow"
	VendorManual    VendorTag = "manual"
)

// ReadingSource records where a canonical reading's values actually came from.
// A cloud reading may have its power substituted from a recent manual reading
// when the vendor overview omitted it.
type ReadingSource string

const (
	SourceCloud       ReadingSource = "cloud"
	SourceManual      ReadingSource = "manual"
	SourceSubstituted ReadingSource = "substituted"
)

// DeviceReading holds the optional per-equipment telemetry attached to a
// canonical reading, keyed by the vendor's device identifier.
type DeviceReading struct {
	Name         string  `json:"name,omitempty"`
	TemperatureC float64 `json:"temperatureC"`
	VoltageV     float64 `json:"voltageV"`
	CurrentA     float64 `json:"currentA"`
}

// CanonicalReading is the vendor-independent representation of one timestamped
// power/energy observation for a plant. Power is always watts and energy is
// always watt-hours; display units are derived at the API boundary only.
type CanonicalReading struct {
	PlantID   string                   `json:"plantID"`
	Timestamp time.Time                `json:"timestamp"`
	PowerW    float64                  `json:"powerW"`
	EnergyWH  float64                  `json:"energyWH"`
	Vendor    VendorTag                `json:"vendor"`
	Source    ReadingSource            `json:"source"`
	Stale     bool                     `json:"stale,omitempty"`
	Devices   map[string]DeviceReading `json:"devices,omitempty"`
}

// Plant is a registered solar plant backed by a credential profile.
type Plant struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userID"`
	Name          string    `json:"name"`
	Vendor        VendorTag `json:"vendor"`
	VendorPlantID string    `json:"vendorPlantID"`
	ProfileID     string    `json:"profileID"`
	CapacityKW    float64   `json:"capacityKW"`
	AutoSync      bool      `json:"autoSync"`
	Timezone      string    `json:"timezone,omitempty"`
}

// Connectivity classifies a discovered plant's live reachability.
type Connectivity string

const (
	ConnectivityOnline  Connectivity = "online"
	ConnectivityOffline Connectivity = "offline"
	ConnectivityTesting Connectivity = "testing"
)

// DiscoveredPlant is one vendor-side plant enumerated during discovery,
// returned in vendor response order.
type DiscoveredPlant struct {
	VendorPlantID string       `json:"vendorPlantID"`
	Name          string       `json:"name"`
	CapacityKW    float64      `json:"capacityKW"`
	Connectivity  Connectivity `json:"connectivity"`
}

// DiscoveryStats is the derived view over a discovered set. It is recomputed
// from the set, never stored.
type DiscoveryStats struct {
	Total           int     `json:"total"`
	Online          int     `json:"online"`
	Offline         int     `json:"offline"`
	Testing         int     `json:"testing"`
	TotalCapacityKW float64 `json:"totalCapacityKW"`
	AvgCapacityKW   float64 `json:"avgCapacityKW"`
}

// ComputeDiscoveryStats derives the UI-facing statistics for a discovered set.
func ComputeDiscoveryStats(plants []DiscoveredPlant) DiscoveryStats {
	s := DiscoveryStats{Total: len(plants)}
	for _, p := range plants {
		switch p.Connectivity {
		case ConnectivityOnline:
			s.Online++
		case ConnectivityOffline:
			s.Offline++
		case ConnectivityTesting:
			s.Testing++
		}
		s.TotalCapacityKW += p.CapacityKW
	}
	if s.Total > 0 {
		s.AvgCapacityKW = s.TotalCapacityKW / float64(s.Total)
	}
	return s
}
