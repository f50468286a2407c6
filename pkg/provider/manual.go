package provider

import (
	"context"
	"time"

	"github.com/solsight/solsight/pkg/auth"
	"github.com/solsight/solsight/pkg/storage"
	"github.com/solsight/solsight/pkg/types"
)

// Manual implements the Connector interface for plants without any cloud
// backend. Readings are entered by hand and served straight from storage, so
// every operation is local and the probe always succeeds.
type Manual struct {
	db storage.Database
}

func newManual(db storage.Database) *Manual {
	return &Manual{db: db}
}

func manualInfo() types.ProviderInfo {
	return types.ProviderInfo{
		ID:        string(types.VendorManual),
		Name:      "Manual Entry",
		AuthModes: []types.AuthMode{types.AuthModeDirect},
	}
}

// Info returns the manual provider metadata.
func (m *Manual) Info() types.ProviderInfo {
	return manualInfo()
}

// Probe always succeeds; there is no backend to reach.
func (m *Manual) Probe(ctx context.Context, sess *auth.Session) error {
	return nil
}

// ManualOverview carries the most recent hand-entered reading, nil when the
// plant has none yet.
type ManualOverview struct {
	Latest *types.CanonicalReading
}

// GetOverview returns the latest stored reading for the plant.
func (m *Manual) GetOverview(ctx context.Context, sess *auth.Session, vendorPlantID string) (RawOverview, error) {
	latest, err := m.db.GetLatestReading(ctx, vendorPlantID)
	if err != nil {
		return RawOverview{}, err
	}
	return RawOverview{Manual: &ManualOverview{Latest: latest}}, nil
}

// GetPowerFlow is meaningless without live telemetry.
func (m *Manual) GetPowerFlow(ctx context.Context, sess *auth.Session, vendorPlantID string) (RawPowerFlow, error) {
	return RawPowerFlow{}, types.ErrUnsupported
}

// GetDevices returns an empty list; manual plants have no tracked equipment.
func (m *Manual) GetDevices(ctx context.Context, sess *auth.Session, vendorPlantID string) (RawDeviceList, error) {
	return RawDeviceList{}, nil
}

// ManualSeries carries the stored readings for the requested window.
type ManualSeries struct {
	Readings []types.CanonicalReading
}

// GetEnergySeries returns the stored readings between start and end.
func (m *Manual) GetEnergySeries(ctx context.Context, sess *auth.Session, vendorPlantID string, start, end time.Time, gran types.Granularity) (RawSeries, error) {
	readings, err := m.db.GetReadings(ctx, vendorPlantID, start, end)
	if err != nil {
		return RawSeries{}, err
	}
	return RawSeries{Manual: &ManualSeries{Readings: readings}}, nil
}

// DiscoverPlants lists the user's registered manual plants. They are always
// reachable since there is nothing to connect to.
func (m *Manual) DiscoverPlants(ctx context.Context, sess *auth.Session) ([]types.DiscoveredPlant, error) {
	plants, err := m.db.ListPlants(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	var out []types.DiscoveredPlant
	for _, p := range plants {
		if p.Vendor != types.VendorManual {
			continue
		}
		out = append(out, types.DiscoveredPlant{
			VendorPlantID: p.ID,
			Name:          p.Name,
			CapacityKW:    p.CapacityKW,
			Connectivity:  types.ConnectivityOnline,
		})
	}
	return out, nil
}
