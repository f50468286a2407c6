package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/solsight/solsight/pkg/auth"
	"github.com/solsight/solsight/pkg/storage"
	"github.com/solsight/solsight/pkg/types"
)

// Connector defines the interface for talking to one vendor's monitoring
// backend. Connectors return raw vendor payloads; the normalize package turns
// those into canonical readings.
type Connector interface {
	// Info returns the provider metadata used to render credential forms.
	Info() types.ProviderInfo

	// Probe performs a lightweight authenticated call to prove the session's
	// credentials work.
	Probe(ctx context.Context, sess *auth.Session) error

	// GetOverview fetches the plant's headline figures (current power,
	// energy counters).
	GetOverview(ctx context.Context, sess *auth.Session, vendorPlantID string) (RawOverview, error)

	// GetPowerFlow fetches the live power flow diagram data. Vendors without
	// a flow endpoint return types.ErrUnsupported.
	GetPowerFlow(ctx context.Context, sess *auth.Session, vendorPlantID string) (RawPowerFlow, error)

	// GetDevices fetches per-equipment telemetry for the plant.
	GetDevices(ctx context.Context, sess *auth.Session, vendorPlantID string) (RawDeviceList, error)

	// GetEnergySeries fetches historical production between start and end at
	// the given granularity.
	GetEnergySeries(ctx context.Context, sess *auth.Session, vendorPlantID string, start, end time.Time, gran types.Granularity) (RawSeries, error)

	// DiscoverPlants enumerates the plants the session's credentials can see,
	// in vendor response order.
	DiscoverPlants(ctx context.Context, sess *auth.Session) ([]types.DiscoveredPlant, error)
}

// UnitValue is a measurement paired with the unit the vendor reported it in.
type UnitValue struct {
	Value float64 `json:"value,string"`
	Unit  string  `json:"unit"`
}

// RawOverview is the vendor overview payload. Exactly one member is set,
// matching the connector that produced it.
type RawOverview struct {
	SolarEdge *SolarEdgeOverview
	Sungrow   *SungrowOverview
	Manual    *ManualOverview
}

// RawPowerFlow is the vendor power-flow payload.
type RawPowerFlow struct {
	SolarEdge *SolarEdgePowerFlow
}

// RawDeviceList is the vendor equipment payload.
type RawDeviceList struct {
	SolarEdge *SolarEdgeDeviceList
	Sungrow   *SungrowDeviceList
}

// RawSeries is the vendor historical-production payload.
type RawSeries struct {
	SolarEdge *SolarEdgeEnergySeries
	Sungrow   *SungrowSeries
	Manual    *ManualSeries
}

// Map manages the connector for each vendor.
type Map struct {
	mu         sync.Mutex
	connectors map[types.VendorTag]Connector
	db         storage.Database

	solarEdgeBaseURL string
	sungrowBaseURL   string
}

// Configured sets up the provider Map based on flags.
func Configured(db storage.Database) *Map {
	seBase := lflag.String("solaredge-base-url", "", "Override for the SolarEdge monitoring API base URL")
	sgBase := lflag.String("sungrow-base-url", "", "Override for the iSolarCloud API base URL")

	m := NewMap(db)
	lflag.Do(func() {
		m.solarEdgeBaseURL = *seBase
		m.sungrowBaseURL = *sgBase
	})
	return m
}

// NewMap creates an empty connector Map.
func NewMap(db storage.Database) *Map {
	return &Map{
		connectors: make(map[types.VendorTag]Connector),
		db:         db,
	}
}

// Vendor returns the connector for the given vendor tag, creating it on first
// use.
func (m *Map) Vendor(vendor types.VendorTag) (Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.connectors[vendor]; ok {
		return c, nil
	}

	var c Connector
	switch vendor {
	case types.VendorSolarEdge:
		c = newSolarEdge(m.solarEdgeBaseURL)
	case types.VendorSungrow:
		c = newSungrow(m.sungrowBaseURL)
	case types.VendorManual:
		c = newManual(m.db)
	default:
		return nil, fmt.Errorf("unknown vendor: %s", vendor)
	}
	m.connectors[vendor] = c
	return c, nil
}

// List returns the metadata for every supported provider.
func (m *Map) List() []types.ProviderInfo {
	return []types.ProviderInfo{
		solarEdgeInfo(),
		sungrowInfo(),
		manualInfo(),
	}
}

// SetConnector sets the connector for a vendor. This is primarily used for
// testing.
func (m *Map) SetConnector(vendor types.VendorTag, c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors[vendor] = c
}

// probeConnectivity classifies a discovered plant from one realtime probe.
// A reachable plant is online and a definitive vendor rejection offline;
// transient trouble stays testing until a later probe settles it.
func probeConnectivity(err error) types.Connectivity {
	switch {
	case err == nil:
		return types.ConnectivityOnline
	case types.IsTransient(err) || errors.Is(err, context.DeadlineExceeded):
		return types.ConnectivityTesting
	default:
		return types.ConnectivityOffline
	}
}
