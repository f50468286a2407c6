package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/solsight/solsight/pkg/aggregate"
	"github.com/solsight/solsight/pkg/audit"
	"github.com/solsight/solsight/pkg/auth"
	"github.com/solsight/solsight/pkg/normalize"
	"github.com/solsight/solsight/pkg/profile"
	"github.com/solsight/solsight/pkg/provider"
	"github.com/solsight/solsight/pkg/storage/storagemock"
	"github.com/solsight/solsight/pkg/syncer"
	"github.com/solsight/solsight/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

// stubConnector lets tests script the vendor responses.
type stubConnector struct {
	overview  func() (provider.RawOverview, error)
	powerFlow func() (provider.RawPowerFlow, error)
	series    func() (provider.RawSeries, error)
}

func (c *stubConnector) Info() types.ProviderInfo { return types.ProviderInfo{ID: "solaredge"} }

func (c *stubConnector) Probe(ctx context.Context, sess *auth.Session) error { return nil }

func (c *stubConnector) GetOverview(ctx context.Context, sess *auth.Session, vendorPlantID string) (provider.RawOverview, error) {
	if c.overview == nil {
		return provider.RawOverview{}, types.ErrUnsupported
	}
	return c.overview()
}

func (c *stubConnector) GetPowerFlow(ctx context.Context, sess *auth.Session, vendorPlantID string) (provider.RawPowerFlow, error) {
	if c.powerFlow == nil {
		return provider.RawPowerFlow{}, types.ErrUnsupported
	}
	return c.powerFlow()
}

func (c *stubConnector) GetDevices(ctx context.Context, sess *auth.Session, vendorPlantID string) (provider.RawDeviceList, error) {
	return provider.RawDeviceList{}, types.ErrUnsupported
}

func (c *stubConnector) GetEnergySeries(ctx context.Context, sess *auth.Session, vendorPlantID string, start, end time.Time, gran types.Granularity) (provider.RawSeries, error) {
	if c.series == nil {
		return provider.RawSeries{}, types.ErrUnsupported
	}
	return c.series()
}

func (c *stubConnector) DiscoverPlants(ctx context.Context, sess *auth.Session) ([]types.DiscoveredPlant, error) {
	return []types.DiscoveredPlant{{VendorPlantID: "12345", Name: "Roof"}}, nil
}

// newTestServer wires a Server with auth bypassed, a stub SolarEdge
// connector, and a pre-seeded session for prof1.
func newTestServer(t *testing.T, db *storagemock.MockDatabase, conn *stubConnector) *Server {
	t.Helper()

	sessions := auth.NewManager(audit.NopSink{})
	prof := types.CredentialProfile{
		ID:       "prof1",
		UserID:   "dev",
		Vendor:   types.VendorSolarEdge,
		AuthMode: types.AuthModeDirect,
	}
	secrets := types.Secrets{SolarEdge: &types.SolarEdgeSecrets{APIKey: "KEY", SiteID: "12345"}}
	_, err := sessions.TestConnection(context.Background(), prof, secrets,
		func(ctx context.Context, sess *auth.Session) error { return nil })
	require.NoError(t, err)

	providers := provider.NewMap(db)
	providers.SetConnector(types.VendorSolarEdge, conn)

	profiles := profile.New(db, sessions, audit.NopSink{}, testEncryptionKey)

	return &Server{
		profiles:   profiles,
		providers:  providers,
		sessions:   sessions,
		syncer:     syncer.New(db, providers, sessions, profiles),
		storage:    db,
		sink:       audit.NopSink{},
		agg:        aggregate.New(),
		norm:       normalize.New(),
		listenAddr: ":8080",
		serverName: "solsight",
		bypassAuth: true,
	}
}

func testPlant() types.Plant {
	return types.Plant{
		ID:            "plant1",
		UserID:        "dev",
		Name:          "Roof",
		Vendor:        types.VendorSolarEdge,
		VendorPlantID: "12345",
		ProfileID:     "prof1",
		CapacityKW:    10,
		AutoSync:      true,
	}
}

func userCtx(r *http.Request, user types.User) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userContextKey, user))
}

func TestHandleListProviders(t *testing.T) {
	db := new(storagemock.MockDatabase)
	srv := newTestServer(t, db, &stubConnector{})

	req := httptest.NewRequest("GET", "/api/list/providers", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var infos []types.ProviderInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&infos))
	require.Len(t, infos, 3)
	assert.Equal(t, "solaredge", infos[0].ID)
	assert.Equal(t, "sungrow", infos[1].ID)
	assert.Equal(t, "manual", infos[2].ID)
}

func TestSecurityAndRevisionHeaders(t *testing.T) {
	db := new(storagemock.MockDatabase)
	srv := newTestServer(t, db, &stubConnector{})

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "solsight", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestCreateProfile(t *testing.T) {
	db := new(storagemock.MockDatabase)
	srv := newTestServer(t, db, &stubConnector{})

	t.Run("Manual", func(t *testing.T) {
		db.On("CreateProfile", mock.Anything, mock.Anything).Return(nil).Once()

		body := bytes.NewBufferString(`{"name":"My Meter","vendor":"manual","authMode":"direct"}`)
		req := httptest.NewRequest("POST", "/api/profiles", body)
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, req)

		require.Equal(t, http.StatusCreated, w.Code)
		var created types.CredentialProfile
		require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, "dev", created.UserID)
		assert.Empty(t, created.EncryptedSecrets)
	})

	t.Run("MissingFields", func(t *testing.T) {
		body := bytes.NewBufferString(`{"name":"SE","vendor":"solaredge","authMode":"direct"}`)
		req := httptest.NewRequest("POST", "/api/profiles", body)
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("UnknownVendor", func(t *testing.T) {
		body := bytes.NewBufferString(`{"name":"X","vendor":"bogus","authMode":"direct"}`)
		req := httptest.NewRequest("POST", "/api/profiles", body)
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleMetrics(t *testing.T) {
	db := new(storagemock.MockDatabase)
	db.On("GetPlant", mock.Anything, "plant1").Return(testPlant(), nil)
	db.On("GetSettings", mock.Anything).Return(types.Settings{
		AutoSync:              true,
		SyncIntervalMinutes:   15,
		ManualStalenessWindow: 2 * time.Hour,
	}, types.CurrentSettingsVersion, nil)
	db.On("GetLatestReading", mock.Anything, "plant1").Return(nil, nil)
	db.On("GetReadings", mock.Anything, "plant1", mock.Anything, mock.Anything).Return(nil, nil)

	power := 5000.0
	conn := &stubConnector{overview: func() (provider.RawOverview, error) {
		ov := &provider.SolarEdgeOverview{}
		ov.CurrentPower.Power = &power
		ov.LifeTimeData.Energy = 12500000
		ov.LastDayData.Energy = 18000
		return provider.RawOverview{SolarEdge: ov}, nil
	}}
	srv := newTestServer(t, db, conn)

	req := httptest.NewRequest("GET", "/api/metrics?plantID=plant1&period=today", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res metricsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, 5000.0, res.Summary.CurrentPowerW)
	assert.Equal(t, 12.5, res.Summary.EnergyLifetimeMWH)
	assert.Equal(t, 18.0, res.Summary.EnergyTodayKWH)
	assert.Len(t, res.Buckets, 24)
	assert.Len(t, res.Intraday, 24)
}

func TestHandleMetricsFreshInstallDefaults(t *testing.T) {
	db := new(storagemock.MockDatabase)
	db.On("GetPlant", mock.Anything, "plant1").Return(testPlant(), nil)
	// no settings document yet; the defaults migrate in and persist
	db.On("GetSettings", mock.Anything).Return(types.Settings{}, 0, nil)
	db.On("SetSettings", mock.Anything, mock.Anything, types.CurrentSettingsVersion).Return(nil)
	latest := &types.CanonicalReading{
		PlantID:   "plant1",
		Timestamp: time.Now().Add(-10 * time.Minute),
		PowerW:    4321,
		Vendor:    types.VendorManual,
		Source:    types.SourceManual,
	}
	db.On("GetLatestReading", mock.Anything, "plant1").Return(latest, nil)
	db.On("GetReadings", mock.Anything, "plant1", mock.Anything, mock.Anything).Return(nil, nil)

	// overview with energy counters but no current power
	conn := &stubConnector{overview: func() (provider.RawOverview, error) {
		return provider.RawOverview{SolarEdge: &provider.SolarEdgeOverview{}}, nil
	}}
	srv := newTestServer(t, db, conn)

	req := httptest.NewRequest("GET", "/api/metrics?plantID=plant1&period=today", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res metricsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	// the default 2h staleness window substitutes the fresh manual reading
	assert.Equal(t, 4321.0, res.Summary.CurrentPowerW)
	db.AssertExpectations(t)
}

func TestHandleMetricsForeignPlant(t *testing.T) {
	db := new(storagemock.MockDatabase)
	other := testPlant()
	other.UserID = "someone-else"
	db.On("GetPlant", mock.Anything, "plant1").Return(other, nil)

	srv := newTestServer(t, db, &stubConnector{})

	req := httptest.NewRequest("GET", "/api/metrics?plantID=plant1", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlePowerFlow(t *testing.T) {
	db := new(storagemock.MockDatabase)
	db.On("GetPlant", mock.Anything, "plant1").Return(testPlant(), nil)

	conn := &stubConnector{powerFlow: func() (provider.RawPowerFlow, error) {
		return provider.RawPowerFlow{SolarEdge: &provider.SolarEdgePowerFlow{
			Unit: "kW",
			Grid: &provider.PowerFlowNode{Status: "Active", CurrentPower: 1.2},
			PV:   &provider.PowerFlowNode{Status: "Active", CurrentPower: 4.5},
		}}, nil
	}}
	srv := newTestServer(t, db, conn)

	req := httptest.NewRequest("GET", "/api/powerflow?plantID=plant1", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res powerFlowResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, 1200.0, res.GridW)
	assert.Equal(t, 4500.0, res.PVW)
	assert.Zero(t, res.LoadW)
}

func TestHandlePowerFlowUnsupported(t *testing.T) {
	db := new(storagemock.MockDatabase)
	db.On("GetPlant", mock.Anything, "plant1").Return(testPlant(), nil)

	srv := newTestServer(t, db, &stubConnector{})

	req := httptest.NewRequest("GET", "/api/powerflow?plantID=plant1", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestHandleSeriesVendorFallback(t *testing.T) {
	db := new(storagemock.MockDatabase)
	db.On("GetPlant", mock.Anything, "plant1").Return(testPlant(), nil)
	db.On("GetReadings", mock.Anything, "plant1", mock.Anything, mock.Anything).Return(nil, nil)

	value := 5000.0
	conn := &stubConnector{series: func() (provider.RawSeries, error) {
		return provider.RawSeries{SolarEdge: &provider.SolarEdgeEnergySeries{
			TimeUnit: "DAY",
			Unit:     "Wh",
			Values: []provider.SolarEdgeEnergyPoint{
				{Date: "2026-08-10 00:00:00", Value: &value},
				{Date: "2026-08-11 00:00:00", Value: nil},
			},
		}}, nil
	}}
	srv := newTestServer(t, db, conn)

	req := httptest.NewRequest("GET", "/api/series?plantID=plant1&granularity=MONTH&date=2026-08-15", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var points []types.EnergyPoint
	require.NoError(t, json.NewDecoder(w.Body).Decode(&points))
	require.Len(t, points, 31)
	byDate := make(map[string]*float64, len(points))
	for _, p := range points {
		byDate[p.Date] = p.Energy
	}
	require.NotNil(t, byDate["2026-08-10"])
	assert.Equal(t, 5.0, *byDate["2026-08-10"])
	assert.Nil(t, byDate["2026-08-11"])
}

func TestHandleSeriesManualPlantEmpty(t *testing.T) {
	db := new(storagemock.MockDatabase)
	plant := testPlant()
	plant.Vendor = types.VendorManual
	plant.ProfileID = ""
	db.On("GetPlant", mock.Anything, "plant1").Return(plant, nil)
	db.On("GetReadings", mock.Anything, "plant1", mock.Anything, mock.Anything).Return(nil, nil)

	srv := newTestServer(t, db, &stubConnector{})

	req := httptest.NewRequest("GET", "/api/series?plantID=plant1&granularity=DAY", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var points []types.IntradayPoint
	require.NoError(t, json.NewDecoder(w.Body).Decode(&points))
	require.Len(t, points, 24)
	for _, p := range points {
		assert.Nil(t, p.Generation)
	}
}

func TestHandleTriggerSync(t *testing.T) {
	db := new(storagemock.MockDatabase)
	db.On("GetPlant", mock.Anything, "plant1").Return(testPlant(), nil)
	db.On("GetSettings", mock.Anything).Return(types.Settings{
		AutoSync:              true,
		SyncIntervalMinutes:   15,
		ManualStalenessWindow: 2 * time.Hour,
	}, types.CurrentSettingsVersion, nil)
	db.On("GetLatestReading", mock.Anything, "plant1").Return(nil, nil)
	db.On("UpsertReadings", mock.Anything, "plant1", mock.Anything).Return(nil)
	db.On("InsertSyncRun", mock.Anything, mock.Anything).Return(nil)

	power := 4000.0
	conn := &stubConnector{overview: func() (provider.RawOverview, error) {
		ov := &provider.SolarEdgeOverview{}
		ov.CurrentPower.Power = &power
		return provider.RawOverview{SolarEdge: ov}, nil
	}}
	srv := newTestServer(t, db, conn)

	req := httptest.NewRequest("POST", "/api/plants/plant1/sync", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var run types.SyncRun
	require.NoError(t, json.NewDecoder(w.Body).Decode(&run))
	assert.Equal(t, types.SyncOutcomeSuccess, run.Outcome)
	assert.Equal(t, types.SyncTriggerManual, run.Trigger)
	assert.Equal(t, 1, run.Readings)
}

func TestHandleTriggerSyncManualPlant(t *testing.T) {
	db := new(storagemock.MockDatabase)
	plant := testPlant()
	plant.Vendor = types.VendorManual
	db.On("GetPlant", mock.Anything, "plant1").Return(plant, nil)

	srv := newTestServer(t, db, &stubConnector{})

	req := httptest.NewRequest("POST", "/api/plants/plant1/sync", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRecordReading(t *testing.T) {
	db := new(storagemock.MockDatabase)
	plant := testPlant()
	plant.Vendor = types.VendorManual
	db.On("GetPlant", mock.Anything, "plant1").Return(plant, nil)
	var stored []types.CanonicalReading
	db.On("UpsertReadings", mock.Anything, "plant1", mock.Anything).
		Run(func(args mock.Arguments) {
			stored = args.Get(2).([]types.CanonicalReading)
		}).Return(nil)

	srv := newTestServer(t, db, &stubConnector{})

	body := bytes.NewBufferString(`{"powerW":4200,"energyWH":16000}`)
	req := httptest.NewRequest("POST", "/api/plants/plant1/readings", body)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, stored, 1)
	assert.Equal(t, types.SourceManual, stored[0].Source)
	assert.Equal(t, types.VendorManual, stored[0].Vendor)
	assert.Equal(t, 4200.0, stored[0].PowerW)
	assert.False(t, stored[0].Timestamp.IsZero())
}

func TestOAuthCallbackDenied(t *testing.T) {
	db := new(storagemock.MockDatabase)
	srv := newTestServer(t, db, &stubConnector{})

	req := httptest.NewRequest("GET", "/plants?oauth=callback&error=access_denied", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/plants?authError=access_denied", w.Header().Get("Location"))
}

func TestOAuthCallbackUnknownState(t *testing.T) {
	db := new(storagemock.MockDatabase)
	srv := newTestServer(t, db, &stubConnector{})

	req := httptest.NewRequest("GET", "/plants?oauth=callback&code=abc&state=never-issued", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	// an unknown or already-consumed state must not be processed again
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/plants?authError=exchange_failed", w.Header().Get("Location"))
}

func TestHandleListAuditRequiresAdmin(t *testing.T) {
	db := new(storagemock.MockDatabase)
	srv := newTestServer(t, db, &stubConnector{})
	srv.bypassAuth = false

	req := httptest.NewRequest("GET", "/api/list/audit", nil)
	req = userCtx(req, types.User{ID: "u1", Email: "user@example.com"})
	w := httptest.NewRecorder()
	srv.handleListAudit(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	db.AssertNotCalled(t, "GetAuditEvents", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleListAuditAsAdmin(t *testing.T) {
	db := new(storagemock.MockDatabase)
	events := []types.AuditEvent{{Action: "auth.login", UserID: "u1", Success: true}}
	db.On("GetAuditEvents", mock.Anything, mock.Anything, mock.Anything).Return(events, nil)

	srv := newTestServer(t, db, &stubConnector{})
	srv.bypassAuth = false
	srv.adminEmails = []string{"admin@example.com"}

	req := httptest.NewRequest("GET", "/api/list/audit", nil)
	req = userCtx(req, types.User{ID: "a1", Email: "admin@example.com"})
	w := httptest.NewRecorder()
	srv.handleListAudit(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got []types.AuditEvent
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "auth.login", got[0].Action)
}

func TestHandleUpdateSettings(t *testing.T) {
	db := new(storagemock.MockDatabase)
	db.On("GetSettings", mock.Anything).Return(types.Settings{
		AutoSync:              true,
		SyncIntervalMinutes:   15,
		ManualStalenessWindow: 2 * time.Hour,
	}, types.CurrentSettingsVersion, nil)
	db.On("SetSettings", mock.Anything, mock.Anything, types.CurrentSettingsVersion).Return(nil)

	srv := newTestServer(t, db, &stubConnector{})

	t.Run("Valid", func(t *testing.T) {
		body := bytes.NewBufferString(`{"autoSync":true,"syncIntervalMinutes":30,"manualStalenessWindow":3600000000000}`)
		req := httptest.NewRequest("POST", "/api/settings", body)
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var got types.Settings
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		assert.Equal(t, 30, got.SyncIntervalMinutes)
	})

	t.Run("InvalidInterval", func(t *testing.T) {
		body := bytes.NewBufferString(`{"autoSync":true,"syncIntervalMinutes":0}`)
		req := httptest.NewRequest("POST", "/api/settings", body)
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSettingsMigration(t *testing.T) {
	db := new(storagemock.MockDatabase)
	// stored at version 0, so all defaults should be filled in and saved
	db.On("GetSettings", mock.Anything).Return(types.Settings{}, 0, nil)
	db.On("SetSettings", mock.Anything, mock.Anything, types.CurrentSettingsVersion).Return(nil)

	srv := newTestServer(t, db, &stubConnector{})

	req := httptest.NewRequest("GET", "/api/settings", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got types.Settings
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, 15, got.SyncIntervalMinutes)
	assert.Equal(t, 2*time.Hour, got.ManualStalenessWindow)
	assert.True(t, got.AutoSync)
	db.AssertExpectations(t)
}

func TestHandleDiscoverPlants(t *testing.T) {
	db := new(storagemock.MockDatabase)
	srv := newTestServer(t, db, &stubConnector{})

	// the session for prof1 is already cached so no storage access is needed
	req := httptest.NewRequest("GET", "/api/profiles/prof1/discover", nil)
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Plants []types.DiscoveredPlant `json:"plants"`
		Stats  types.DiscoveryStats    `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	require.Len(t, res.Plants, 1)
	assert.Equal(t, 1, res.Stats.Total)
}
