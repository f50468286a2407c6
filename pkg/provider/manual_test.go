package provider

import (
	"context"
	"testing"
	"time"

	"github.com/solsight/solsight/pkg/storage/storagemock"
	"github.com/solsight/solsight/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestManual(t *testing.T) {
	sess := directSession(t, types.VendorManual, types.Secrets{}, "")

	t.Run("GetOverview", func(t *testing.T) {
		db := new(storagemock.MockDatabase)
		latest := &types.CanonicalReading{
			PlantID:  "plant1",
			PowerW:   4200,
			EnergyWH: 16000,
			Vendor:   types.VendorManual,
			Source:   types.SourceManual,
		}
		db.On("GetLatestReading", mock.Anything, "plant1").Return(latest, nil)

		m := newManual(db)
		raw, err := m.GetOverview(context.Background(), sess, "plant1")
		require.NoError(t, err)
		require.NotNil(t, raw.Manual)
		require.NotNil(t, raw.Manual.Latest)
		assert.Equal(t, 4200.0, raw.Manual.Latest.PowerW)
		db.AssertExpectations(t)
	})

	t.Run("GetOverviewNoReadings", func(t *testing.T) {
		db := new(storagemock.MockDatabase)
		db.On("GetLatestReading", mock.Anything, "plant1").Return(nil, nil)

		m := newManual(db)
		raw, err := m.GetOverview(context.Background(), sess, "plant1")
		require.NoError(t, err)
		require.NotNil(t, raw.Manual)
		assert.Nil(t, raw.Manual.Latest)
	})

	t.Run("GetPowerFlowUnsupported", func(t *testing.T) {
		m := newManual(new(storagemock.MockDatabase))
		_, err := m.GetPowerFlow(context.Background(), sess, "plant1")
		assert.ErrorIs(t, err, types.ErrUnsupported)
	})

	t.Run("GetEnergySeries", func(t *testing.T) {
		db := new(storagemock.MockDatabase)
		start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
		readings := []types.CanonicalReading{
			{PlantID: "plant1", Timestamp: start.Add(12 * time.Hour), EnergyWH: 18000},
		}
		db.On("GetReadings", mock.Anything, "plant1", start, end).Return(readings, nil)

		m := newManual(db)
		raw, err := m.GetEnergySeries(context.Background(), sess, "plant1", start, end, types.GranularityDay)
		require.NoError(t, err)
		require.NotNil(t, raw.Manual)
		assert.Len(t, raw.Manual.Readings, 1)
		db.AssertExpectations(t)
	})

	t.Run("DiscoverPlants", func(t *testing.T) {
		db := new(storagemock.MockDatabase)
		db.On("ListPlants", mock.Anything, "user1").Return([]types.Plant{
			{ID: "plant1", Name: "Backyard", Vendor: types.VendorManual, CapacityKW: 3.2},
			{ID: "plant2", Name: "Cloud Plant", Vendor: types.VendorSolarEdge},
		}, nil)

		m := newManual(db)
		plants, err := m.DiscoverPlants(context.Background(), sess)
		require.NoError(t, err)
		// only manual plants are listed
		require.Len(t, plants, 1)
		assert.Equal(t, "plant1", plants[0].VendorPlantID)
		assert.Equal(t, types.ConnectivityOnline, plants[0].Connectivity)
	})
}

func TestMapVendor(t *testing.T) {
	m := NewMap(new(storagemock.MockDatabase))

	c1, err := m.Vendor(types.VendorSolarEdge)
	require.NoError(t, err)
	c2, err := m.Vendor(types.VendorSolarEdge)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	_, err = m.Vendor(types.VendorTag("bogus"))
	assert.Error(t, err)

	infos := m.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "solaredge", infos[0].ID)
	assert.Equal(t, "sungrow", infos[1].ID)
	assert.Equal(t, "manual", infos[2].ID)
}
