package normalize

import (
	"strconv"
	"testing"
	"time"

	"github.com/solsight/solsight/pkg/provider"
	"github.com/solsight/solsight/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlant(vendor types.VendorTag) types.Plant {
	return types.Plant{
		ID:         "plant1",
		UserID:     "user1",
		Name:       "Roof A",
		Vendor:     vendor,
		CapacityKW: 10,
	}
}

func fixedNormalizer(at time.Time) *Normalizer {
	n := New()
	n.SetNow(func() time.Time { return at })
	return n
}

func f64(v float64) *float64 { return &v }

func TestUnitConversion(t *testing.T) {
	assert.Equal(t, 5000.0, ToWatts(5, "kW"))
	assert.Equal(t, 5000.0, ToWatts(5, "kw"))
	assert.Equal(t, 2e6, ToWatts(2, "MW"))
	assert.Equal(t, 5000.0, ToWatts(5000, "W"))

	assert.Equal(t, 18000.0, ToWattHours(18, "kWh"))
	assert.Equal(t, 12500000.0, ToWattHours(12.5, "MWh"))
	assert.Equal(t, 450.0, ToWattHours(450, "Wh"))
}

func TestLifetimeDisplaysAsMWH(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	n := fixedNormalizer(now)

	raw := provider.RawOverview{SolarEdge: &provider.SolarEdgeOverview{
		LifeTimeData: provider.EnergyValue{Energy: 12500000},
		LastDayData:  provider.EnergyValue{Energy: 18000},
		CurrentPower: struct {
			Power *float64 `json:"power"`
		}{Power: f64(5000)},
	}}

	_, sum := n.Overview(testPlant(types.VendorSolarEdge), raw, nil, 2*time.Hour)
	assert.Equal(t, 12500000.0, sum.EnergyLifetimeWH)
	// stored in Wh, displayed in MWh
	assert.Equal(t, 12.5, DisplayMWH(sum.EnergyLifetimeWH))
	assert.Equal(t, 18.0, DisplayKWH(sum.EnergyTodayWH))
}

func TestSolarEdgeOverview(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	n := fixedNormalizer(now)

	raw := provider.RawOverview{SolarEdge: &provider.SolarEdgeOverview{
		LastUpdateTime: "2026-08-29 11:55:00",
		LifeTimeData:   provider.EnergyValue{Energy: 12500000},
		LastMonthData:  provider.EnergyValue{Energy: 450000},
		LastDayData:    provider.EnergyValue{Energy: 18000},
		CurrentPower: struct {
			Power *float64 `json:"power"`
		}{Power: f64(5000)},
	}}

	reading, sum := n.Overview(testPlant(types.VendorSolarEdge), raw, nil, 2*time.Hour)
	assert.Equal(t, 5000.0, reading.PowerW)
	assert.Equal(t, 18000.0, reading.EnergyWH)
	assert.Equal(t, types.SourceCloud, reading.Source)
	assert.False(t, reading.Stale)
	assert.Equal(t, time.Date(2026, 8, 29, 11, 55, 0, 0, time.UTC), reading.Timestamp)

	assert.Equal(t, 5000.0, sum.CurrentPowerW)
	assert.Equal(t, 450000.0, sum.EnergyMonthWH)
	// 18 kWh on a 10 kW plant over 5 nominal sun hours
	assert.InDelta(t, 36.0, sum.EfficiencyPct, 0.001)
}

func TestSungrowOverviewUnits(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	n := fixedNormalizer(now)

	raw := provider.RawOverview{Sungrow: &provider.SungrowOverview{
		CurrPower:   &provider.UnitValue{Value: 5, Unit: "kW"},
		DayEnergy:   &provider.UnitValue{Value: 18, Unit: "kWh"},
		MonthEnergy: &provider.UnitValue{Value: 450, Unit: "kWh"},
		TotalEnergy: &provider.UnitValue{Value: 12.5, Unit: "MWh"},
	}}

	reading, sum := n.Overview(testPlant(types.VendorSungrow), raw, nil, 2*time.Hour)
	// kW is normalized to W, kWh and MWh to Wh
	assert.Equal(t, 5000.0, reading.PowerW)
	assert.Equal(t, 18000.0, reading.EnergyWH)
	assert.Equal(t, 450000.0, sum.EnergyMonthWH)
	assert.Equal(t, 12500000.0, sum.EnergyLifetimeWH)
}

func TestVendorRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	n := fixedNormalizer(now)

	// canonical values pushed through a vendor-shaped payload must come back
	// within the vendor's rounding
	powerW := 4321.7
	energyWH := 18234.5

	t.Run("SolarEdge", func(t *testing.T) {
		o := &provider.SolarEdgeOverview{}
		o.CurrentPower.Power = f64(powerW)
		o.LastDayData.Energy = energyWH

		reading, _ := n.Overview(testPlant(types.VendorSolarEdge), provider.RawOverview{SolarEdge: o}, nil, 0)
		assert.InDelta(t, powerW, reading.PowerW, 0.001)
		assert.InDelta(t, energyWH, reading.EnergyWH, 0.001)
	})

	t.Run("SungrowScaledUnits", func(t *testing.T) {
		// iSolarCloud rounds kW to two decimals and kWh to one
		kw, err := strconv.ParseFloat(strconv.FormatFloat(powerW/1000, 'f', 2, 64), 64)
		require.NoError(t, err)
		kwh, err := strconv.ParseFloat(strconv.FormatFloat(energyWH/1000, 'f', 1, 64), 64)
		require.NoError(t, err)

		raw := provider.RawOverview{Sungrow: &provider.SungrowOverview{
			CurrPower:   &provider.UnitValue{Value: kw, Unit: "kW"},
			DayEnergy:   &provider.UnitValue{Value: kwh, Unit: "kWh"},
			TotalEnergy: &provider.UnitValue{Value: 12.5, Unit: "MWh"},
		}}

		reading, sum := n.Overview(testPlant(types.VendorSungrow), raw, nil, 0)
		// two kW decimals cost at most 5 W, one kWh decimal at most 50 Wh
		assert.InDelta(t, powerW, reading.PowerW, 5)
		assert.InDelta(t, energyWH, reading.EnergyWH, 50)
		assert.InDelta(t, 12.5e6, sum.EnergyLifetimeWH, 0.001)
	})
}

func TestMissingPowerSubstitutesFreshManualReading(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	n := fixedNormalizer(now)

	manual := &types.CanonicalReading{
		PlantID:   "plant1",
		Timestamp: now.Add(-time.Hour),
		PowerW:    4200,
		Source:    types.SourceManual,
	}
	raw := provider.RawOverview{Sungrow: &provider.SungrowOverview{
		DayEnergy: &provider.UnitValue{Value: 18, Unit: "kWh"},
	}}

	reading, sum := n.Overview(testPlant(types.VendorSungrow), raw, manual, 2*time.Hour)
	assert.Equal(t, 4200.0, reading.PowerW)
	assert.Equal(t, types.SourceSubstituted, reading.Source)
	assert.False(t, reading.Stale)
	assert.Equal(t, types.SourceSubstituted, sum.Source)
}

func TestMissingPowerBeyondStalenessWindowIsStaleZero(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	n := fixedNormalizer(now)

	manual := &types.CanonicalReading{
		PlantID:   "plant1",
		Timestamp: now.Add(-3 * time.Hour),
		PowerW:    4200,
	}
	raw := provider.RawOverview{Sungrow: &provider.SungrowOverview{}}

	reading, _ := n.Overview(testPlant(types.VendorSungrow), raw, manual, 2*time.Hour)
	assert.Equal(t, 0.0, reading.PowerW)
	assert.Equal(t, types.SourceCloud, reading.Source)
	assert.True(t, reading.Stale)
}

func TestManualOverview(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	n := fixedNormalizer(now)

	latest := &types.CanonicalReading{
		PlantID:   "plant1",
		Timestamp: now.Add(-30 * time.Minute),
		PowerW:    3000,
		EnergyWH:  9000,
	}
	raw := provider.RawOverview{Manual: &provider.ManualOverview{Latest: latest}}

	reading, sum := n.Overview(testPlant(types.VendorManual), raw, nil, 2*time.Hour)
	assert.Equal(t, 3000.0, reading.PowerW)
	assert.Equal(t, types.SourceManual, reading.Source)
	assert.False(t, reading.Stale)
	assert.Equal(t, types.SourceManual, sum.Source)
}

func TestManualOverviewNoReadings(t *testing.T) {
	n := fixedNormalizer(time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC))

	raw := provider.RawOverview{Manual: &provider.ManualOverview{}}
	reading, _ := n.Overview(testPlant(types.VendorManual), raw, nil, 2*time.Hour)
	assert.Equal(t, 0.0, reading.PowerW)
	assert.True(t, reading.Stale)
}

func TestEmptyPayloadStillYieldsReading(t *testing.T) {
	n := fixedNormalizer(time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC))

	reading, sum := n.Overview(testPlant(types.VendorSolarEdge), provider.RawOverview{}, nil, 2*time.Hour)
	assert.Equal(t, "plant1", reading.PlantID)
	assert.True(t, reading.Stale)
	assert.Equal(t, 0.0, sum.CurrentPowerW)
}

func TestSeriesSolarEdge(t *testing.T) {
	n := New()
	raw := provider.RawSeries{SolarEdge: &provider.SolarEdgeEnergySeries{
		TimeUnit: "DAY",
		Unit:     "Wh",
		Values: []provider.SolarEdgeEnergyPoint{
			{Date: "2026-08-01 00:00:00", Value: f64(18000)},
			{Date: "2026-08-02 00:00:00", Value: nil},
			{Date: "2026-08-03 00:00:00", Value: f64(21000)},
		},
	}}

	readings := n.Series(testPlant(types.VendorSolarEdge), raw)
	// null buckets are skipped; the aggregation engine reintroduces gaps
	require.Len(t, readings, 2)
	assert.Equal(t, 18000.0, readings[0].EnergyWH)
	assert.Equal(t, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), readings[1].Timestamp)
}

func TestSeriesSungrowStamps(t *testing.T) {
	n := New()
	raw := provider.RawSeries{Sungrow: &provider.SungrowSeries{
		Points: []provider.SungrowSeriesPoint{
			{TimeStamp: "20260801", Energy: &provider.UnitValue{Value: 18, Unit: "kWh"}},
			{TimeStamp: "202608", Energy: &provider.UnitValue{Value: 450, Unit: "kWh"}},
			{TimeStamp: "bogus", Energy: &provider.UnitValue{Value: 1, Unit: "kWh"}},
		},
	}}

	readings := n.Series(testPlant(types.VendorSungrow), raw)
	require.Len(t, readings, 2)
	assert.Equal(t, 18000.0, readings[0].EnergyWH)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), readings[1].Timestamp)
}

func TestDevices(t *testing.T) {
	n := New()
	temp, volt, curr := 41.5, 620.0, 8.1
	raw := provider.RawDeviceList{Sungrow: &provider.SungrowDeviceList{
		PageList: []provider.SungrowDevice{
			{SerialNumber: "SN1", Name: "Inverter 1", TemperatureC: &temp, VoltageV: &volt, CurrentA: &curr},
			{SerialNumber: "SN2", Name: "Inverter 2"},
		},
	}}

	devices := n.Devices(raw)
	require.Len(t, devices, 2)
	assert.Equal(t, 41.5, devices["SN1"].TemperatureC)
	// absent telemetry degrades to zero
	assert.Equal(t, 0.0, devices["SN2"].TemperatureC)
}

func TestEfficiencyClamped(t *testing.T) {
	assert.Equal(t, 0.0, efficiencyPct(0, 18000))
	assert.Equal(t, 100.0, efficiencyPct(1, 99000000))
	assert.InDelta(t, 36.0, efficiencyPct(10, 18000), 0.001)
}
