package normalize

import (
	"strings"
	"time"

	"github.com/solsight/solsight/pkg/provider"
	"github.com/solsight/solsight/pkg/types"
)

// nominalSunHours is the production window used to turn today's specific
// yield into the efficiency percentage shown on the metric cards.
const nominalSunHours = 5.0

// Normalizer turns raw vendor payloads into canonical readings. Mapping is
// total: a structurally valid payload always produces a result, with absent
// numeric fields degrading to zero instead of failing.
type Normalizer struct {
	now func() time.Time
}

// New creates a Normalizer.
func New() *Normalizer {
	return &Normalizer{now: time.Now}
}

// SetNow overrides the clock. This is primarily used for testing.
func (n *Normalizer) SetNow(now func() time.Time) {
	n.now = now
}

// ToWatts converts a power value in the given unit to watts. Unknown units
// are assumed to already be watts.
func ToWatts(value float64, unit string) float64 {
	switch strings.ToLower(unit) {
	case "kw":
		return value * 1000
	case "mw":
		return value * 1e6
	default:
		return value
	}
}

// ToWattHours converts an energy value in the given unit to watt-hours.
// Unknown units are assumed to already be watt-hours.
func ToWattHours(value float64, unit string) float64 {
	switch strings.ToLower(unit) {
	case "kwh":
		return value * 1000
	case "mwh":
		return value * 1e6
	default:
		return value
	}
}

// DisplayMWH converts stored watt-hours to the MWh value shown for lifetime
// totals.
func DisplayMWH(wh float64) float64 {
	return wh / 1e6
}

// DisplayKWH converts stored watt-hours to the kWh value shown for daily and
// monthly totals.
func DisplayKWH(wh float64) float64 {
	return wh / 1000
}

// Overview maps a vendor overview payload to the canonical reading to
// persist and the summary for the metric cards. manualLatest is the plant's
// most recent hand-entered reading, consulted when the cloud payload omits
// current power: within the staleness window its power is substituted and the
// provenance marked, beyond it the reading reports zero with the stale flag.
func (n *Normalizer) Overview(plant types.Plant, raw provider.RawOverview, manualLatest *types.CanonicalReading, staleness time.Duration) (types.CanonicalReading, types.Summary) {
	switch {
	case raw.SolarEdge != nil:
		return n.solarEdgeOverview(plant, raw.SolarEdge, manualLatest, staleness)
	case raw.Sungrow != nil:
		return n.sungrowOverview(plant, raw.Sungrow, manualLatest, staleness)
	case raw.Manual != nil:
		return n.manualOverview(plant, raw.Manual, staleness)
	}
	// empty payload still yields a well-formed stale reading
	reading := types.CanonicalReading{
		PlantID:   plant.ID,
		Timestamp: n.now().UTC(),
		Vendor:    plant.Vendor,
		Source:    types.SourceCloud,
		Stale:     true,
	}
	return reading, n.summary(plant, reading, 0, 0)
}

// currentPower resolves the current-power field, substituting a fresh manual
// reading when the vendor omitted it.
func (n *Normalizer) currentPower(vendorPower *float64, manualLatest *types.CanonicalReading, staleness time.Duration) (float64, types.ReadingSource, bool) {
	if vendorPower != nil {
		return *vendorPower, types.SourceCloud, false
	}
	if manualLatest != nil && n.now().Sub(manualLatest.Timestamp) <= staleness {
		return manualLatest.PowerW, types.SourceSubstituted, false
	}
	return 0, types.SourceCloud, true
}

func (n *Normalizer) solarEdgeOverview(plant types.Plant, o *provider.SolarEdgeOverview, manualLatest *types.CanonicalReading, staleness time.Duration) (types.CanonicalReading, types.Summary) {
	ts := n.now().UTC()
	if o.LastUpdateTime != "" {
		loc := plantLocation(plant)
		// an unparseable vendor timestamp degrades to the wall clock
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", o.LastUpdateTime, loc); err == nil {
			ts = t.UTC()
		}
	}

	power, source, stale := n.currentPower(o.CurrentPower.Power, manualLatest, staleness)
	reading := types.CanonicalReading{
		PlantID:   plant.ID,
		Timestamp: ts,
		PowerW:    power,
		EnergyWH:  o.LastDayData.Energy,
		Vendor:    types.VendorSolarEdge,
		Source:    source,
		Stale:     stale,
	}
	return reading, n.summary(plant, reading, o.LastMonthData.Energy, o.LifeTimeData.Energy)
}

func (n *Normalizer) sungrowOverview(plant types.Plant, o *provider.SungrowOverview, manualLatest *types.CanonicalReading, staleness time.Duration) (types.CanonicalReading, types.Summary) {
	var vendorPower *float64
	if o.CurrPower != nil {
		w := ToWatts(o.CurrPower.Value, o.CurrPower.Unit)
		vendorPower = &w
	}
	power, source, stale := n.currentPower(vendorPower, manualLatest, staleness)

	reading := types.CanonicalReading{
		PlantID:   plant.ID,
		Timestamp: n.now().UTC(),
		PowerW:    power,
		EnergyWH:  unitWH(o.DayEnergy),
		Vendor:    types.VendorSungrow,
		Source:    source,
		Stale:     stale,
	}
	return reading, n.summary(plant, reading, unitWH(o.MonthEnergy), unitWH(o.TotalEnergy))
}

func (n *Normalizer) manualOverview(plant types.Plant, o *provider.ManualOverview, staleness time.Duration) (types.CanonicalReading, types.Summary) {
	if o.Latest == nil {
		reading := types.CanonicalReading{
			PlantID:   plant.ID,
			Timestamp: n.now().UTC(),
			Vendor:    types.VendorManual,
			Source:    types.SourceManual,
			Stale:     true,
		}
		return reading, n.summary(plant, reading, 0, 0)
	}
	reading := *o.Latest
	reading.PlantID = plant.ID
	reading.Vendor = types.VendorManual
	reading.Source = types.SourceManual
	if n.now().Sub(reading.Timestamp) > staleness {
		reading.Stale = true
	}
	return reading, n.summary(plant, reading, 0, 0)
}

func unitWH(v *provider.UnitValue) float64 {
	if v == nil {
		return 0
	}
	return ToWattHours(v.Value, v.Unit)
}

// summary derives the metric-card values from a reading plus the monthly and
// lifetime counters.
func (n *Normalizer) summary(plant types.Plant, reading types.CanonicalReading, monthWH, lifetimeWH float64) types.Summary {
	return types.Summary{
		CurrentPowerW:    reading.PowerW,
		EnergyTodayWH:    reading.EnergyWH,
		EnergyMonthWH:    monthWH,
		EnergyLifetimeWH: lifetimeWH,
		EfficiencyPct:    efficiencyPct(plant.CapacityKW, reading.EnergyWH),
		Source:           reading.Source,
		Stale:            reading.Stale,
	}
}

// efficiencyPct is today's specific yield relative to nominal production,
// clamped so oversized days don't render past the gauge.
func efficiencyPct(capacityKW, energyTodayWH float64) float64 {
	if capacityKW <= 0 {
		return 0
	}
	pct := energyTodayWH / (capacityKW * 1000 * nominalSunHours) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Devices maps a vendor device list onto per-device telemetry keyed by the
// vendor's device identifier.
func (n *Normalizer) Devices(raw provider.RawDeviceList) map[string]types.DeviceReading {
	out := make(map[string]types.DeviceReading)
	switch {
	case raw.SolarEdge != nil:
		for _, d := range raw.SolarEdge.List {
			out[d.SerialNumber] = types.DeviceReading{
				Name: d.Name,
			}
		}
	case raw.Sungrow != nil:
		for _, d := range raw.Sungrow.PageList {
			dr := types.DeviceReading{Name: d.Name}
			if d.TemperatureC != nil {
				dr.TemperatureC = *d.TemperatureC
			}
			if d.VoltageV != nil {
				dr.VoltageV = *d.VoltageV
			}
			if d.CurrentA != nil {
				dr.CurrentA = *d.CurrentA
			}
			out[d.SerialNumber] = dr
		}
	}
	return out
}

// Series maps a vendor historical series to canonical readings, one per
// bucket the vendor reported a value for. Null buckets are skipped; the
// aggregation engine re-introduces gaps from its own expected key set.
func (n *Normalizer) Series(plant types.Plant, raw provider.RawSeries) []types.CanonicalReading {
	var out []types.CanonicalReading
	switch {
	case raw.SolarEdge != nil:
		loc := plantLocation(plant)
		for _, p := range raw.SolarEdge.Values {
			if p.Value == nil {
				continue
			}
			t, err := time.ParseInLocation("2006-01-02 15:04:05", p.Date, loc)
			if err != nil {
				continue
			}
			out = append(out, types.CanonicalReading{
				PlantID:   plant.ID,
				Timestamp: t.UTC(),
				EnergyWH:  ToWattHours(*p.Value, raw.SolarEdge.Unit),
				Vendor:    types.VendorSolarEdge,
				Source:    types.SourceCloud,
			})
		}
	case raw.Sungrow != nil:
		loc := plantLocation(plant)
		for _, p := range raw.Sungrow.Points {
			if p.Energy == nil {
				continue
			}
			t, ok := parseSungrowStamp(p.TimeStamp, loc)
			if !ok {
				continue
			}
			out = append(out, types.CanonicalReading{
				PlantID:   plant.ID,
				Timestamp: t.UTC(),
				EnergyWH:  ToWattHours(p.Energy.Value, p.Energy.Unit),
				Vendor:    types.VendorSungrow,
				Source:    types.SourceCloud,
			})
		}
	case raw.Manual != nil:
		out = append(out, raw.Manual.Readings...)
	}
	return out
}

// parseSungrowStamp handles the vendor's compact timestamps, which shrink
// with the report granularity: yyyyMMddHHmmss, yyyyMMdd, yyyyMM, or yyyy.
func parseSungrowStamp(s string, loc *time.Location) (time.Time, bool) {
	var layout string
	switch len(s) {
	case 14:
		layout = "20060102150405"
	case 8:
		layout = "20060102"
	case 6:
		layout = "200601"
	case 4:
		layout = "2006"
	default:
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(layout, s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func plantLocation(plant types.Plant) *time.Location {
	if plant.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(plant.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
