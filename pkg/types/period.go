package types

// Period selects both bucket width and range length for aggregation.
type Period string

const (
	// PeriodToday produces hourly buckets covering the current day.
	PeriodToday Period = "today"
	// PeriodWeek produces daily buckets covering the trailing 7 days.
	PeriodWeek Period = "week"
	// PeriodMonth produces daily buckets covering the current month.
	PeriodMonth Period = "month"
)

// Granularity is the secondary axis used by production charts: an intraday
// curve, per-day-of-month bars, or per-month-of-year bars.
type Granularity string

const (
	GranularityDay   Granularity = "DAY"
	GranularityMonth Granularity = "MONTH"
	GranularityYear  Granularity = "YEAR"
)

// AggregatedBucket is one time-sliced aggregation unit in a series. A bucket
// with Count == 0 represents a gap: its key is still present so charts can
// render the hole instead of a false continuity.
type AggregatedBucket struct {
	Key       string  `json:"key"`
	EnergyWH  float64 `json:"energyWH"`
	AvgPowerW float64 `json:"avgPowerW"`
	Count     int     `json:"count"`
}

// Summary holds the scalar metric-card values for a plant. Values are stored
// in W/Wh and converted to display units only when serialized for the UI.
type Summary struct {
	CurrentPowerW    float64       `json:"currentPowerW"`
	EnergyTodayWH    float64       `json:"energyTodayWH"`
	EnergyMonthWH    float64       `json:"energyMonthWH"`
	EnergyLifetimeWH float64       `json:"energyLifetimeWH"`
	EfficiencyPct    float64       `json:"efficiencyPct"`
	Source           ReadingSource `json:"source"`
	Stale            bool          `json:"stale,omitempty"`
}

// IntradayPoint is the chart export shape for the intraday curve. Nil values
// mark buckets with no contributing readings.
type IntradayPoint struct {
	Time        string   `json:"time"`
	Generation  *float64 `json:"geracao"`
	Consumption *float64 `json:"consumo,omitempty"`
}

// EnergyPoint is the chart export shape for daily/monthly bars.
type EnergyPoint struct {
	Date   string   `json:"date"`
	Energy *float64 `json:"energy"`
}
