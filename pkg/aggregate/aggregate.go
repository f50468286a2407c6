package aggregate

import (
	"time"

	"github.com/solsight/solsight/pkg/types"
)

const (
	hourKeyFormat  = "15:00"
	dayKeyFormat   = "2006-01-02"
	monthKeyFormat = "2006-01"
)

// Engine buckets canonical readings into ordered time series and summary
// metrics. Bucketing is deterministic: the full expected key set for the
// period is generated first so gaps stay visible, then readings are folded
// into their keys in ascending chronological order.
type Engine struct {
	now func() time.Time
}

// New creates an Engine.
func New() *Engine {
	return &Engine{now: time.Now}
}

// SetNow overrides the clock. This is primarily used for testing.
func (e *Engine) SetNow(now func() time.Time) {
	e.now = now
}

// Aggregate buckets readings for the requested period: hourly buckets for
// today, daily buckets for the trailing week or the current month. Buckets
// with no contributing readings keep their key with zero values and Count 0.
func (e *Engine) Aggregate(readings []types.CanonicalReading, period types.Period, loc *time.Location) []types.AggregatedBucket {
	if loc == nil {
		loc = time.UTC
	}
	now := e.now().In(loc)

	var keys []string
	var keyFor func(time.Time) string
	switch period {
	case types.PeriodWeek:
		keys = dailyKeys(now.AddDate(0, 0, -6), 7)
		keyFor = func(t time.Time) string { return t.In(loc).Format(dayKeyFormat) }
	case types.PeriodMonth:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		keys = dailyKeys(first, daysInMonth(now))
		keyFor = func(t time.Time) string { return t.In(loc).Format(dayKeyFormat) }
	default: // today
		keys = hourlyKeys()
		dayKey := now.Format(dayKeyFormat)
		keyFor = func(t time.Time) string {
			// readings outside today fall out of the key set
			if t.In(loc).Format(dayKeyFormat) != dayKey {
				return ""
			}
			return t.In(loc).Format(hourKeyFormat)
		}
	}

	return fold(readings, keys, keyFor)
}

// ByGranularity buckets readings along the production-chart axis: DAY gives
// the intraday hourly curve for ref's day, MONTH per-day bars for ref's
// month, YEAR per-month bars for ref's year.
func (e *Engine) ByGranularity(readings []types.CanonicalReading, gran types.Granularity, ref time.Time, loc *time.Location) []types.AggregatedBucket {
	if loc == nil {
		loc = time.UTC
	}
	ref = ref.In(loc)

	var keys []string
	var keyFor func(time.Time) string
	switch gran {
	case types.GranularityMonth:
		first := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, loc)
		keys = dailyKeys(first, daysInMonth(ref))
		keyFor = func(t time.Time) string { return t.In(loc).Format(dayKeyFormat) }
	case types.GranularityYear:
		keys = make([]string, 12)
		for m := 0; m < 12; m++ {
			keys[m] = time.Date(ref.Year(), time.Month(m+1), 1, 0, 0, 0, 0, loc).Format(monthKeyFormat)
		}
		keyFor = func(t time.Time) string { return t.In(loc).Format(monthKeyFormat) }
	default: // DAY
		keys = hourlyKeys()
		dayKey := ref.Format(dayKeyFormat)
		keyFor = func(t time.Time) string {
			if t.In(loc).Format(dayKeyFormat) != dayKey {
				return ""
			}
			return t.In(loc).Format(hourKeyFormat)
		}
	}

	return fold(readings, keys, keyFor)
}

// fold sums energy and averages power per bucket key. Keys absent from the
// expected set are dropped; expected keys with no readings stay at zero.
func fold(readings []types.CanonicalReading, keys []string, keyFor func(time.Time) string) []types.AggregatedBucket {
	type acc struct {
		energy float64
		power  float64
		count  int
	}
	accs := make(map[string]*acc, len(keys))
	for _, k := range keys {
		accs[k] = &acc{}
	}

	for _, r := range readings {
		k := keyFor(r.Timestamp)
		a, ok := accs[k]
		if !ok {
			continue
		}
		a.energy += r.EnergyWH
		a.power += r.PowerW
		a.count++
	}

	out := make([]types.AggregatedBucket, len(keys))
	for i, k := range keys {
		a := accs[k]
		b := types.AggregatedBucket{Key: k, EnergyWH: a.energy, Count: a.count}
		if a.count > 0 {
			b.AvgPowerW = a.power / float64(a.count)
		}
		out[i] = b
	}
	return out
}

func hourlyKeys() []string {
	keys := make([]string, 24)
	for h := 0; h < 24; h++ {
		keys[h] = time.Date(2000, 1, 1, h, 0, 0, 0, time.UTC).Format(hourKeyFormat)
	}
	return keys
}

func dailyKeys(first time.Time, n int) []string {
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = first.AddDate(0, 0, i).Format(dayKeyFormat)
	}
	return keys
}

func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

// IntradayPoints relabels hourly buckets into the chart export shape. Empty
// buckets export null generation so charts render the gap.
func IntradayPoints(buckets []types.AggregatedBucket) []types.IntradayPoint {
	out := make([]types.IntradayPoint, len(buckets))
	for i, b := range buckets {
		p := types.IntradayPoint{Time: b.Key}
		if b.Count > 0 {
			v := b.AvgPowerW
			p.Generation = &v
		}
		out[i] = p
	}
	return out
}

// EnergyPoints relabels daily or monthly buckets into the bar-chart export
// shape, in kWh.
func EnergyPoints(buckets []types.AggregatedBucket) []types.EnergyPoint {
	out := make([]types.EnergyPoint, len(buckets))
	for i, b := range buckets {
		p := types.EnergyPoint{Date: b.Key}
		if b.Count > 0 {
			v := b.EnergyWH / 1000
			p.Energy = &v
		}
		out[i] = p
	}
	return out
}
