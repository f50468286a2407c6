package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/solsight/solsight/pkg/aggregate"
	"github.com/solsight/solsight/pkg/auth"
	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/normalize"
	"github.com/solsight/solsight/pkg/profile"
	"github.com/solsight/solsight/pkg/types"
)

// ownedPlant loads the plant and enforces ownership.
func (s *Server) ownedPlant(ctx context.Context, user types.User, plantID string) (types.Plant, error) {
	plant, err := s.storage.GetPlant(ctx, plantID)
	if err != nil {
		return types.Plant{}, err
	}
	if plant.UserID != user.ID {
		s.sink.Emit(ctx, types.AuditEvent{
			Action:  "plant.access",
			UserID:  user.ID,
			Success: false,
			Details: map[string]string{"plantID": plantID},
		})
		return types.Plant{}, profile.ErrForbidden
	}
	return plant, nil
}

// sessionFor resolves the cached session for the plant's profile, validating
// direct credentials on a cache miss.
func (s *Server) sessionFor(ctx context.Context, user types.User, plant types.Plant) (*auth.Session, error) {
	if sess, ok := s.sessions.Session(plant.ProfileID); ok {
		return sess, nil
	}
	prof, secrets, err := s.profiles.Secrets(ctx, user.ID, plant.ProfileID)
	if err != nil {
		return nil, err
	}
	if prof.AuthMode == types.AuthModeOAuth2 {
		return nil, &types.AuthError{
			Vendor:  plant.Vendor,
			Code:    "REAUTHORIZE",
			Message: "oauth2 session expired, re-authorization required",
		}
	}
	connector, err := s.providers.Vendor(plant.Vendor)
	if err != nil {
		return nil, err
	}
	return s.sessions.TestConnection(ctx, prof, secrets, connector.Probe)
}

type metricsResponse struct {
	Summary struct {
		types.Summary
		EnergyTodayKWH    float64 `json:"energyTodayKWH"`
		EnergyMonthKWH    float64 `json:"energyMonthKWH"`
		EnergyLifetimeMWH float64 `json:"energyLifetimeMWH"`
	} `json:"summary"`
	Buckets  []types.AggregatedBucket `json:"buckets"`
	Intraday []types.IntradayPoint    `json:"intraday,omitempty"`
	Bars     []types.EnergyPoint      `json:"bars,omitempty"`
}

// handleMetrics returns the metric-card summary from a live vendor overview
// plus the aggregated series for the requested period. Energy values are
// converted to display units at this boundary only.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	plant, err := s.ownedPlant(ctx, user, r.URL.Query().Get("plantID"))
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	period := types.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = types.PeriodToday
	}
	switch period {
	case types.PeriodToday, types.PeriodWeek, types.PeriodMonth:
	default:
		writeJSONError(w, "invalid period", http.StatusBadRequest)
		return
	}

	sess, err := s.sessionFor(ctx, user, plant)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	connector, err := s.providers.Vendor(plant.Vendor)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	raw, err := connector.GetOverview(ctx, sess, plant.VendorPlantID)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	sv, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	manualLatest, err := s.storage.GetLatestReading(ctx, plant.ID)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	if manualLatest != nil && manualLatest.Source != types.SourceManual {
		manualLatest = nil
	}

	_, summary := s.norm.Overview(plant, raw, manualLatest, sv.ManualStalenessWindow)

	loc := plantLocation(plant)
	start, end := periodRange(period, time.Now().In(loc))
	readings, err := s.storage.GetReadings(ctx, plant.ID, start, end)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	buckets := s.agg.Aggregate(readings, period, loc)

	var res metricsResponse
	res.Summary.Summary = summary
	res.Summary.EnergyTodayKWH = normalize.DisplayKWH(summary.EnergyTodayWH)
	res.Summary.EnergyMonthKWH = normalize.DisplayKWH(summary.EnergyMonthWH)
	res.Summary.EnergyLifetimeMWH = normalize.DisplayMWH(summary.EnergyLifetimeWH)
	res.Buckets = buckets
	if period == types.PeriodToday {
		res.Intraday = aggregate.IntradayPoints(buckets)
	} else {
		res.Bars = aggregate.EnergyPoints(buckets)
	}

	writeJSON(w, res)
}

// handleSeries returns the chart export shapes for the production chart: an
// intraday curve for DAY, per-day bars for MONTH, per-month bars for YEAR.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	plant, err := s.ownedPlant(ctx, user, r.URL.Query().Get("plantID"))
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	gran := types.Granularity(r.URL.Query().Get("granularity"))
	switch gran {
	case "":
		gran = types.GranularityDay
	case types.GranularityDay, types.GranularityMonth, types.GranularityYear:
	default:
		writeJSONError(w, "invalid granularity", http.StatusBadRequest)
		return
	}

	loc := plantLocation(plant)
	ref := time.Now().In(loc)
	if d := r.URL.Query().Get("date"); d != "" {
		parsed, err := time.ParseInLocation("2006-01-02", d, loc)
		if err != nil {
			writeJSONError(w, "invalid date", http.StatusBadRequest)
			return
		}
		ref = parsed
	}

	start, end := granularityRange(gran, ref)
	readings, err := s.storage.GetReadings(ctx, plant.ID, start, end)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	if len(readings) == 0 && plant.Vendor != types.VendorManual {
		// nothing synced for this range yet, ask the vendor directly
		readings = s.vendorSeries(ctx, user, plant, start, end, gran)
	}
	buckets := s.agg.ByGranularity(readings, gran, ref, loc)

	if gran == types.GranularityDay {
		writeJSON(w, aggregate.IntradayPoints(buckets))
		return
	}
	writeJSON(w, aggregate.EnergyPoints(buckets))
}

// vendorSeries fetches historical production straight from the vendor. It is
// best effort: a chart with gaps beats a 5xx, so failures log and return nil.
func (s *Server) vendorSeries(ctx context.Context, user types.User, plant types.Plant, start, end time.Time, gran types.Granularity) []types.CanonicalReading {
	sess, err := s.sessionFor(ctx, user, plant)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to resolve session for vendor series",
			slog.String("plantID", plant.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	connector, err := s.providers.Vendor(plant.Vendor)
	if err != nil {
		return nil
	}
	raw, err := connector.GetEnergySeries(ctx, sess, plant.VendorPlantID, start, end, gran)
	if err != nil {
		if !errors.Is(err, types.ErrUnsupported) {
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch vendor series",
				slog.String("plantID", plant.ID),
				slog.String("vendor", string(plant.Vendor)),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
	return s.norm.Series(plant, raw)
}

// powerFlowResponse is the normalized live flow diagram, values in watts.
type powerFlowResponse struct {
	GridW float64 `json:"gridW"`
	LoadW float64 `json:"loadW"`
	PVW   float64 `json:"pvW"`
}

func (s *Server) handlePowerFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)

	plant, err := s.ownedPlant(ctx, user, r.URL.Query().Get("plantID"))
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	sess, err := s.sessionFor(ctx, user, plant)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}
	connector, err := s.providers.Vendor(plant.Vendor)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	raw, err := connector.GetPowerFlow(ctx, sess, plant.VendorPlantID)
	if err != nil {
		s.writeTypedError(w, r, err)
		return
	}

	var res powerFlowResponse
	if f := raw.SolarEdge; f != nil {
		if f.Grid != nil {
			res.GridW = normalize.ToWatts(f.Grid.CurrentPower, f.Unit)
		}
		if f.Load != nil {
			res.LoadW = normalize.ToWatts(f.Load.CurrentPower, f.Unit)
		}
		if f.PV != nil {
			res.PVW = normalize.ToWatts(f.PV.CurrentPower, f.Unit)
		}
	}
	writeJSON(w, res)
}

func periodRange(period types.Period, now time.Time) (time.Time, time.Time) {
	switch period {
	case types.PeriodWeek:
		return truncateDay(now).AddDate(0, 0, -6), now
	case types.PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()), now
	default:
		return truncateDay(now), now
	}
}

func granularityRange(gran types.Granularity, ref time.Time) (time.Time, time.Time) {
	switch gran {
	case types.GranularityMonth:
		start := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, ref.Location())
		return start, start.AddDate(0, 1, 0)
	case types.GranularityYear:
		start := time.Date(ref.Year(), 1, 1, 0, 0, 0, 0, ref.Location())
		return start, start.AddDate(1, 0, 0)
	default:
		start := truncateDay(ref)
		return start, start.AddDate(0, 0, 1)
	}
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func plantLocation(plant types.Plant) *time.Location {
	if plant.Timezone != "" {
		if loc, err := time.LoadLocation(plant.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}
