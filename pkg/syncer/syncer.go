package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/solsight/solsight/pkg/auth"
	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/normalize"
	"github.com/solsight/solsight/pkg/profile"
	"github.com/solsight/solsight/pkg/provider"
	"github.com/solsight/solsight/pkg/storage"
	"github.com/solsight/solsight/pkg/types"
)

const (
	manualFailureThreshold = 3
	cooldownDuration       = 30 * time.Second
	maxAttempts            = 4
)

// flight is one in-progress sync for a plant. Manual triggers arriving while
// an automatic run is in flight join it instead of issuing a duplicate
// vendor call.
type flight struct {
	done chan struct{}
	run  types.SyncRun
	err  error
}

// Syncer drives periodic and on-demand synchronization runs per plant, with
// bounded retries for transient failures and a cooldown after repeated
// manual failures.
type Syncer struct {
	db        storage.Database
	providers *provider.Map
	sessions  *auth.Manager
	profiles  *profile.Store
	norm      *normalize.Normalizer

	mu             sync.Mutex
	inflight       map[string]*flight
	manualFailures map[string]int
	cooldownUntil  map[string]time.Time

	interval       time.Duration
	attemptTimeout time.Duration
	now            func() time.Time
	newBackOff     func() backoff.BackOff
}

// Configured sets up the Syncer based on flags.
func Configured(db storage.Database, providers *provider.Map, sessions *auth.Manager, profiles *profile.Store) *Syncer {
	interval := lflag.Duration("sync-interval", 15*time.Minute, "Interval between automatic sync rounds")
	attemptTimeout := lflag.Duration("sync-attempt-timeout", 30*time.Second, "Timeout applied to each vendor call attempt")

	s := New(db, providers, sessions, profiles)
	lflag.Do(func() {
		s.interval = *interval
		s.attemptTimeout = *attemptTimeout
	})
	return s
}

// New creates a Syncer with default timing.
func New(db storage.Database, providers *provider.Map, sessions *auth.Manager, profiles *profile.Store) *Syncer {
	return &Syncer{
		db:             db,
		providers:      providers,
		sessions:       sessions,
		profiles:       profiles,
		norm:           normalize.New(),
		inflight:       make(map[string]*flight),
		manualFailures: make(map[string]int),
		cooldownUntil:  make(map[string]time.Time),
		interval:       15 * time.Minute,
		attemptTimeout: 30 * time.Second,
		now:            time.Now,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			bo.MaxInterval = 30 * time.Second
			return bo
		},
	}
}

// SetNow overrides the clock. This is primarily used for testing.
func (s *Syncer) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Run drives the automatic sync loop until the context is canceled. The
// interval follows the stored settings so changes apply without a restart.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Ctx(ctx).InfoContext(ctx, "sync scheduler started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "sync scheduler stopped")
			return
		case <-ticker.C:
			if interval := s.syncRound(ctx); interval > 0 && interval != s.interval {
				s.interval = interval
				ticker.Reset(interval)
			}
		}
	}
}

// settings loads the stored settings, applying any pending version
// migrations in memory so a fresh install runs with the defaults. Persisting
// the migrated document is the settings API's job.
func (s *Syncer) settings(ctx context.Context) (types.Settings, error) {
	settings, version, err := s.db.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, err
	}
	if version < types.CurrentSettingsVersion {
		migrated, changed, err := types.MigrateSettings(settings, version)
		if err == nil && changed {
			settings = migrated
		}
	}
	return settings, nil
}

// syncRound kicks off one automatic sync for every auto-sync plant. Plants
// are independent so they run concurrently. Returns the configured interval
// so the caller can pick up settings changes.
func (s *Syncer) syncRound(ctx context.Context) time.Duration {
	settings, err := s.settings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load settings for sync round", slog.Any("error", err))
		return 0
	}
	interval := time.Duration(settings.SyncIntervalMinutes) * time.Minute
	if settings.Pause || !settings.AutoSync {
		log.Ctx(ctx).DebugContext(ctx, "auto sync disabled, skipping round")
		return interval
	}

	plants, err := s.db.ListAllPlants(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list plants for sync round", slog.Any("error", err))
		return interval
	}

	var wg sync.WaitGroup
	for _, plant := range plants {
		if !plant.AutoSync || plant.Vendor == types.VendorManual {
			continue
		}
		wg.Add(1)
		go func(p types.Plant) {
			defer wg.Done()
			if _, err := s.SyncPlant(ctx, p, types.SyncTriggerAuto); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "automatic sync failed",
					slog.String("plantID", p.ID),
					slog.Any("error", err),
				)
			}
		}(plant)
	}
	wg.Wait()
	return interval
}

// CooldownRemaining reports how long manual syncs for the profile stay
// rejected, zero when none is active.
func (s *Syncer) CooldownRemaining(profileID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldownUntil[profileID]
	if !ok {
		return 0
	}
	if d := until.Sub(s.now()); d > 0 {
		return d
	}
	return 0
}

// SyncPlant runs one synchronization for the plant. Manual triggers during a
// profile cooldown are rejected without any vendor call; a trigger while a
// run for the same plant is in flight joins that run's result.
func (s *Syncer) SyncPlant(ctx context.Context, plant types.Plant, trigger types.SyncTrigger) (types.SyncRun, error) {
	s.mu.Lock()
	if trigger == types.SyncTriggerManual {
		if until, ok := s.cooldownUntil[plant.ProfileID]; ok && s.now().Before(until) {
			s.mu.Unlock()
			return types.SyncRun{}, &types.CooldownError{Until: until}
		}
	}

	if f, ok := s.inflight[plant.ID]; ok {
		s.mu.Unlock()
		log.Ctx(ctx).DebugContext(ctx, "joining in-flight sync", slog.String("plantID", plant.ID))
		select {
		case <-f.done:
			return f.run, f.err
		case <-ctx.Done():
			return types.SyncRun{}, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	s.inflight[plant.ID] = f
	s.mu.Unlock()

	run, err := s.syncOnce(ctx, plant, trigger)

	s.mu.Lock()
	f.run = run
	f.err = err
	delete(s.inflight, plant.ID)
	if trigger == types.SyncTriggerManual {
		s.trackManualOutcome(ctx, plant.ProfileID, err)
	} else if err == nil {
		delete(s.manualFailures, plant.ProfileID)
	}
	s.mu.Unlock()
	close(f.done)

	return run, err
}

// trackManualOutcome counts consecutive manual failures per profile and
// starts the cooldown at the threshold. Must be called with s.mu held.
func (s *Syncer) trackManualOutcome(ctx context.Context, profileID string, err error) {
	if err == nil {
		delete(s.manualFailures, profileID)
		delete(s.cooldownUntil, profileID)
		return
	}
	s.manualFailures[profileID]++
	if s.manualFailures[profileID] >= manualFailureThreshold {
		until := s.now().Add(cooldownDuration)
		s.cooldownUntil[profileID] = until
		s.manualFailures[profileID] = 0
		log.Ctx(ctx).WarnContext(ctx, "manual sync cooldown started",
			slog.String("profileID", profileID),
			slog.Time("until", until),
		)
	}
}

// syncOnce performs the full fetch-normalize-store cycle for one plant,
// retrying transient vendor errors with exponential backoff up to the
// attempt cap.
func (s *Syncer) syncOnce(ctx context.Context, plant types.Plant, trigger types.SyncTrigger) (types.SyncRun, error) {
	run := types.SyncRun{
		ID:      uuid.NewString(),
		PlantID: plant.ID,
		Vendor:  plant.Vendor,
		Trigger: trigger,
		Start:   s.nowUTC(),
	}
	log.Ctx(ctx).DebugContext(ctx, "sync started",
		slog.String("plantID", plant.ID),
		slog.String("runID", run.ID),
		slog.String("trigger", string(trigger)),
	)

	var readings int
	operation := func() error {
		run.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
		defer cancel()

		var err error
		readings, err = s.attempt(attemptCtx, plant)
		if err == nil {
			return nil
		}
		if types.IsTransient(err) {
			log.Ctx(ctx).DebugContext(ctx, "transient sync failure, will retry",
				slog.String("plantID", plant.ID),
				slog.Int("attempt", run.Attempts),
				slog.Any("error", err),
			)
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(s.newBackOff(), maxAttempts-1), ctx))

	run.End = s.nowUTC()
	run.Readings = readings
	if err != nil {
		run.Outcome = types.SyncOutcomeFailed
		run.ErrorClass = errorClass(err)
		run.ErrorDetail = err.Error()
	} else {
		run.Outcome = types.SyncOutcomeSuccess
	}

	if insertErr := s.db.InsertSyncRun(ctx, run); insertErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record sync run",
			slog.String("runID", run.ID),
			slog.Any("error", insertErr),
		)
	}
	return run, err
}

// attempt is one vendor round-trip: resolve the session, fetch the overview
// and device telemetry, normalize, and persist. Returns how many readings
// were stored.
func (s *Syncer) attempt(ctx context.Context, plant types.Plant) (int, error) {
	connector, err := s.providers.Vendor(plant.Vendor)
	if err != nil {
		return 0, err
	}

	sess, err := s.session(ctx, plant, connector)
	if err != nil {
		return 0, err
	}

	raw, err := connector.GetOverview(ctx, sess, plant.VendorPlantID)
	if err != nil {
		return 0, err
	}

	// device telemetry enriches the reading but its absence never fails a run
	var devices map[string]types.DeviceReading
	if rawDevices, err := connector.GetDevices(ctx, sess, plant.VendorPlantID); err == nil {
		devices = s.norm.Devices(rawDevices)
	} else if !errors.Is(err, types.ErrUnsupported) {
		log.Ctx(ctx).DebugContext(ctx, "device fetch failed", slog.String("plantID", plant.ID), slog.Any("error", err))
	}

	settings, err := s.settings(ctx)
	if err != nil {
		return 0, err
	}

	manualLatest, err := s.db.GetLatestReading(ctx, plant.ID)
	if err != nil {
		return 0, err
	}
	if manualLatest != nil && manualLatest.Source != types.SourceManual {
		manualLatest = nil
	}

	reading, _ := s.norm.Overview(plant, raw, manualLatest, settings.ManualStalenessWindow)
	if len(devices) > 0 {
		reading.Devices = devices
	}

	if err := s.db.UpsertReadings(ctx, plant.ID, []types.CanonicalReading{reading}); err != nil {
		return 0, err
	}
	return 1, nil
}

// session resolves the plant's auth session, validating direct credentials
// on a cache miss. OAuth2 sessions cannot be rebuilt here; the user must
// re-authorize.
func (s *Syncer) session(ctx context.Context, plant types.Plant, connector provider.Connector) (*auth.Session, error) {
	if sess, ok := s.sessions.Session(plant.ProfileID); ok {
		return sess, nil
	}

	prof, secrets, err := s.profiles.Secrets(ctx, plant.UserID, plant.ProfileID)
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
	return s.sessions.TestConnection(ctx, prof, secrets, connector.Probe)
}

func (s *Syncer) nowUTC() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().UTC()
}

// errorClass buckets an error for the sync-run record so the UI can
// distinguish "fix your credentials" from "try again later".
func errorClass(err error) string {
	var valErr *types.ValidationError
	var authErr *types.AuthError
	var lockErr *types.LockoutError
	switch {
	case errors.As(err, &valErr):
		return "validation"
	case errors.As(err, &lockErr):
		return "lockout"
	case errors.As(err, &authErr):
		return "auth"
	case types.IsTransient(err):
		return "transient"
	case errors.Is(err, types.ErrUnsupported):
		return "unsupported"
	default:
		return "unknown"
	}
}
