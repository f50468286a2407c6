package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Records are stored as JSON blobs with a few top-level fields for
// indexing, and timestamp-derived document IDs for efficient range queries.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) plantCollection(plantID, name string) (*firestore.CollectionRef, error) {
	if plantID == "" {
		return nil, fmt.Errorf("plantID cannot be empty")
	}
	return f.client.Collection("plants").Doc(plantID).Collection(name), nil
}

func decodeJSONField(doc *firestore.DocumentSnapshot, dest interface{}) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.client.Collection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// Return default settings if not found
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var s types.Settings
	if err := decodeJSONField(doc, &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings doc", slog.Any("err", err))
		return types.Settings{}, 0, err
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings" document.
// It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	_, err = f.client.Collection("config").Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func profileDocData(profile types.CredentialProfile) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profile %s: %w", profile.ID, err)
	}
	// userID, vendor and isDefault are duplicated at the top level so the
	// default-clearing transaction can query on them.
	return map[string]interface{}{
		"json":      string(jsonBytes),
		"userID":    profile.UserID,
		"vendor":    string(profile.Vendor),
		"isDefault": profile.IsDefault,
	}, nil
}

// GetProfile retrieves a credential profile from the "profiles" collection.
func (f *FirestoreProvider) GetProfile(ctx context.Context, id string) (types.CredentialProfile, error) {
	doc, err := f.client.Collection("profiles").Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.CredentialProfile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
		}
		return types.CredentialProfile{}, fmt.Errorf("failed to get profile %s: %w", id, err)
	}

	var p types.CredentialProfile
	if err := decodeJSONField(doc, &p); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode profile doc", slog.String("profileID", id), slog.Any("err", err))
		return types.CredentialProfile{}, err
	}
	return p, nil
}

// ListProfiles retrieves all credential profiles owned by a user.
func (f *FirestoreProvider) ListProfiles(ctx context.Context, userID string) ([]types.CredentialProfile, error) {
	iter := f.client.Collection("profiles").Where("userID", "==", userID).Documents(ctx)
	defer iter.Stop()

	var profiles []types.CredentialProfile
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating profiles: %w", err)
		}

		var p types.CredentialProfile
		if err := decodeJSONField(doc, &p); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed profile doc", slog.String("profileID", doc.Ref.ID), slog.Any("err", err))
			continue
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// CreateProfile creates a new credential profile document.
func (f *FirestoreProvider) CreateProfile(ctx context.Context, profile types.CredentialProfile) error {
	data, err := profileDocData(profile)
	if err != nil {
		return err
	}
	if _, err := f.client.Collection("profiles").Doc(profile.ID).Create(ctx, data); err != nil {
		return fmt.Errorf("failed to create profile %s: %w", profile.ID, err)
	}
	return nil
}

// UpdateProfile overwrites an existing credential profile document.
func (f *FirestoreProvider) UpdateProfile(ctx context.Context, profile types.CredentialProfile) error {
	data, err := profileDocData(profile)
	if err != nil {
		return err
	}
	if _, err := f.client.Collection("profiles").Doc(profile.ID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to update profile %s: %w", profile.ID, err)
	}
	return nil
}

// DeleteProfile removes a credential profile document.
func (f *FirestoreProvider) DeleteProfile(ctx context.Context, id string) error {
	if _, err := f.client.Collection("profiles").Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete profile %s: %w", id, err)
	}
	return nil
}

// SetDefaultProfile marks the given profile default and clears the previous
// default for the same (user, vendor) pair inside one transaction so that no
// two profiles can end the transaction both marked default.
func (f *FirestoreProvider) SetDefaultProfile(ctx context.Context, id string) error {
	targetRef := f.client.Collection("profiles").Doc(id)
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(targetRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
			}
			return fmt.Errorf("failed to get profile %s: %w", id, err)
		}
		var target types.CredentialProfile
		if err := decodeJSONField(doc, &target); err != nil {
			return err
		}

		// find any current defaults for the same (user, vendor)
		iter := tx.Documents(f.client.Collection("profiles").
			Where("userID", "==", target.UserID).
			Where("vendor", "==", string(target.Vendor)).
			Where("isDefault", "==", true))
		defer iter.Stop()

		var clear []types.CredentialProfile
		for {
			d, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return fmt.Errorf("error iterating default profiles: %w", err)
			}
			if d.Ref.ID == id {
				continue
			}
			var p types.CredentialProfile
			if err := decodeJSONField(d, &p); err != nil {
				return err
			}
			p.IsDefault = false
			clear = append(clear, p)
		}

		for _, p := range clear {
			data, err := profileDocData(p)
			if err != nil {
				return err
			}
			if err := tx.Set(f.client.Collection("profiles").Doc(p.ID), data); err != nil {
				return err
			}
		}

		target.IsDefault = true
		data, err := profileDocData(target)
		if err != nil {
			return err
		}
		return tx.Set(targetRef, data)
	})
}

// GetPlant retrieves a plant from the "plants" collection.
func (f *FirestoreProvider) GetPlant(ctx context.Context, id string) (types.Plant, error) {
	doc, err := f.client.Collection("plants").Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Plant{}, fmt.Errorf("%w: %s", ErrPlantNotFound, id)
		}
		return types.Plant{}, fmt.Errorf("failed to get plant %s: %w", id, err)
	}

	var plant types.Plant
	if err := decodeJSONField(doc, &plant); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode plant doc", slog.String("plantID", id), slog.Any("err", err))
		return types.Plant{}, err
	}
	return plant, nil
}

// ListPlants retrieves all plants owned by a user.
func (f *FirestoreProvider) ListPlants(ctx context.Context, userID string) ([]types.Plant, error) {
	iter := f.client.Collection("plants").Where("userID", "==", userID).Documents(ctx)
	defer iter.Stop()
	return f.collectPlants(ctx, iter)
}

// ListAllPlants retrieves every plant. Used by the sync scheduler.
func (f *FirestoreProvider) ListAllPlants(ctx context.Context) ([]types.Plant, error) {
	iter := f.client.Collection("plants").Documents(ctx)
	defer iter.Stop()
	return f.collectPlants(ctx, iter)
}

func (f *FirestoreProvider) collectPlants(ctx context.Context, iter *firestore.DocumentIterator) ([]types.Plant, error) {
	var plants []types.Plant
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating plants: %w", err)
		}

		var plant types.Plant
		if err := decodeJSONField(doc, &plant); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed plant doc", slog.String("plantID", doc.Ref.ID), slog.Any("err", err))
			continue
		}
		plants = append(plants, plant)
	}
	return plants, nil
}

// UpsertPlant creates or updates a plant document.
func (f *FirestoreProvider) UpsertPlant(ctx context.Context, plant types.Plant) error {
	jsonBytes, err := json.Marshal(plant)
	if err != nil {
		return fmt.Errorf("failed to marshal plant %s: %w", plant.ID, err)
	}
	_, err = f.client.Collection("plants").Doc(plant.ID).Set(ctx, map[string]interface{}{
		"json":   string(jsonBytes),
		"userID": plant.UserID,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert plant %s: %w", plant.ID, err)
	}
	return nil
}

// UpsertReadings adds or updates canonical readings in the plant's "readings"
// sub-collection. The document ID is the RFC3339 timestamp for lexicographic
// ordering and efficient range queries.
func (f *FirestoreProvider) UpsertReadings(ctx context.Context, plantID string, readings []types.CanonicalReading) error {
	coll, err := f.plantCollection(plantID, "readings")
	if err != nil {
		return err
	}
	for _, r := range readings {
		if r.Timestamp.IsZero() {
			return fmt.Errorf("reading missing timestamp")
		}
		jsonBytes, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal reading: %w", err)
		}
		docID := r.Timestamp.UTC().Format(time.RFC3339)
		_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": r.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert reading %s: %w", docID, err)
		}
	}
	return nil
}

// GetReadings retrieves canonical readings within the specified time range.
// Uses document ID range queries for efficient filtering without reading all
// documents.
func (f *FirestoreProvider) GetReadings(ctx context.Context, plantID string, start, end time.Time) ([]types.CanonicalReading, error) {
	coll, err := f.plantCollection(plantID, "readings")
	if err != nil {
		return nil, err
	}

	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var readings []types.CanonicalReading
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating readings: %w", err)
		}

		var r types.CanonicalReading
		if err := decodeJSONField(doc, &r); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to decode reading doc", slog.String("docID", doc.Ref.ID), slog.String("plantID", plantID), slog.Any("err", err))
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// GetLatestReading retrieves the most recent canonical reading for a plant,
// or nil if the plant has none.
func (f *FirestoreProvider) GetLatestReading(ctx context.Context, plantID string) (*types.CanonicalReading, error) {
	coll, err := f.plantCollection(plantID, "readings")
	if err != nil {
		return nil, err
	}

	// firestore automatically creates indexes for top-level fields
	iter := coll.
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest reading: %w", err)
	}

	var r types.CanonicalReading
	if err := decodeJSONField(doc, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertSyncRun appends a finalized sync run to the plant's "sync_runs"
// sub-collection. Runs are never mutated after insertion.
func (f *FirestoreProvider) InsertSyncRun(ctx context.Context, run types.SyncRun) error {
	coll, err := f.plantCollection(run.PlantID, "sync_runs")
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal sync run: %w", err)
	}
	// timestamp prefix keeps runs ordered; the run ID suffix keeps runs
	// started within the same second from colliding
	docID := run.Start.UTC().Format(time.RFC3339) + "_" + run.ID
	_, err = coll.Doc(docID).Create(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": run.Start,
	})
	if err != nil {
		return fmt.Errorf("failed to insert sync run %s: %w", docID, err)
	}
	return nil
}

// GetSyncRuns retrieves sync runs within the specified time range.
func (f *FirestoreProvider) GetSyncRuns(ctx context.Context, plantID string, start, end time.Time) ([]types.SyncRun, error) {
	coll, err := f.plantCollection(plantID, "sync_runs")
	if err != nil {
		return nil, err
	}

	iter := coll.
		Where("timestamp", ">=", start).
		Where("timestamp", "<", end).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var runs []types.SyncRun
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating sync runs: %w", err)
		}

		var run types.SyncRun
		if err := decodeJSONField(doc, &run); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to decode sync run doc", slog.String("docID", doc.Ref.ID), slog.String("plantID", plantID), slog.Any("err", err))
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// InsertAuditEvent appends a security audit event to the "audit_events"
// collection.
func (f *FirestoreProvider) InsertAuditEvent(ctx context.Context, event types.AuditEvent) error {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	_, _, err = f.client.Collection("audit_events").Add(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": event.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// GetAuditEvents retrieves audit events within the specified time range.
func (f *FirestoreProvider) GetAuditEvents(ctx context.Context, start, end time.Time) ([]types.AuditEvent, error) {
	iter := f.client.Collection("audit_events").
		Where("timestamp", ">=", start).
		Where("timestamp", "<", end).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var events []types.AuditEvent
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating audit events: %w", err)
		}

		var ev types.AuditEvent
		if err := decodeJSONField(doc, &ev); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed audit event doc", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// GetUser retrieves a user from the "users" collection.
func (f *FirestoreProvider) GetUser(ctx context.Context, userID string) (types.User, error) {
	doc, err := f.client.Collection("users").Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return types.User{}, fmt.Errorf("failed to get user %s: %w", userID, err)
	}

	var user types.User
	if err := decodeJSONField(doc, &user); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode user doc", slog.String("userID", userID), slog.Any("err", err))
		return types.User{}, err
	}
	return user, nil
}

// CreateUser creates a new user document in the "users" collection.
func (f *FirestoreProvider) CreateUser(ctx context.Context, user types.User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", user.ID, err)
	}
	_, err = f.client.Collection("users").Doc(user.ID).Create(ctx, map[string]interface{}{
		"json": string(userJSON),
	})
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.ID, err)
	}
	return nil
}
