package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/solsight/solsight/pkg/types"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrPlantNotFound   = errors.New("plant not found")
	ErrProfileNotFound = errors.New("credential profile not found")
)

// Database defines the interface for persisting dashboard data: credential
// profiles, plants, canonical readings, sync runs, and audit events.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Credential profiles
	GetProfile(ctx context.Context, id string) (types.CredentialProfile, error)
	ListProfiles(ctx context.Context, userID string) ([]types.CredentialProfile, error)
	CreateProfile(ctx context.Context, profile types.CredentialProfile) error
	UpdateProfile(ctx context.Context, profile types.CredentialProfile) error
	DeleteProfile(ctx context.Context, id string) error
	// SetDefaultProfile marks the profile default and clears any previous
	// default for the same (user, vendor) pair in a single transaction.
	SetDefaultProfile(ctx context.Context, id string) error

	// Plants
	GetPlant(ctx context.Context, id string) (types.Plant, error)
	ListPlants(ctx context.Context, userID string) ([]types.Plant, error)
	ListAllPlants(ctx context.Context) ([]types.Plant, error)
	UpsertPlant(ctx context.Context, plant types.Plant) error

	// Canonical readings
	UpsertReadings(ctx context.Context, plantID string, readings []types.CanonicalReading) error
	GetReadings(ctx context.Context, plantID string, start, end time.Time) ([]types.CanonicalReading, error)
	GetLatestReading(ctx context.Context, plantID string) (*types.CanonicalReading, error)

	// Sync run history (append-only)
	InsertSyncRun(ctx context.Context, run types.SyncRun) error
	GetSyncRuns(ctx context.Context, plantID string, start, end time.Time) ([]types.SyncRun, error)

	// Audit events (append-only)
	InsertAuditEvent(ctx context.Context, event types.AuditEvent) error
	GetAuditEvents(ctx context.Context, start, end time.Time) ([]types.AuditEvent, error)

	// Users
	GetUser(ctx context.Context, userID string) (types.User, error)
	CreateUser(ctx context.Context, user types.User) error

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
