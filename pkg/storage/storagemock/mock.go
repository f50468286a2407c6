package storagemock

import (
	"context"
	"time"

	"github.com/solsight/solsight/pkg/storage"
	"github.com/solsight/solsight/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) GetProfile(ctx context.Context, id string) (types.CredentialProfile, error) {
	args := m.Called(ctx, id)
	if len(args) > 0 {
		return args.Get(0).(types.CredentialProfile), args.Error(1)
	}
	return types.CredentialProfile{}, nil
}

func (m *MockDatabase) ListProfiles(ctx context.Context, userID string) ([]types.CredentialProfile, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		// comma-ok so tests can Return(nil, ...)
		profiles, _ := args.Get(0).([]types.CredentialProfile)
		return profiles, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) CreateProfile(ctx context.Context, profile types.CredentialProfile) error {
	args := m.Called(ctx, profile)
	return args.Error(0)
}

func (m *MockDatabase) UpdateProfile(ctx context.Context, profile types.CredentialProfile) error {
	args := m.Called(ctx, profile)
	return args.Error(0)
}

func (m *MockDatabase) DeleteProfile(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDatabase) SetDefaultProfile(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDatabase) GetPlant(ctx context.Context, id string) (types.Plant, error) {
	args := m.Called(ctx, id)
	if len(args) > 0 {
		return args.Get(0).(types.Plant), args.Error(1)
	}
	return types.Plant{}, nil
}

func (m *MockDatabase) ListPlants(ctx context.Context, userID string) ([]types.Plant, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		plants, _ := args.Get(0).([]types.Plant)
		return plants, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) ListAllPlants(ctx context.Context) ([]types.Plant, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		plants, _ := args.Get(0).([]types.Plant)
		return plants, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertPlant(ctx context.Context, plant types.Plant) error {
	args := m.Called(ctx, plant)
	return args.Error(0)
}

func (m *MockDatabase) UpsertReadings(ctx context.Context, plantID string, readings []types.CanonicalReading) error {
	args := m.Called(ctx, plantID, readings)
	return args.Error(0)
}

func (m *MockDatabase) GetReadings(ctx context.Context, plantID string, start, end time.Time) ([]types.CanonicalReading, error) {
	args := m.Called(ctx, plantID, start, end)
	if len(args) > 0 {
		readings, _ := args.Get(0).([]types.CanonicalReading)
		return readings, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestReading(ctx context.Context, plantID string) (*types.CanonicalReading, error) {
	args := m.Called(ctx, plantID)
	if len(args) > 0 {
		if r := args.Get(0); r != nil {
			return r.(*types.CanonicalReading), args.Error(1)
		}
		return nil, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) InsertSyncRun(ctx context.Context, run types.SyncRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockDatabase) GetSyncRuns(ctx context.Context, plantID string, start, end time.Time) ([]types.SyncRun, error) {
	args := m.Called(ctx, plantID, start, end)
	if len(args) > 0 {
		runs, _ := args.Get(0).([]types.SyncRun)
		return runs, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) InsertAuditEvent(ctx context.Context, event types.AuditEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockDatabase) GetAuditEvents(ctx context.Context, start, end time.Time) ([]types.AuditEvent, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		events, _ := args.Get(0).([]types.AuditEvent)
		return events, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetUser(ctx context.Context, userID string) (types.User, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).(types.User), args.Error(1)
	}
	return types.User{}, nil
}

func (m *MockDatabase) CreateUser(ctx context.Context, user types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
