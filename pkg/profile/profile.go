package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/solsight/solsight/pkg/audit"
	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/storage"
	"github.com/solsight/solsight/pkg/types"
)

// ErrForbidden is returned when a caller touches a profile they don't own.
var ErrForbidden = errors.New("profile belongs to another user")

// SessionInvalidator drops cached auth state for a profile. Satisfied by the
// auth manager.
type SessionInvalidator interface {
	Invalidate(profileID string)
}

// Store owns credential profiles: named, reusable vendor-credential bundles.
// Secret fields are AES-GCM encrypted before they reach storage and sessions
// are invalidated whenever secrets change or a profile is removed.
type Store struct {
	db            storage.Database
	sessions      SessionInvalidator
	sink          audit.Sink
	encryptionKey string
	now           func() time.Time
}

// Configured sets up the profile Store based on flags.
func Configured(db storage.Database, sessions SessionInvalidator, sink audit.Sink) *Store {
	key := lflag.String("credentials-encryption-key", "", "32-byte key used to encrypt vendor credentials at rest")

	s := New(db, sessions, sink, "")
	lflag.Do(func() {
		s.encryptionKey = *key
	})
	return s
}

// New creates a Store.
func New(db storage.Database, sessions SessionInvalidator, sink audit.Sink, encryptionKey string) *Store {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Store{
		db:            db,
		sessions:      sessions,
		sink:          sink,
		encryptionKey: encryptionKey,
		now:           time.Now,
	}
}

// validate checks the profile shape and the per-vendor required secret
// fields, collecting every missing field so the user fixes them in one pass.
func validate(profile types.CredentialProfile, secrets types.Secrets) error {
	var missing []string
	if profile.Name == "" {
		missing = append(missing, "name")
	}
	if profile.UserID == "" {
		missing = append(missing, "userID")
	}

	switch profile.Vendor {
	case types.VendorSolarEdge:
		if profile.AuthMode != types.AuthModeDirect {
			return &types.ValidationError{Message: "solaredge only supports direct mode"}
		}
		if secrets.SolarEdge == nil {
			missing = append(missing, "apiKey", "siteID")
			break
		}
		if secrets.SolarEdge.APIKey == "" {
			missing = append(missing, "apiKey")
		}
		if secrets.SolarEdge.SiteID == "" {
			missing = append(missing, "siteID")
		}
	case types.VendorSungrow:
		if secrets.Sungrow == nil {
			missing = append(missing, "appKey", "accessKey")
			break
		}
		if secrets.Sungrow.AppKey == "" {
			missing = append(missing, "appKey")
		}
		if secrets.Sungrow.AccessKey == "" {
			missing = append(missing, "accessKey")
		}
		switch profile.AuthMode {
		case types.AuthModeOAuth2:
			if secrets.Sungrow.ClientID == "" {
				missing = append(missing, "clientID")
			}
			if secrets.Sungrow.ClientSecret == "" {
				missing = append(missing, "clientSecret")
			}
		default:
			if secrets.Sungrow.Account == "" {
				missing = append(missing, "account")
			}
			if secrets.Sungrow.Password == "" {
				missing = append(missing, "password")
			}
		}
	case types.VendorManual:
		// nothing to validate, there are no credentials
	default:
		return &types.ValidationError{Message: fmt.Sprintf("unknown vendor: %s", profile.Vendor)}
	}

	if len(missing) > 0 {
		return &types.ValidationError{Missing: missing}
	}
	return nil
}

// Create validates, encrypts, and persists a new profile.
func (s *Store) Create(ctx context.Context, profile types.CredentialProfile, secrets types.Secrets) (types.CredentialProfile, error) {
	if err := validate(profile, secrets); err != nil {
		return types.CredentialProfile{}, err
	}

	encrypted, err := s.encryptSecrets(ctx, secrets)
	if err != nil {
		return types.CredentialProfile{}, err
	}

	now := s.now().UTC()
	profile.ID = uuid.NewString()
	profile.CreatedAt = now
	profile.UpdatedAt = now
	profile.IsDefault = false
	profile.EncryptedSecrets = encrypted

	if err := s.db.CreateProfile(ctx, profile); err != nil {
		return types.CredentialProfile{}, err
	}

	log.Ctx(ctx).InfoContext(ctx, "created credential profile",
		slog.String("profileID", profile.ID),
		slog.String("vendor", string(profile.Vendor)),
	)
	s.sink.Emit(ctx, types.AuditEvent{
		Action:  "profile.create",
		UserID:  profile.UserID,
		Success: true,
		Details: map[string]string{"profileID": profile.ID, "vendor": string(profile.Vendor)},
	})
	return redact(profile), nil
}

// Update applies name/baseURL changes and, when newSecrets is non-nil,
// replaces the secret blob and invalidates any cached session so stale
// credentials are never reused.
func (s *Store) Update(ctx context.Context, userID, id string, name, baseURL string, newSecrets *types.Secrets) (types.CredentialProfile, error) {
	existing, err := s.owned(ctx, userID, id)
	if err != nil {
		return types.CredentialProfile{}, err
	}

	if name != "" {
		existing.Name = name
	}
	existing.BaseURL = baseURL

	if newSecrets != nil {
		if err := validate(existing, *newSecrets); err != nil {
			return types.CredentialProfile{}, err
		}
		encrypted, err := s.encryptSecrets(ctx, *newSecrets)
		if err != nil {
			return types.CredentialProfile{}, err
		}
		existing.EncryptedSecrets = encrypted
	}
	existing.UpdatedAt = s.now().UTC()

	if err := s.db.UpdateProfile(ctx, existing); err != nil {
		return types.CredentialProfile{}, err
	}

	if newSecrets != nil && s.sessions != nil {
		s.sessions.Invalidate(id)
	}
	s.sink.Emit(ctx, types.AuditEvent{
		Action:  "profile.update",
		UserID:  userID,
		Success: true,
		Details: map[string]string{"profileID": id, "secretsChanged": boolStr(newSecrets != nil)},
	})
	return redact(existing), nil
}

// Delete removes a profile and drops its cached session.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	if err := s.db.DeleteProfile(ctx, id); err != nil {
		return err
	}
	if s.sessions != nil {
		s.sessions.Invalidate(id)
	}
	log.Ctx(ctx).InfoContext(ctx, "deleted credential profile", slog.String("profileID", id))
	s.sink.Emit(ctx, types.AuditEvent{
		Action:  "profile.delete",
		UserID:  userID,
		Success: true,
		Details: map[string]string{"profileID": id},
	})
	return nil
}

// List returns the user's profiles with secret blobs stripped.
func (s *Store) List(ctx context.Context, userID string) ([]types.CredentialProfile, error) {
	profiles, err := s.db.ListProfiles(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]types.CredentialProfile, len(profiles))
	for i, p := range profiles {
		out[i] = redact(p)
	}
	return out, nil
}

// Get returns one profile with the secret blob stripped.
func (s *Store) Get(ctx context.Context, userID, id string) (types.CredentialProfile, error) {
	p, err := s.owned(ctx, userID, id)
	if err != nil {
		return types.CredentialProfile{}, err
	}
	return redact(p), nil
}

// SetDefault marks the profile as the default for its (user, vendor) pair.
// The storage layer clears the previous default in the same transaction, so
// exactly one default survives.
func (s *Store) SetDefault(ctx context.Context, userID, id string) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	if err := s.db.SetDefaultProfile(ctx, id); err != nil {
		return err
	}
	s.sink.Emit(ctx, types.AuditEvent{
		Action:  "profile.set_default",
		UserID:  userID,
		Success: true,
		Details: map[string]string{"profileID": id},
	})
	return nil
}

// Secrets decrypts a profile's secret blob for internal use. Every access is
// audited; the plaintext must never be serialized back to a caller.
func (s *Store) Secrets(ctx context.Context, userID, id string) (types.CredentialProfile, types.Secrets, error) {
	p, err := s.owned(ctx, userID, id)
	if err != nil {
		return types.CredentialProfile{}, types.Secrets{}, err
	}
	secrets, err := s.decryptSecrets(ctx, p.EncryptedSecrets)
	if err != nil {
		return types.CredentialProfile{}, types.Secrets{}, err
	}
	s.sink.Emit(ctx, types.AuditEvent{
		Action:  "profile.access",
		UserID:  userID,
		Success: true,
		Details: map[string]string{"profileID": id},
	})
	return p, secrets, nil
}

// DefaultForVendor returns the user's default profile for a vendor, falling
// back to the only profile when just one exists.
func (s *Store) DefaultForVendor(ctx context.Context, userID string, vendor types.VendorTag) (types.CredentialProfile, error) {
	profiles, err := s.db.ListProfiles(ctx, userID)
	if err != nil {
		return types.CredentialProfile{}, err
	}
	var candidates []types.CredentialProfile
	for _, p := range profiles {
		if p.Vendor != vendor {
			continue
		}
		if p.IsDefault {
			return p, nil
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	return types.CredentialProfile{}, storage.ErrProfileNotFound
}

// owned fetches a profile and enforces ownership.
func (s *Store) owned(ctx context.Context, userID, id string) (types.CredentialProfile, error) {
	p, err := s.db.GetProfile(ctx, id)
	if err != nil {
		return types.CredentialProfile{}, err
	}
	if p.UserID != userID {
		log.Ctx(ctx).WarnContext(ctx, "profile ownership violation",
			slog.String("profileID", id),
			slog.String("userID", userID),
		)
		s.sink.Emit(ctx, types.AuditEvent{
			Action:  "profile.access",
			UserID:  userID,
			Success: false,
			Details: map[string]string{"profileID": id, "error": "forbidden"},
		})
		return types.CredentialProfile{}, ErrForbidden
	}
	return p, nil
}

// redact strips the encrypted blob before a profile leaves the store.
func redact(p types.CredentialProfile) types.CredentialProfile {
	p.EncryptedSecrets = nil
	return p
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
