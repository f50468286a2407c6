package auth

import (
	"context"
	"sync"
	"time"

	"github.com/solsight/solsight/pkg/types"
	"golang.org/x/oauth2"
)

// SessionState describes where a session is in its lifecycle.
type SessionState string

const (
	// StateIdle means the session exists but has not been validated yet.
	StateIdle SessionState = "idle"
	// StateAuthorizing means the user has been redirected to the vendor's
	// consent page and we are waiting for the callback.
	StateAuthorizing SessionState = "authorizing"
	// StateExchanging means the callback arrived and the code is being
	// exchanged for tokens.
	StateExchanging SessionState = "exchanging"
	// StateSuccess means the session holds working credentials.
	StateSuccess SessionState = "success"
	// StateError means the last validation or refresh failed.
	StateError SessionState = "error"
)

// Session is the in-memory authenticated state for one credential profile.
// Secrets and tokens only ever live here, never in responses or logs.
type Session struct {
	ProfileID string
	UserID    string
	Vendor    types.VendorTag
	Mode      types.AuthMode

	mu      sync.Mutex
	state   SessionState
	secrets types.Secrets
	baseURL string

	// oauth2 only
	token     *oauth2.Token
	conf      *oauth2.Config
	plantIDs  []string
	lastErr   error
	tokenFunc func(ctx context.Context) (string, error)

	now func() time.Time
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Secrets returns the decrypted secrets this session was validated with.
func (s *Session) Secrets() types.Secrets {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets
}

// BaseURL returns the vendor API base override, empty for the default.
func (s *Session) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

// AuthorizedPlantIDs returns the vendor plant IDs granted during the OAuth2
// consent, nil for direct sessions.
func (s *Session) AuthorizedPlantIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.plantIDs))
	copy(ids, s.plantIDs)
	return ids
}

// PlantAuthorized reports whether the OAuth2 grant covers the given vendor
// plant ID. Direct sessions cover every plant the credentials can see.
func (s *Session) PlantAuthorized(vendorPlantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode() != types.AuthModeOAuth2 {
		return true
	}
	for _, id := range s.plantIDs {
		if id == vendorPlantID {
			return true
		}
	}
	return false
}

// mode must be called with s.mu held.
func (s *Session) mode() types.AuthMode {
	return s.Mode
}

// AccessToken returns a valid bearer token for an OAuth2 session, refreshing
// it first if needed. The manager wires in the refresh behavior when it
// caches the session; direct sessions have no token to hand out.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	fn := s.tokenFunc
	s.mu.Unlock()
	if fn == nil {
		return "", &types.AuthError{Vendor: s.Vendor, Code: "NOT_OAUTH2", Message: "session has no bearer token"}
	}
	return fn(ctx)
}

// Err returns the error that moved the session into StateError, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// expiresIn returns the remaining token validity. Must be called with s.mu
// held. Direct sessions never expire.
func (s *Session) expiresIn() time.Duration {
	if s.token == nil || s.token.Expiry.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return s.token.Expiry.Sub(s.now())
}
