package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/solsight/solsight/pkg/audit"
	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/types"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// refreshMargin is how long before token expiry we proactively refresh.
	refreshMargin = time.Minute

	lockoutThreshold = 5
	lockoutWindow    = 15 * time.Minute
)

// ProbeFunc performs a lightweight authenticated call against the vendor to
// prove the session's credentials work. Connectors supply these.
type ProbeFunc func(ctx context.Context, sess *Session) error

// Manager owns the in-memory session cache, keyed by profile ID. It runs the
// OAuth2 authorization flow, refreshes tokens before expiry, and locks out
// profiles after repeated authentication failures.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// pending maps an outstanding OAuth2 state token to the session waiting
	// in StateAuthorizing. Entries are one-shot.
	pending  map[string]*Session
	failures map[string][]time.Time
	locked   map[string]bool

	group       singleflight.Group
	sink        audit.Sink
	redirectURL string
	now         func() time.Time
}

// Configured sets up the session Manager based on flags.
func Configured(sink audit.Sink) *Manager {
	redirectURL := lflag.String("oauth-redirect-url", "http://localhost:8080/plants", "URL vendors redirect back to after OAuth2 consent")

	m := NewManager(sink)
	lflag.Do(func() {
		m.redirectURL = *redirectURL
	})
	return m
}

// NewManager creates a Manager with no sessions.
func NewManager(sink audit.Sink) *Manager {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Manager{
		sessions: make(map[string]*Session),
		pending:  make(map[string]*Session),
		failures: make(map[string][]time.Time),
		locked:   make(map[string]bool),
		sink:     sink,
		now:      time.Now,
	}
}

// SetNow overrides the clock. This is primarily used for testing.
func (m *Manager) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	for _, s := range m.sessions {
		s.mu.Lock()
		s.now = now
		s.mu.Unlock()
	}
}

// Session returns the cached session for the profile, if any. Sessions in
// StateError are not returned; callers must re-validate.
func (m *Manager) Session(profileID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[profileID]
	if !ok {
		return nil, false
	}
	if s.State() == StateError {
		return nil, false
	}
	return s, true
}

// Invalidate drops the cached session for a profile. Called when the profile
// is deleted or its secrets change so stale credentials are never reused.
func (m *Manager) Invalidate(profileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, profileID)
	for state, s := range m.pending {
		if s.ProfileID == profileID {
			delete(m.pending, state)
		}
	}
}

// Unlock clears a profile's failure lockout. Requires manual intervention by
// an operator; lockouts never expire on their own.
func (m *Manager) Unlock(profileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locked, profileID)
	delete(m.failures, profileID)
}

// checkLockout returns a LockoutError if the profile is locked.
// Must be called with m.mu held.
func (m *Manager) checkLockout(profileID string) error {
	if m.locked[profileID] {
		return &types.LockoutError{ProfileID: profileID, Failures: len(m.failures[profileID])}
	}
	return nil
}

// recordFailure notes a failed authentication attempt and locks the profile
// once the threshold is crossed within the window. Must be called with m.mu
// held.
func (m *Manager) recordFailure(ctx context.Context, profileID, userID string) {
	now := m.now()
	recent := m.failures[profileID][:0]
	for _, t := range m.failures[profileID] {
		if now.Sub(t) < lockoutWindow {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	m.failures[profileID] = recent

	if len(recent) >= lockoutThreshold {
		m.locked[profileID] = true
		log.Ctx(ctx).WarnContext(ctx, "profile locked out after repeated auth failures",
			slog.String("profileID", profileID),
			slog.Int("failures", len(recent)),
		)
		m.sink.Emit(ctx, types.AuditEvent{
			Action:  "auth.lockout",
			UserID:  userID,
			Success: false,
			Details: map[string]string{"profileID": profileID},
		})
	}
}

// TestConnection validates a profile's direct-mode credentials by probing the
// vendor. On success the validated session is cached and returned. Every
// attempt, success or failure, is audited.
func (m *Manager) TestConnection(ctx context.Context, profile types.CredentialProfile, secrets types.Secrets, probe ProbeFunc) (*Session, error) {
	m.mu.Lock()
	if err := m.checkLockout(profile.ID); err != nil {
		m.mu.Unlock()
		m.sink.Emit(ctx, types.AuditEvent{
			Action:  "auth.test_connection",
			UserID:  profile.UserID,
			Success: false,
			Details: map[string]string{"profileID": profile.ID, "error": "locked out"},
		})
		return nil, err
	}
	now := m.now
	m.mu.Unlock()

	sess := &Session{
		ProfileID: profile.ID,
		UserID:    profile.UserID,
		Vendor:    profile.Vendor,
		Mode:      types.AuthModeDirect,
		state:     StateIdle,
		secrets:   secrets,
		baseURL:   profile.BaseURL,
		now:       now,
	}

	err := probe(ctx, sess)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		sess.mu.Lock()
		sess.state = StateError
		sess.lastErr = err
		sess.mu.Unlock()
		// only a vendor credential rejection counts toward lockout; transient
		// trouble and local validation mistakes never do
		var authErr *types.AuthError
		if errors.As(err, &authErr) {
			m.recordFailure(ctx, profile.ID, profile.UserID)
		}
		m.sink.Emit(ctx, types.AuditEvent{
			Action:  "auth.test_connection",
			UserID:  profile.UserID,
			Success: false,
			Details: map[string]string{"profileID": profile.ID, "error": err.Error()},
		})
		return nil, err
	}

	sess.mu.Lock()
	sess.state = StateSuccess
	sess.mu.Unlock()
	delete(m.failures, profile.ID)
	m.sessions[profile.ID] = sess
	m.sink.Emit(ctx, types.AuditEvent{
		Action:  "auth.test_connection",
		UserID:  profile.UserID,
		Success: true,
		Details: map[string]string{"profileID": profile.ID},
	})
	return sess, nil
}

// oauthConfig builds the vendor OAuth2 endpoints for a profile. Only Sungrow
// profiles support the authorization-code mode today.
func (m *Manager) oauthConfig(profile types.CredentialProfile, secrets types.Secrets) (*oauth2.Config, error) {
	if secrets.Sungrow == nil || secrets.Sungrow.ClientID == "" || secrets.Sungrow.ClientSecret == "" {
		return nil, &types.ValidationError{Missing: []string{"clientID", "clientSecret"}}
	}
	base := profile.BaseURL
	if base == "" {
		base = "https://gateway.isolarcloud.com"
	}
	return &oauth2.Config{
		ClientID:     secrets.Sungrow.ClientID,
		ClientSecret: secrets.Sungrow.ClientSecret,
		RedirectURL:  m.redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + "/oauth/authorize",
			TokenURL:  base + "/openapi/apiManage/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, nil
}

// BeginAuthorization starts the OAuth2 flow for a profile. It returns the
// vendor consent URL the user must visit; the session waits in
// StateAuthorizing until CompleteAuthorization sees the callback.
func (m *Manager) BeginAuthorization(ctx context.Context, profile types.CredentialProfile, secrets types.Secrets) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLockout(profile.ID); err != nil {
		return "", err
	}

	conf, err := m.oauthConfig(profile, secrets)
	if err != nil {
		return "", err
	}

	state := uuid.NewString()
	sess := &Session{
		ProfileID: profile.ID,
		UserID:    profile.UserID,
		Vendor:    profile.Vendor,
		Mode:      types.AuthModeOAuth2,
		state:     StateAuthorizing,
		secrets:   secrets,
		baseURL:   profile.BaseURL,
		conf:      conf,
		now:       m.now,
	}
	m.pending[state] = sess

	log.Ctx(ctx).DebugContext(ctx, "started oauth2 authorization",
		slog.String("profileID", profile.ID),
		slog.String("vendor", string(profile.Vendor)),
	)
	return conf.AuthCodeURL(state), nil
}

// CompleteAuthorization handles the vendor callback: it consumes the state
// token exactly once, exchanges the code, and caches the resulting session.
// The authorized plant list from the token response is recorded on the
// session.
func (m *Manager) CompleteAuthorization(ctx context.Context, state, code string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.pending[state]
	// one-shot: a replayed or unknown state is rejected outright
	delete(m.pending, state)
	m.mu.Unlock()
	if !ok {
		return nil, &types.AuthError{Code: "INVALID_STATE", Message: "unknown or already used oauth2 state"}
	}

	sess.mu.Lock()
	sess.state = StateExchanging
	conf := sess.conf
	sess.mu.Unlock()

	tok, err := conf.Exchange(ctx, code)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		sess.mu.Lock()
		sess.state = StateError
		sess.lastErr = err
		sess.mu.Unlock()
		m.recordFailure(ctx, sess.ProfileID, sess.UserID)
		m.sink.Emit(ctx, types.AuditEvent{
			Action:  "auth.oauth2_exchange",
			UserID:  sess.UserID,
			Success: false,
			Details: map[string]string{"profileID": sess.ProfileID, "error": err.Error()},
		})
		return nil, &types.AuthError{Vendor: sess.Vendor, Code: "EXCHANGE_FAILED", Message: err.Error()}
	}

	plantIDs := authorizedPlantIDs(tok)

	sess.mu.Lock()
	sess.token = tok
	sess.plantIDs = plantIDs
	sess.state = StateSuccess
	sess.tokenFunc = func(ctx context.Context) (string, error) {
		return m.AccessToken(ctx, sess.ProfileID)
	}
	sess.mu.Unlock()

	delete(m.failures, sess.ProfileID)
	m.sessions[sess.ProfileID] = sess
	m.sink.Emit(ctx, types.AuditEvent{
		Action:  "auth.oauth2_exchange",
		UserID:  sess.UserID,
		Success: true,
		Details: map[string]string{
			"profileID": sess.ProfileID,
			"plants":    fmt.Sprintf("%d", len(plantIDs)),
		},
	})
	log.Ctx(ctx).InfoContext(ctx, "oauth2 authorization complete",
		slog.String("profileID", sess.ProfileID),
		slog.Int("authorizedPlants", len(plantIDs)),
	)
	return sess, nil
}

// authorizedPlantIDs pulls the granted plant list out of the token response.
// The vendor returns it either as a JSON array or a comma-joined string.
func authorizedPlantIDs(tok *oauth2.Token) []string {
	var ids []string
	switch v := tok.Extra("auth_ps_list").(type) {
	case []interface{}:
		for _, e := range v {
			ids = append(ids, fmt.Sprint(e))
		}
	case string:
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				ids = append(ids, e)
			}
		}
	}
	return ids
}

// AccessToken returns a valid bearer token for an OAuth2 session, refreshing
// it first if it expires within the margin. Concurrent callers share a single
// refresh per profile.
func (m *Manager) AccessToken(ctx context.Context, profileID string) (string, error) {
	m.mu.Lock()
	sess, ok := m.sessions[profileID]
	if !ok {
		m.mu.Unlock()
		return "", &types.AuthError{Code: "NO_SESSION", Message: "no session for profile"}
	}
	if err := m.checkLockout(profileID); err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.mu.Unlock()

	sess.mu.Lock()
	if sess.Mode != types.AuthModeOAuth2 {
		sess.mu.Unlock()
		return "", &types.AuthError{Code: "NOT_OAUTH2", Message: "session is not oauth2"}
	}
	if sess.state != StateSuccess {
		st := sess.state
		sess.mu.Unlock()
		return "", &types.AuthError{Code: "BAD_STATE", Message: fmt.Sprintf("session in state %s", st)}
	}
	if sess.expiresIn() > refreshMargin {
		tok := sess.token.AccessToken
		sess.mu.Unlock()
		return tok, nil
	}
	sess.mu.Unlock()

	v, err, _ := m.group.Do(profileID, func() (interface{}, error) {
		return m.refresh(ctx, sess)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refresh exchanges the refresh token for a new access token. On failure the
// session moves to StateError and the failure counts toward lockout.
func (m *Manager) refresh(ctx context.Context, sess *Session) (string, error) {
	sess.mu.Lock()
	// another caller may have refreshed while we waited on the flight group
	if sess.state == StateSuccess && sess.expiresIn() > refreshMargin {
		tok := sess.token.AccessToken
		sess.mu.Unlock()
		return tok, nil
	}
	conf := sess.conf
	refreshToken := ""
	if sess.token != nil {
		refreshToken = sess.token.RefreshToken
	}
	sess.mu.Unlock()

	if refreshToken == "" {
		return "", &types.AuthError{Vendor: sess.Vendor, Code: "NO_REFRESH_TOKEN", Message: "session has no refresh token"}
	}

	log.Ctx(ctx).DebugContext(ctx, "refreshing oauth2 token", slog.String("profileID", sess.ProfileID))
	// an empty access token forces the token source to hit the refresh
	// endpoint immediately
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		sess.mu.Lock()
		sess.state = StateError
		sess.lastErr = err
		sess.mu.Unlock()
		m.recordFailure(ctx, sess.ProfileID, sess.UserID)
		m.sink.Emit(ctx, types.AuditEvent{
			Action:  "auth.token_refresh",
			UserID:  sess.UserID,
			Success: false,
			Details: map[string]string{"profileID": sess.ProfileID, "error": err.Error()},
		})
		return "", &types.AuthError{Vendor: sess.Vendor, Code: "REFRESH_FAILED", Message: err.Error()}
	}

	sess.mu.Lock()
	// vendors that rotate refresh tokens return a new one; keep the old one
	// when they don't
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	sess.token = tok
	sess.state = StateSuccess
	access := tok.AccessToken
	sess.mu.Unlock()

	delete(m.failures, sess.ProfileID)
	return access, nil
}
