package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/solsight/solsight/pkg/aggregate"
	"github.com/solsight/solsight/pkg/audit"
	"github.com/solsight/solsight/pkg/auth"
	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/normalize"
	"github.com/solsight/solsight/pkg/profile"
	"github.com/solsight/solsight/pkg/provider"
	"github.com/solsight/solsight/pkg/storage"
	"github.com/solsight/solsight/pkg/syncer"
	"github.com/solsight/solsight/pkg/types"
)

const authTokenCookie = "auth_token"

type contextKey string

const (
	userContextKey           contextKey = "user"
	userToRegisterContextKey contextKey = "userToRegister"
)

// tokenVerifier is a function that validates a Google or Apple ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API for the SolSight dashboard backend. It
// orchestrates interactions between the credential profiles, vendor
// connectors, the sync scheduler, and storage.
type Server struct {
	profiles  *profile.Store
	providers *provider.Map
	sessions  *auth.Manager
	syncer    *syncer.Syncer
	storage   storage.Database
	sink      audit.Sink
	agg       *aggregate.Engine
	norm      *normalize.Normalizer

	listenAddr string
	devProxy   string
	httpServer *http.Server

	adminEmails   []string
	oidcAudiences map[string]string
	oidcVerifiers map[string]tokenVerifier
	bypassAuth    bool
	release       string
	serverName    string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(p *profile.Store, pm *provider.Map, am *auth.Manager, sy *syncer.Syncer, s storage.Database, sink audit.Sink) *Server {
	srv := &Server{
		profiles:   p,
		providers:  pm,
		sessions:   am,
		syncer:     sy,
		storage:    s,
		sink:       sink,
		agg:        aggregate.New(),
		norm:       normalize.New(),
		serverName: "solsight",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	devProxy := lflag.String("dev-proxy", "", "Address of the dashboard dev server (e.g. http://localhost:5173)")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed admin operations")
	oidcAudience := lflag.String("oidc-audience", "", "audience/client ID to validate for Google id tokens")
	oidcAudiences := map[string]string{}
	lflag.JSON(&oidcAudiences, "oidc-audiences", oidcAudiences, "JSON map of provider (google/apple) to audience/client ID")
	release := lflag.String("release", "production", "Release environment (production or staging)")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.devProxy = *devProxy
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if len(oidcAudiences) > 0 {
			srv.oidcAudiences = make(map[string]string, len(oidcAudiences))
			srv.oidcVerifiers = make(map[string]tokenVerifier, len(oidcAudiences))
			for n, a := range oidcAudiences {
				var issuer string
				switch n {
				case "google":
					issuer = "https://accounts.google.com"
				case "apple":
					issuer = "https://appleid.apple.com"
				default:
					log.Ctx(context.Background()).Error("unsupported oidc audience client", slog.String("client", n))
					os.Exit(1)
				}
				oidcProvider, err := oidc.NewProvider(context.Background(), issuer)
				if err != nil {
					log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("client", n), slog.Any("error", err))
					os.Exit(1)
				}
				srv.oidcVerifiers[n] = oidcProvider.Verifier(&oidc.Config{ClientID: a}).Verify
				srv.oidcAudiences[n] = a
			}
		} else if *oidcAudience != "" {
			googleProvider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifiers = map[string]tokenVerifier{
				"google": googleProvider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify,
			}
			srv.oidcAudiences = map[string]string{
				"google": *oidcAudience,
			}
		}
		srv.release = *release

		if srv.devProxy != "" && len(srv.oidcAudiences) == 0 && len(srv.adminEmails) == 0 {
			srv.bypassAuth = true
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	apiMux.HandleFunc("POST /api/auth/login", s.handleLogin)
	apiMux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	apiMux.HandleFunc("POST /api/join", s.handleJoin)

	apiMux.HandleFunc("GET /api/profiles", s.handleListProfiles)
	apiMux.HandleFunc("POST /api/profiles", s.handleCreateProfile)
	apiMux.HandleFunc("PUT /api/profiles/{id}", s.handleUpdateProfile)
	apiMux.HandleFunc("DELETE /api/profiles/{id}", s.handleDeleteProfile)
	apiMux.HandleFunc("POST /api/profiles/{id}/default", s.handleSetDefaultProfile)
	apiMux.HandleFunc("POST /api/profiles/{id}/test", s.handleTestConnection)
	apiMux.HandleFunc("POST /api/profiles/{id}/unlock", s.handleUnlockProfile)
	apiMux.HandleFunc("GET /api/profiles/{id}/discover", s.handleDiscoverPlants)
	apiMux.HandleFunc("POST /api/profiles/{id}/authorize", s.handleBeginAuthorization)

	apiMux.HandleFunc("GET /api/plants", s.handleListPlants)
	apiMux.HandleFunc("POST /api/plants", s.handleUpsertPlant)
	apiMux.HandleFunc("POST /api/plants/{id}/readings", s.handleRecordReading)
	apiMux.HandleFunc("POST /api/plants/{id}/sync", s.handleTriggerSync)
	apiMux.HandleFunc("GET /api/plants/{id}/sync/history", s.handleSyncHistory)

	apiMux.HandleFunc("GET /api/metrics", s.handleMetrics)
	apiMux.HandleFunc("GET /api/series", s.handleSeries)
	apiMux.HandleFunc("GET /api/powerflow", s.handlePowerFlow)

	apiMux.HandleFunc("GET /api/list/providers", s.handleListProviders)
	apiMux.HandleFunc("GET /api/list/audit", s.handleListAudit)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("GET /plants", s.authMiddleware(http.HandlerFunc(s.handlePlantsPage)))

	// the dashboard frontend is served by a separate process; in development
	// we reverse-proxy to it so the OAuth2 redirect origin matches
	if s.devProxy != "" {
		u, err := url.Parse(s.devProxy)
		if err != nil {
			panic(fmt.Errorf("invalid dev-proxy url (%s): %w", s.devProxy, err))
		}
		mux.Handle("/", httputil.NewSingleHostReverseProxy(u))
	}
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

func (s *Server) getUser(r *http.Request) types.User {
	if user, ok := r.Context().Value(userContextKey).(types.User); ok {
		return user
	}
	return types.User{}
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// writeTypedError maps the error taxonomy onto HTTP statuses so the UI can
// distinguish "fix your credentials" from "try again later".
func (s *Server) writeTypedError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var valErr *types.ValidationError
	var authErr *types.AuthError
	var lockErr *types.LockoutError
	var cdErr *types.CooldownError
	switch {
	case errors.As(err, &valErr):
		writeJSONError(w, valErr.Error(), http.StatusBadRequest)
	case errors.As(err, &lockErr):
		writeJSONError(w, lockErr.Error(), http.StatusLocked)
	case errors.As(err, &authErr):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		if encErr := json.NewEncoder(w).Encode(struct {
			Error string `json:"error"`
			Code  string `json:"code,omitempty"`
		}{Error: authErr.Error(), Code: authErr.Code}); encErr != nil {
			panic(http.ErrAbortHandler)
		}
	case errors.As(err, &cdErr):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(cdErr.Until).Seconds())+1))
		writeJSONError(w, cdErr.Error(), http.StatusTooManyRequests)
	case types.IsTransient(err):
		writeJSONError(w, "vendor temporarily unavailable, try again later", http.StatusServiceUnavailable)
	case errors.Is(err, types.ErrUnsupported):
		writeJSONError(w, err.Error(), http.StatusNotImplemented)
	case errors.Is(err, profile.ErrForbidden):
		writeJSONError(w, "access denied", http.StatusForbidden)
	case errors.Is(err, storage.ErrProfileNotFound), errors.Is(err, storage.ErrPlantNotFound), errors.Is(err, storage.ErrUserNotFound):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	default:
		log.Ctx(ctx).ErrorContext(ctx, "request failed", slog.Any("error", err))
		writeJSONError(w, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

// isAdmin returns true if the user's email is in the adminEmails list.
func (s *Server) isAdmin(user types.User) bool {
	if user.Admin {
		return true
	}
	for _, adminEmail := range s.adminEmails {
		if user.Email == adminEmail {
			return true
		}
	}
	return false
}
