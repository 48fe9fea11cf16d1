package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/citywater/citywater/pkg/log"
	"github.com/citywater/citywater/pkg/poller"
	"github.com/citywater/citywater/pkg/storage"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// tokenVerifier is a function that validates a Google ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API and the polling schedule. It orchestrates
// interactions between the pollers and storage.
type Server struct {
	pollers *poller.Map
	storage storage.Database

	listenAddr string
	httpServer *http.Server

	pollInterval  time.Duration
	updateEmail   string
	oidcAudience  string
	oidcVerifier  tokenVerifier
	portalBaseURL string
	serverName    string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(m *poller.Map, db storage.Database) *Server {
	srv := &Server{
		pollers:    m,
		storage:    db,
		serverName: "citywater",
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
	pollInterval := lflag.Duration("poll-interval", poller.DefaultInterval, "Interval between scheduled polls")
	updateEmail := lflag.String("update-specific-email", "", "email to validate for mutating endpoints")
	oidcAudience := lflag.String("oidc-audience", "", "audience to validate for id tokens on mutating endpoints")
	portalBaseURL := lflag.String("portal-base-url", "https://city4u.co.il", "Base URL for portal configuration links")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.pollInterval = *pollInterval
		srv.updateEmail = *updateEmail
		srv.portalBaseURL = *portalBaseURL
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcAudience = *oidcAudience
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sensor/{customerID}/{meterNumber}", s.handleSensor)
	mux.HandleFunc("POST /api/update", s.requireIDToken(s.handleUpdate))
	mux.HandleFunc("POST /api/import", s.requireIDToken(s.handleImport))
	mux.HandleFunc("GET /api/statistics/{customerID}/{meterNumber}", s.handleStatistics)
	mux.HandleFunc("GET /api/municipalities", s.handleMunicipalities)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.revisionMiddleware(gziphandler.GzipHandler(s.requestIDMiddleware(s.securityHeadersMiddleware(mux))))
}

// Run starts the HTTP server and the polling schedule and blocks until the
// context is canceled or an error occurs. It also handles graceful shutdown
// when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	go s.runSchedule(ctx)

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

// runSchedule polls every registered meter on a fixed interval. Meters
// flagged as needing reconfiguration are skipped until a forced update
// clears them.
func (s *Server) runSchedule(ctx context.Context) {
	if s.pollInterval <= 0 {
		s.pollInterval = poller.DefaultInterval
	}

	s.tickAll(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickAll(ctx)
		}
	}
}

func (s *Server) tickAll(ctx context.Context) {
	for _, p := range s.pollers.All() {
		if p.NeedsReconfiguration() {
			log.Ctx(ctx).DebugContext(ctx, "skipping meter pending reconfiguration", slog.String("meter", p.Key()))
			continue
		}
		start := time.Now()
		_, err := p.Tick(ctx)
		observePoll(p.Key(), err, time.Since(start))
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "scheduled poll failed",
				slog.String("meter", p.Key()), slog.Any("error", err))
			continue
		}
		if latest, ok := p.State().Snapshot.Latest(); ok {
			recordConsumption(p.Key(), latest.Consumption)
		}
	}
}

// requireIDToken gates mutating endpoints behind a Google ID token check
// when an audience is configured. Cloud Scheduler sends these tokens in
// the Authorization header.
func (s *Server) requireIDToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.oidcVerifier == nil {
			next(w, r)
			return
		}
		ctx := r.Context()

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		token, err := s.oidcVerifier(ctx, parts[1])
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
			writeJSONError(w, "invalid id token", http.StatusUnauthorized)
			return
		}

		if s.updateEmail != "" {
			var claims struct {
				Email string `json:"email"`
			}
			if err := token.Claims(&claims); err != nil || claims.Email != s.updateEmail {
				log.Ctx(ctx).WarnContext(ctx, "unauthorized email for update", slog.String("email", claims.Email))
				writeJSONError(w, "unauthorized email", http.StatusForbidden)
				return
			}
		}

		next(w, r)
	}
}

// requestIDMiddleware stamps every request with an id that shows up on
// all log lines for the request.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := log.WithAttrs(r.Context(), slog.String("requestID", reqID))
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Strict-Transport-Security: max-age=2 years
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")

		// Prevent MIME-sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")

		// Control referrer information
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
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

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}
