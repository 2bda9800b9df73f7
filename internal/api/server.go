// Package api provides the HTTP surface of the inbound email pipeline:
// the upstream ingress routes, the delivery-confirmation callback and the
// authenticated admin/poll routes.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/inletmail/inletmail/internal/config"
	"github.com/inletmail/inletmail/internal/ingest"
	"github.com/inletmail/inletmail/internal/store"
)

// Ingestor defines the coordinator operations the ingress routes need.
type Ingestor interface {
	AcceptPushNotification(ctx context.Context, n *ingest.Notification) (*ingest.Result, error)
	AcceptObjectCreatedEvent(ctx context.Context, records []ingest.ObjectRecord) ([]ingest.Result, error)
	ReprocessInbound(ctx context.Context, id int64) (*ingest.Result, error)
}

// Confirmer defines the confirmation operations the callback route needs.
type Confirmer interface {
	ConfirmByIDs(inboundEmailID, subscriptionID int64, status, ticketID, commentID, errMsg string) error
	ConfirmByInboundID(inboundEmailID int64, ticketID, commentID string) error
}

// KeyDiffer reports object keys not yet represented in the database.
// Satisfied by catchup.Runner; nil disables the diff endpoint.
type KeyDiffer interface {
	UnprocessedKeys(ctx context.Context, maxKeys int) ([]string, error)
}

// Server represents the pipeline's HTTP server.
type Server struct {
	cfg         *config.Config
	store       *store.Store
	ingestor    Ingestor
	confirmer   Confirmer
	differ      KeyDiffer
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter

	// subscribeClient confirms upstream push subscriptions; replaceable
	// in tests.
	subscribeClient *http.Client
}

// NewServer creates the HTTP server. differ may be nil when the catch-up
// runner is disabled.
func NewServer(cfg *config.Config, st *store.Store, ingestor Ingestor, confirmer Confirmer, differ KeyDiffer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:             cfg,
		store:           st,
		ingestor:        ingestor,
		confirmer:       confirmer,
		differ:          differ,
		logger:          logger,
		subscribeClient: &http.Client{Timeout: 10 * time.Second},
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// Health check (no auth; also the shape downstream probes expect)
	r.Get("/health", s.handleHealth)

	// Ingress and confirmation routes stay open: the upstream push
	// service and downstream subscribers cannot send our admin key.
	r.Post("/email/inbound", s.handleLegacyInbound)
	r.Post("/email/inbound/s3", s.handleInboundS3)
	r.Post("/email/inbound/delivery-confirmation", s.handleDeliveryConfirmation)

	// Admin/poll routes (auth + rate limit)
	s.rateLimiter = NewRateLimiter(10, 20)
	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(s.rateLimiter))
		r.Use(s.authMiddleware)

		r.Get("/email/inbound", s.handleListInbound)
		r.Get("/email/inbound/undelivered", s.handleListUndelivered)
		r.Get("/email/inbound/s3-unprocessed", s.handleUnprocessedKeys)
		r.Get("/email/inbound/{id}", s.handleGetInbound)
		r.Post("/email/inbound/{id}/reparse", s.handleReparse)
	})

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(s.cfg.Server.APIPort))

	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("admin endpoints running without authentication — set [server] api_key in config.toml")
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware validates the API key on admin routes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key configured
		if s.cfg.Server.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Check Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			// Also check X-API-Key header
			authHeader = r.Header.Get("X-API-Key")
		}

		// Strip "Bearer " prefix if present
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			authHeader = authHeader[7:]
		}

		if subtle.ConstantTimeCompare([]byte(authHeader), []byte(s.cfg.Server.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
