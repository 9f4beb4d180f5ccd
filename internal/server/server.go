// Package server wires the account backend together and runs it.
//
// New is the composition root: it opens the database, builds the auth
// primitives, services and handlers, and decides which optional parts
// (Google login, Redis mail queue, embedded mail worker) are switched on.
//
// ROUTES (all JSON unless noted):
//
//	GET    /healthz
//	POST   /api/auth/login
//	POST   /api/auth/logout                 bearer
//	POST   /api/auth/refresh-token
//	GET    /api/auth/google                 307 to Google
//	GET    /api/auth/google/callback        303 to the frontend
//	POST   /api/users
//	GET    /api/users/me                    bearer
//	POST   /api/users/send-verify-email     bearer
//	GET    /api/users/statistics            (also /api/users/statics)
//	GET    /api/users/verify-email/{token}  303 to the frontend
//	PATCH  /api/users/reset-password        bearer
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/accounts/internal/auth"
	"github.com/sakif/accounts/internal/config"
	"github.com/sakif/accounts/internal/handler"
	"github.com/sakif/accounts/internal/mail"
	"github.com/sakif/accounts/internal/middleware"
	sqliteRepo "github.com/sakif/accounts/internal/repository/sqlite"
	"github.com/sakif/accounts/internal/service"
	"github.com/sakif/accounts/internal/validate"
)

const (
	shutdownTimeout   = 30 * time.Second
	statsDrainTimeout = 10 * time.Second
)

// Handlers groups everything the router dispatches to.
type Handlers struct {
	Auth   *handler.AuthHandler
	Users  *handler.UserHandler
	Health *handler.HealthHandler
}

// Server owns the process-lifetime resources and closes them on shutdown.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	router   http.Handler
	db       *sqliteRepo.DB
	sessions *service.SessionManager
	queue    *mail.Queue  // nil without Redis
	worker   *mail.Worker // nil unless embedded

	closeOnce sync.Once
}

// New builds the server from cfg. Nothing listens until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if dir := filepath.Dir(cfg.DBPath); cfg.DBPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("server: creating database directory: %w", err)
		}
	}

	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("server: opening database: %w", err)
	}

	s := &Server{cfg: cfg, logger: logger, db: db}
	if err := s.wire(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) wire() error {
	cfg := s.cfg

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	concurrency := cfg.HashConcurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	passwords := auth.NewPasswordServiceWithCost(cfg.BcryptCost, concurrency)

	var google auth.IdentityProvider
	if cfg.GoogleEnabled() {
		google = auth.NewGoogleProvider(auth.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			CallbackURL:  cfg.GoogleCallbackURL,
		})
	} else {
		s.logger.Warn("google_client_id not set, Google login is disabled")
	}

	mailer, err := s.wireMail()
	if err != nil {
		return err
	}

	users := s.db.Users()
	s.sessions = service.NewSessionManager(users, tokens, passwords, s.logger)
	identities := service.NewIdentityLinker(s.db, s.sessions, s.logger)
	userService := service.NewUserService(users, s.db.Statistics(), passwords, mailer, s.logger)

	v := validate.New()
	s.router = NewRouter(Handlers{
		Auth:   handler.NewAuthHandler(s.sessions, identities, google, v, cfg.FrontendURL, s.logger),
		Users:  handler.NewUserHandler(userService, v, cfg.FrontendURL, s.logger),
		Health: handler.NewHealthHandler(s.db, s.logger),
	}, tokens, s.logger)
	return nil
}

// wireMail picks the verification mail path: the Redis queue when one is
// configured (plus an embedded worker when SMTP is configured too), or a
// no-op that logs and drops.
func (s *Server) wireMail() (mail.Enqueuer, error) {
	cfg := s.cfg
	if !cfg.MailQueueEnabled() {
		s.logger.Warn("redis_url not set, verification emails are dropped")
		return mail.NopEnqueuer{Logger: s.logger}, nil
	}

	queue, err := mail.NewQueue(cfg.RedisURL, s.logger)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	s.queue = queue

	if cfg.SMTPHost == "" {
		s.logger.Info("smtp_host not set, leaving mail delivery to a standalone worker")
		return queue, nil
	}

	worker, err := NewMailWorker(cfg, s.logger)
	if err != nil {
		return nil, err
	}
	if err := worker.Start(); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	s.worker = worker
	return queue, nil
}

// NewMailWorker builds the mail worker from cfg. cmd/worker uses it too.
func NewMailWorker(cfg *config.Config, logger *slog.Logger) (*mail.Worker, error) {
	sender := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	})
	worker, err := mail.NewWorker(mail.WorkerConfig{
		RedisURL:    cfg.RedisURL,
		Concurrency: cfg.WorkerConcurrency,
	}, mail.NewTemplates(cfg.BackendURL), sender, logger)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	return worker, nil
}

// NewRouter mounts the routes on a chi router.
//
// MIDDLEWARE ORDER:
//  1. RequestID  (the logger reads it)
//  2. RealIP
//  3. Logger
//  4. Recoverer  (inside Logger, so a panic is logged as a 500)
func NewRouter(h Handlers, tokens *auth.TokenService, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Health.HandleHealth)

	requireAuth := auth.RequireAuth(tokens)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", h.Auth.HandleLogin)
			r.Post("/refresh-token", h.Auth.HandleRefresh)
			r.Get("/google", h.Auth.HandleGoogleLogin)
			r.Get("/google/callback", h.Auth.HandleGoogleCallback)
			r.With(requireAuth).Post("/logout", h.Auth.HandleLogout)
		})

		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.Users.HandleRegister)
			r.Get("/statistics", h.Users.HandleStatistics)
			// Older frontends still call the misspelled path.
			r.Get("/statics", h.Users.HandleStatistics)
			r.Get("/verify-email/{token}", h.Users.HandleVerifyEmail)

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Get("/me", h.Users.HandleMe)
				r.Post("/send-verify-email", h.Users.HandleSendVerifyEmail)
				r.Patch("/reset-password", h.Users.HandleResetPassword)
			})
		})
	})

	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until SIGINT or SIGTERM, then shuts down gracefully:
//  1. stop accepting connections and drain in-flight requests (30s)
//  2. wait for background login-counter updates
//  3. stop the embedded mail worker, close the queue client and the DB
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run is Start with the stop signal supplied by ctx.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("addr", srv.Addr),
			slog.String("database", s.cfg.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listening: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	}
}

// Close releases the server's resources without serving. Run calls it on
// the way out; calling it again is a no-op.
func (s *Server) Close() {
	s.closeOnce.Do(s.closeResources)
}

// closeResources releases everything New acquired, in dependency order.
func (s *Server) closeResources() {
	if s.sessions != nil {
		s.drainBackground()
	}
	if s.worker != nil {
		s.worker.Shutdown()
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.logger.Warn("closing mail queue", slog.String("error", err.Error()))
		}
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("closing database", slog.String("error", err.Error()))
	}
}

// drainBackground waits for pending login-counter updates, up to
// statsDrainTimeout. Each update carries its own shorter deadline, so the
// bound is only hit if the database hangs.
func (s *Server) drainBackground() {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(statsDrainTimeout):
		s.logger.Warn("background statistics updates still running at shutdown")
	}
}
