// Package api provides the HTTP API server for the dashboard.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/deqlabs/deq/internal/api/handlers"
	"github.com/deqlabs/deq/internal/api/health"
	"github.com/deqlabs/deq/internal/api/middleware"
	"github.com/deqlabs/deq/internal/audit"
	"github.com/deqlabs/deq/internal/auth"
	"github.com/deqlabs/deq/internal/executor"
	"github.com/deqlabs/deq/internal/notify"
	"github.com/deqlabs/deq/internal/scheduler"
	"github.com/deqlabs/deq/internal/statuscache"
	"github.com/deqlabs/deq/internal/store"
	"github.com/deqlabs/deq/ui"
)

// Config holds the server's dependencies and listen address.
type Config struct {
	Host string
	Port int

	Store      store.Store
	Cache      *statuscache.Cache
	Exec       *executor.System
	Runner     *scheduler.Runner
	Dispatcher *notify.Dispatcher
	Auth       *auth.Service
	Audit      *audit.Logger

	// AuditSink enables the audit query endpoint when non-nil.
	AuditSink *audit.PostgresSink

	Version string
	Logger  *slog.Logger
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg        Config
	router     *chi.Mux
	httpServer *http.Server
	health     *health.Checker
	logger     *slog.Logger
}

// NewServer creates the server and builds its routes.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		health: health.NewChecker(cfg.Version),
	}
	s.health.Register("store", health.PingFunc(func(ctx context.Context) error {
		_, err := cfg.Store.Devices().List(ctx)
		return err
	}))
	if cfg.AuditSink != nil {
		s.health.RegisterOptional("audit", cfg.AuditSink)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	r.Get("/health", s.health.Handler())

	authHandler := handlers.NewAuthHandler(s.cfg.Store, s.cfg.Auth, s.cfg.Audit, s.logger)
	authMiddleware := middleware.NewAuthMiddleware(s.cfg.Auth, "", s.logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))

		// Reachable before login so the UI can bootstrap.
		r.Route("/auth", func(r chi.Router) {
			r.Get("/status", authHandler.Status)
			r.Post("/login", authHandler.Login)
			r.Post("/setup", authHandler.Setup)
		})

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			devicesHandler := handlers.NewDevicesHandler(s.cfg.Store, s.cfg.Cache, s.cfg.Exec, s.cfg.Audit, s.logger)
			dockerHandler := handlers.NewDockerHandler(s.cfg.Store, s.cfg.Cache, s.cfg.Exec, s.cfg.Audit, s.logger)
			filesHandler := handlers.NewFilesHandler(s.cfg.Store, s.cfg.Exec, s.cfg.Audit, s.logger)

			r.Get("/status", devicesHandler.AllStatuses)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", devicesHandler.List)
				r.Post("/", devicesHandler.Create)
				r.Route("/{deviceID}", func(r chi.Router) {
					r.Get("/", devicesHandler.Get)
					r.Put("/", devicesHandler.Update)
					r.Delete("/", devicesHandler.Delete)

					r.Get("/status", devicesHandler.Status)
					r.Post("/refresh", devicesHandler.Refresh)
					r.Post("/wake", devicesHandler.Wake)
					r.Post("/shutdown", devicesHandler.Shutdown)
					r.Get("/ssh-check", devicesHandler.CheckSSH)
					r.Get("/history", devicesHandler.History)

					r.Get("/browse", filesHandler.Browse)
					r.Get("/files", filesHandler.List)
					r.Post("/files", filesHandler.Operate)
					r.Get("/download", filesHandler.Download)
					r.Post("/upload", filesHandler.Upload)

					r.Route("/docker", func(r chi.Router) {
						r.Get("/scan", dockerHandler.Scan)
						r.Route("/{container}", func(r chi.Router) {
							r.Post("/start", dockerHandler.Start)
							r.Post("/stop", dockerHandler.Stop)
							r.Post("/restart", dockerHandler.Restart)
							r.Get("/logs", dockerHandler.Logs)
						})
					})
				})
			})

			tasksHandler := handlers.NewTasksHandler(s.cfg.Store, s.cfg.Runner, s.cfg.Audit, s.logger)
			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", tasksHandler.List)
				r.Post("/", tasksHandler.Create)
				r.Route("/{taskID}", func(r chi.Router) {
					r.Get("/", tasksHandler.Get)
					r.Put("/", tasksHandler.Update)
					r.Delete("/", tasksHandler.Delete)
					r.Post("/run", tasksHandler.Run)
					r.Get("/status", tasksHandler.Status)
				})
			})

			notificationsHandler := handlers.NewNotificationsHandler(s.cfg.Store, s.cfg.Dispatcher, s.cfg.Audit, s.logger)
			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", notificationsHandler.Get)
				r.Put("/", notificationsHandler.Update)
				r.Post("/test", notificationsHandler.Test)
			})

			networkHandler := handlers.NewNetworkHandler(s.cfg.Exec, s.cfg.Audit, s.logger)
			r.Post("/network/scan", networkHandler.Scan)

			r.Post("/auth/password", authHandler.ChangePassword)
			r.Route("/auth/keys", func(r chi.Router) {
				r.Get("/", authHandler.ListKeys)
				r.Post("/", authHandler.CreateKey)
				r.Delete("/{keyID}", authHandler.DeleteKey)
			})

			if s.cfg.AuditSink != nil {
				auditHandler := handlers.NewAuditHandler(s.cfg.AuditSink, s.logger)
				r.Get("/audit", auditHandler.Recent)
			}
		})
	})

	// Websocket connections are long-lived, so the stream sits outside the
	// 60s timeout group. Authentication still applies.
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)
		streamHandler := handlers.NewStreamHandler(s.cfg.Store, s.cfg.Cache, s.logger)
		r.Get("/ws/status", streamHandler.Serve)
	})

	r.Mount("/", ui.Handler())

	return r
}

// Router returns the server's router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(shutdownCtx)
}
