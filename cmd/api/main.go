// Package main provides the entry point for the dashboard server.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/deqlabs/deq/internal/api"
	"github.com/deqlabs/deq/internal/audit"
	"github.com/deqlabs/deq/internal/auth"
	"github.com/deqlabs/deq/internal/executor"
	"github.com/deqlabs/deq/internal/notify"
	"github.com/deqlabs/deq/internal/scheduler"
	"github.com/deqlabs/deq/internal/secrets"
	"github.com/deqlabs/deq/internal/shutdown"
	"github.com/deqlabs/deq/internal/statuscache"
	"github.com/deqlabs/deq/internal/store/jsonfile"
	"github.com/deqlabs/deq/pkg/config"
	"github.com/deqlabs/deq/pkg/logger"
)

const version = "1.2.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(parseLevel(cfg.LogLevel), cfg.LogJSON)

	// Secrets cipher for credentials at rest; optional.
	var cipher jsonfile.Cipher
	if cfg.AgePublicKey != "" || cfg.AgePrivateKey != "" {
		box, err := secrets.NewBox(secrets.Config{
			PublicKey:  cfg.AgePublicKey,
			PrivateKey: cfg.AgePrivateKey,
		}, log.Logger)
		if err != nil {
			log.Error("failed to initialize secrets", "error", err)
			os.Exit(1)
		}
		cipher = box
	}

	st, err := jsonfile.Open(cfg.DataDir, cipher, log.Logger)
	if err != nil {
		log.Error("failed to open data store", "error", err)
		os.Exit(1)
	}

	exec := executor.NewSystem(log.Logger)
	dispatcher := notify.NewDispatcher(st.Settings(), log.Logger)
	cache := statuscache.New(exec, dispatcher, st.History(), log.Logger)

	runner := scheduler.NewRunner(st, scheduler.NewSystemCommands(exec), dispatcher, cfg.Scheduler.BackupTimeout, log.Logger)
	sched := scheduler.NewScheduler(st, runner, cfg.Scheduler.PollInterval, log.Logger)

	// Audit trail: structured log always, Postgres when configured.
	sinks := []audit.Sink{audit.NewSlogSink(log.Logger)}
	var pgSink *audit.PostgresSink
	if cfg.AuditDSN != "" {
		pgSink, err = audit.NewPostgresSink(cfg.AuditDSN, log.Logger)
		if err != nil {
			log.Error("failed to connect audit store", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, pgSink)
	}
	auditLog := audit.New(log.Logger, sinks...)

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		// Sessions won't survive a restart without a configured secret.
		jwtSecret = randomSecret()
		log.Warn("DEQ_JWT_SECRET not set, using an ephemeral session secret")
	}
	authService := auth.NewService(auth.Config{
		JWTSecret:   []byte(jwtSecret),
		TokenExpiry: cfg.JWTExpiry,
	}, st.Settings(), log.Logger)

	server := api.NewServer(api.Config{
		Host:       cfg.Host,
		Port:       cfg.Port,
		Store:      st,
		Cache:      cache,
		Exec:       exec,
		Runner:     runner,
		Dispatcher: dispatcher,
		Auth:       authService,
		Audit:      auditLog,
		AuditSink:  pgSink,
		Version:    version,
		Logger:     log.Logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sched.Start(ctx); err != nil {
			log.Error("scheduler stopped", "error", err)
		}
	}()

	// Components shut down in reverse registration order: the API server
	// first, then the scheduler, finally the stores.
	coord := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coord.Register(shutdown.NewCloserComponent("store", st))
	if pgSink != nil {
		coord.Register(shutdown.NewCloserComponent("audit", pgSink))
	}
	coord.Register(shutdown.NewWorkerComponent("scheduler", sched))
	coord.Register(shutdown.NewFuncComponent("api", server.Shutdown))

	go func() {
		coord.WaitForSignal()
		coord.Shutdown()
		cancel()
	}()

	log.Info("starting dashboard server", "host", cfg.Host, "port", cfg.Port, "version", version)
	if err := server.Start(ctx); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	coord.Wait()
	log.Info("server stopped")
	os.Exit(coord.ExitCode())
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("reading random bytes: " + err.Error())
	}
	return base64.RawStdEncoding.EncodeToString(buf)
}
