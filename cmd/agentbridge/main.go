// Command agentbridge starts the A2A bridge server: it loads
// configuration, opens the embedded store, wires every subsystem, mounts
// the HTTP surface, and runs until SIGINT/SIGTERM, grounded on the
// teacher's cmd/agent-manager/main.go startup sequence.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/agent"
	"github.com/kandev/agentbridge/internal/auth"
	"github.com/kandev/agentbridge/internal/budget"
	"github.com/kandev/agentbridge/internal/config"
	"github.com/kandev/agentbridge/internal/httpapi"
	"github.com/kandev/agentbridge/internal/logging"
	"github.com/kandev/agentbridge/internal/migrate"
	"github.com/kandev/agentbridge/internal/orchestrator"
	"github.com/kandev/agentbridge/internal/ratelimit"
	"github.com/kandev/agentbridge/internal/sessionpool"
	"github.com/kandev/agentbridge/internal/sessionstore"
	"github.com/kandev/agentbridge/internal/storage"
	"github.com/kandev/agentbridge/internal/taskstore"
	"github.com/kandev/agentbridge/internal/worker"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	startTime := time.Now()
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)

	log.Info("starting agent bridge server")

	// 3. Refuse to bind beyond loopback without any authentication
	// configured: an operator mistake here would otherwise expose an
	// unauthenticated worker-spawning endpoint to the network.
	if !cfg.Server.IsLoopbackOnly() && !cfg.Auth.Configured() {
		log.Fatal("refusing to bind to a non-loopback address with no authentication configured",
			zap.String("host", cfg.Server.Host))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the embedded store and run migrations.
	if err := os.MkdirAll(cfg.Database.DataDir, 0o755); err != nil {
		log.Fatal("failed to create data directory", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.Database.WorkDir(), 0o755); err != nil {
		log.Fatal("failed to create worker working directory", zap.Error(err))
	}
	db, err := storage.Open(cfg.Database.Path(), log)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	// 5. Load the agent registry.
	reg, err := agent.LoadFromFile(cfg.Agents.ConfigPath)
	if err != nil {
		log.Fatal("failed to load agent registry", zap.Error(err))
	}
	log.Info("loaded agent registry", zap.Int("agents", len(reg.All())))

	// A missing worker binary or agent work-dir is a configuration error;
	// fail at startup rather than on the first message.
	for _, def := range reg.Enabled() {
		if _, err := exec.LookPath(def.Command); err != nil {
			log.Fatal("worker binary not found for agent",
				zap.String("agent", def.Name), zap.String("command", def.Command))
		}
		if def.WorkDir != "" {
			if _, err := os.Stat(def.WorkDir); err != nil {
				log.Fatal("agent work dir missing",
					zap.String("agent", def.Name), zap.String("work_dir", def.WorkDir))
			}
		}
	}

	// 6. Durable subsystems.
	sessions, err := sessionstore.New(db, cfg.Session.MaxPerClient, log)
	if err != nil {
		log.Fatal("failed to initialize session store", zap.Error(err))
	}
	tasks := taskstore.New(db)
	budgets := budget.New(db, cfg.Budget.DefaultClientDailyLimitUSD, cfg.Budget.GlobalDailyLimitUSD)

	revocations, err := auth.NewRevocationStore(db)
	if err != nil {
		log.Fatal("failed to initialize revocation store", zap.Error(err))
	}

	// 7. Migrate any legacy on-disk state left by a prior version.
	if err := migrate.Run(ctx, cfg.Database.DataDir, db, sessions, tasks, log); err != nil {
		log.Fatal("legacy migration failed", zap.Error(err))
	}

	// 8. Token service and authentication gate.
	var tokenSvc *auth.TokenService
	if cfg.Auth.JWTSecret != "" {
		tokenSvc, err = auth.NewTokenService([]byte(cfg.Auth.JWTSecret), cfg.Auth.SigningAlgorithm, "agentbridge", revocations)
		if err != nil {
			log.Fatal("failed to initialize token service", zap.Error(err))
		}
	}
	gate := auth.NewGate(cfg.Auth.MasterKey, tokenSvc, cfg.Auth.DebugTokenErrors)

	// 9. Rate limiter.
	limiter := ratelimit.New(cfg.RateLimit.DefaultRPM, cfg.RateLimit.DefaultBurst)
	stop := make(chan struct{})
	limiter.StartPruner(cfg.RateLimit.PruneInterval(), 5*time.Minute, stop)

	// 10. Session pool, spawning worker-cli processes per agent. Each
	// agent definition may pin its own working directory; the shared
	// workdir under the data directory is the fallback.
	spawner := func(ctx context.Context, agentName, resumeSessionID string) (worker.Config, error) {
		def, ok := reg.Get(agentName)
		if !ok {
			return worker.Config{}, fmt.Errorf("agentbridge: unknown agent %q", agentName)
		}
		workDir := def.WorkDir
		if workDir == "" {
			workDir = cfg.Database.WorkDir()
		}
		if _, err := os.Stat(workDir); err != nil {
			return worker.Config{}, fmt.Errorf("agentbridge: agent %q work dir: %w", agentName, err)
		}
		return worker.Config{
			Command:         def.Command,
			Args:            def.WorkerArgs(),
			WorkDir:         workDir,
			RequestTimeout:  cfg.Session.RequestTimeout(),
			MaxBufferBytes:  cfg.Session.MaxBufferBytes,
			ResumeSessionID: resumeSessionID,
		}, nil
	}
	pool := sessionpool.New(spawner, cfg.Session.MaxConcurrent, log)
	sessions.SetEvictor(pool.Evict)

	sessions.StartSweeper(cfg.Session.SweepInterval(), cfg.Session.MaxIdle(), cfg.Session.MaxLifetime(), cfg.Session.DestroyGrace(), pool.Evict)

	// 11. Orchestrator.
	orch := orchestrator.New(reg, pool, sessions, tasks, budgets, limiter, cfg.Session.DestroyGrace(), log)

	// 12. Startup orphan reconciliation: any durable session record whose
	// process is still alive from a prior server lifetime but has no
	// in-memory Session is left alone (the next message for its context
	// gets an input-required reply carrying orphan_pid); any whose
	// process has since exited is marked dead.
	reconcileOrphans(ctx, sessions, log)

	// 13. HTTP server.
	router := httpapi.NewRouter(httpapi.Deps{
		Log:          log,
		DB:           db,
		Agents:       reg,
		Pool:         pool,
		Sessions:     sessions,
		Orchestrator: orch,
		Budgets:      budgets,
		Gate:         gate,
		Tokens:       tokenSvc,
		Revocations:  revocations,
		TokenOpts: httpapi.TokenIssueOptions{
			AccessTTL:      cfg.Auth.AccessTokenTTLDuration(),
			RefreshTTL:     cfg.Auth.RefreshTokenTTLDuration(),
			RefreshEnabled: cfg.Auth.RefreshTokensEnabled,
		},
		DestroyGrace: cfg.Session.DestroyGrace(),
		ServerName:   "agentbridge",
		Description:  "A2A bridge exposing a local worker CLI over the network",
		Version:      version,
		StartTime:    startTime,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agent bridge server")
	close(stop)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGraceDuration())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	pool.ReleaseAll(shutdownCtx, tasks)
	if err := sessions.MarkAllProcessesDead(shutdownCtx); err != nil {
		log.Error("failed to mark session processes dead", zap.Error(err))
	}
	sessions.Stop()

	log.Info("agent bridge server stopped")
}

func reconcileOrphans(ctx context.Context, sessions *sessionstore.Store, log *logging.Logger) {
	for _, rec := range sessions.All() {
		if rec.State == "dead" {
			continue
		}
		if rec.PID <= 0 || !worker.IsProcessAlive(rec.PID) {
			_ = sessions.Touch(ctx, rec.SessionID, "dead", rec.PID)
			continue
		}
		log.Warn("found live orphan worker process from prior server lifetime",
			zap.String("context_id", rec.ContextID), zap.Int("pid", rec.PID))
	}
}
