package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/cache"
	"github.com/vorion-labs/vorion/pkg/config"
	"github.com/vorion-labs/vorion/pkg/contracts"
	"github.com/vorion-labs/vorion/pkg/crypto"
	"github.com/vorion-labs/vorion/pkg/engine"
	"github.com/vorion-labs/vorion/pkg/extension"
	"github.com/vorion-labs/vorion/pkg/extension/builtin"
	"github.com/vorion-labs/vorion/pkg/proof"
	"github.com/vorion-labs/vorion/pkg/resilience"
	"github.com/vorion-labs/vorion/pkg/store"
	"github.com/vorion-labs/vorion/pkg/telemetry"
	"github.com/vorion-labs/vorion/pkg/token"
	"github.com/vorion-labs/vorion/pkg/trust"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "main")

	if err := cfg.Validate(); err != nil {
		logger.Error("configuration rejected", "error", err)
		return 1
	}
	logger.Info("starting", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, &telemetry.Config{
		ServiceName:    "vorion-core",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.TelemetryEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.TelemetryEndpoint != "",
		Insecure:       !cfg.Production(),
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("database open failed", "error", err)
		return 1
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("database unreachable", "error", err)
		return 1
	}
	durable := store.NewPostgres(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis unreachable", "error", err)
		return 1
	}

	profile, err := config.LoadBreakerProfile(cfg.BreakerProfilePath)
	if err != nil {
		logger.Error("breaker profile rejected", "error", err)
		return 1
	}
	breakers := resilience.NewRegistry(rdb, profile.Services,
		func(service string, from, to resilience.BreakerState) {
			slog.Warn("circuit breaker transition", "service", service, "from", from, "to", to)
			if to == resilience.StateOpen {
				tel.RecordBreakerOpen(context.Background(), service)
			}
		})

	readCache := cache.New(rdb, "vorion:cache:")

	trustEngine := trust.NewEngine(durable, durable,
		trust.WithCache(readCache),
		trust.WithBreaker(breakers.For("database")),
	)

	signer, err := crypto.LoadSigner(cfg.SigningSeed, cfg.Environment, slog.Default())
	if err != nil {
		logger.Error("signing key load failed", "error", err)
		return 1
	}
	chain := proof.NewChain(cfg.TenantID, signer).WithSink(durable)

	minter, err := token.NewMinter(cfg.JWTSecret)
	if err != nil {
		logger.Error("token minter init failed", "error", err)
		return 1
	}

	registry := extension.NewRegistry()
	if err := registerBuiltins(ctx, registry); err != nil {
		logger.Error("builtin extension registration failed", "error", err)
		return 1
	}

	orchestrator := engine.New(registry, extension.NewPipeline(),
		engine.WithProofChain(chain),
		engine.WithGrantStore(durable),
		engine.WithTokenMinter(minter),
		engine.WithTrustEngine(trustEngine),
	)

	elector := resilience.NewElector(rdb, resilience.InstanceID(),
		resilience.OnBecameLeader(func() {
			logger.Info("became leader, maintenance sweeps active")
		}),
		resilience.OnLostLeadership(func() {
			logger.Warn("lost leadership, maintenance sweeps paused")
		}),
	)
	elector.Start(ctx)
	defer func() {
		resignCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		elector.Stop(resignCtx)
	}()

	go maintenanceLoop(ctx, elector, durable, cfg, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newMux(orchestrator, trustEngine, chain, signer, durable, cfg.TenantID),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return exitCode(srv.Shutdown(shutdownCtx), logger)
}

func exitCode(err error, logger *slog.Logger) int {
	if err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return 1
	}
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func registerBuiltins(ctx context.Context, registry *extension.Registry) error {
	celPolicy, err := builtin.NewCELPolicy()
	if err != nil {
		return err
	}
	return registry.Register(ctx, celPolicy)
}

// maintenanceLoop runs leader-only sweeps once a minute on the instance
// holding the leader lease: expired grants, stale signals, and history
// entries past the audit retention window.
func maintenanceLoop(ctx context.Context, elector *resilience.Elector, durable *store.Postgres, cfg *config.Config, logger *slog.Logger) {
	retention := time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !elector.IsLeader() {
				continue
			}
			now := time.Now()
			if n, err := durable.ExpireGrants(ctx, now); err != nil {
				logger.Warn("grant expiry sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("expired grants purged", "count", n)
			}
			if n, err := durable.PruneSignals(ctx, now.Add(-retention)); err != nil {
				logger.Warn("signal prune failed", "error", err)
			} else if n > 0 {
				logger.Info("stale signals pruned", "count", n)
			}
			if n, err := durable.PruneHistory(ctx, now.Add(-retention)); err != nil {
				logger.Warn("history prune failed", "error", err)
			} else if n > 0 {
				logger.Info("aged history pruned", "count", n)
			}
		}
	}
}

func newMux(orchestrator *engine.Engine, trustEngine *trust.Engine, chain *proof.Chain, signer crypto.Signer, proofs store.ProofStore, tenantID string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /v1/capability", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Agent   contracts.AgentIdentity     `json:"agent"`
			Request contracts.CapabilityRequest `json:"request"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		decision, err := orchestrator.ProcessCapabilityRequest(r.Context(), &body.Agent, &body.Request)
		if err != nil {
			http.Error(w, err.Error(), apierror.HTTPStatusOf(err))
			return
		}
		writeJSON(w, decision)
	})
	mux.HandleFunc("POST /v1/policy", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Agent      contracts.AgentIdentity      `json:"agent"`
			Action     *contracts.ActionRequest     `json:"action,omitempty"`
			Capability *contracts.CapabilityRequest `json:"capability,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		outcome, err := orchestrator.EvaluatePolicy(r.Context(), &body.Agent, body.Action, body.Capability)
		if err != nil {
			http.Error(w, err.Error(), apierror.HTTPStatusOf(err))
			return
		}
		writeJSON(w, map[string]any{
			"effect":      outcome.Effect.String(),
			"reasons":     outcome.Reasons,
			"obligations": outcome.Obligations,
		})
	})
	mux.HandleFunc("POST /v1/trust/signal", func(w http.ResponseWriter, r *http.Request) {
		var sig contracts.TrustSignal
		if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := trustEngine.RecordSignal(r.Context(), &sig); err != nil {
			http.Error(w, err.Error(), apierror.HTTPStatusOf(err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /v1/trust/{entity}", func(w http.ResponseWriter, r *http.Request) {
		env := contracts.EntityEnvironment{
			Observability: contracts.ObservabilityClass(r.URL.Query().Get("observability")),
			Deployment:    contracts.DeploymentContext(r.URL.Query().Get("context")),
		}
		snap, err := trustEngine.GetScore(r.Context(), r.PathValue("entity"), env)
		if err != nil {
			http.Error(w, err.Error(), apierror.HTTPStatusOf(err))
			return
		}
		writeJSON(w, snap)
	})
	mux.HandleFunc("GET /proof/head", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"tenant": tenantID, "head": chain.Head(), "length": chain.Len()})
	})
	mux.HandleFunc("GET /proof/verify", func(w http.ResponseWriter, r *http.Request) {
		records, err := proofs.ProofChain(r.Context(), tenantID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		ok, detail := proof.VerifyRecords(records, signer)
		writeJSON(w, map[string]any{"valid": ok, "detail": detail, "length": len(records)})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
