package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/auth"
	"github.com/praxis-ai/coordinator/internal/complexity"
	cfg "github.com/praxis-ai/coordinator/internal/config"
	"github.com/praxis-ai/coordinator/internal/coorddb"
	"github.com/praxis-ai/coordinator/internal/dashboard"
	"github.com/praxis-ai/coordinator/internal/delegation"
	"github.com/praxis-ai/coordinator/internal/events"
	"github.com/praxis-ai/coordinator/internal/flags"
	"github.com/praxis-ai/coordinator/internal/hierarchy"
	"github.com/praxis-ai/coordinator/internal/hookmetrics"
	"github.com/praxis-ai/coordinator/internal/httpapi"
	_ "github.com/praxis-ai/coordinator/internal/metrics" // collector registration
	"github.com/praxis-ai/coordinator/internal/policy"
	"github.com/praxis-ai/coordinator/internal/ratelimit"
	"github.com/praxis-ai/coordinator/internal/retrieval"
	"github.com/praxis-ai/coordinator/internal/sessionregistry"
	"github.com/praxis-ai/coordinator/internal/statemachine"
	"github.com/praxis-ai/coordinator/internal/taskmanager"
	"github.com/praxis-ai/coordinator/internal/tracing"
)

// usageFromRegistry adapts the session registry to the dashboard's usage
// feed: aggregate spend across root sessions.
type usageFromRegistry struct {
	sessions     *sessionregistry.Registry
	contextLimit int
}

func (u *usageFromRegistry) Usage() (int, float64) {
	tokens, cost := 0, 0.0
	for _, root := range u.sessions.GetRootSessions() {
		if roll := u.sessions.GetRollupMetrics(root.ID); roll != nil {
			tokens += roll.TotalTokens
			cost += roll.TotalCost
		}
	}
	return tokens, cost
}

func (u *usageFromRegistry) ContextLimit() int { return u.contextLimit }

func main() {
	configPath := flag.String("config", os.Getenv("COORDINATOR_CONFIG"), "path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	conf, v, err := cfg.Load(*configPath, logger)
	if err != nil {
		logger.Fatal("Config load failed", zap.Error(err))
	}

	shutdownTracing, err := tracing.Initialize(conf.Tracing, logger)
	if err != nil {
		logger.Fatal("Tracing init failed", zap.Error(err))
	}

	bus := events.NewBus(1024)

	// Feature flags resolve env overrides at startup and re-resolve on
	// config change.
	flagRegistry := flags.NewRegistry(nil, logger, bus)
	flags.SetDefault(flagRegistry)

	// Optional Redis mirror for cross-host event observability.
	var mirror *events.Mirror
	if conf.Redis.Enabled && flagRegistry.IsEnabled(flags.EventMirror) {
		rdb := redis.NewClient(&redis.Options{Addr: conf.Redis.Addr})
		mirror = events.NewMirror(rdb, conf.Redis.Stream, conf.Redis.MaxLen, logger)
		bus.SetMirror(mirror)
	}

	sessionID := conf.Session.ID
	if sessionID == "" {
		host, _ := os.Hostname()
		sessionID = host
	}
	db, err := coorddb.Open(coorddb.Config{
		Driver:                conf.Database.Driver,
		DSN:                   conf.Database.DSN,
		SessionID:             sessionID,
		StaleSessionThreshold: conf.Session.StaleSessionThreshold,
	}, logger, bus)
	if err != nil {
		logger.Fatal("Coordination database init failed", zap.Error(err))
	}
	defer db.Close()

	trackerOpts := []ratelimit.Option{ratelimit.WithPersister(db)}
	if conf.RateLimit.PlansFile != "" {
		if _, err := ratelimit.LoadPlansFile(conf.RateLimit.PlansFile); err != nil {
			logger.Warn("Rate-limit plans file load failed", zap.Error(err))
		}
	}
	tracker := ratelimit.NewTracker(conf.RateLimit.Plan, logger, trackerOpts...)

	hooks := hookmetrics.NewCollector(conf.HookMetrics.PersistPath, logger)

	sessions := sessionregistry.NewRegistry(sessionregistry.Config{
		CleanupInterval: conf.Session.CleanupInterval,
		StaleTimeout:    conf.Session.StaleTimeout,
	}, logger, bus)

	taskFilePath := conf.Tasks.FilePath
	taskMgr, err := taskmanager.NewManager(taskFilePath, logger, bus)
	if err != nil {
		logger.Fatal("Task manager init failed", zap.Error(err))
	}

	analyzer := complexity.NewAnalyzer(logger, bus)

	deciderOpts := []delegation.Option{delegation.WithAnalyzer(analyzer)}
	if flagRegistry.IsEnabled(flags.PolicyGate) {
		gate, err := policy.NewEngine(conf.PolicyConfig(), logger)
		if err != nil {
			logger.Fatal("Policy engine init failed", zap.Error(err))
		}
		deciderOpts = append(deciderOpts, delegation.WithPolicyGate(gate))
	}
	decider := delegation.NewDecider(logger, bus, deciderOpts...)

	agents := hierarchy.NewRegistry(hierarchy.Config{
		MaxDepth:    conf.Hierarchy.MaxDepth,
		MaxChildren: conf.Hierarchy.MaxChildren,
	}, logger, bus)
	states := statemachine.NewManager(statemachine.Config{
		StaleTimeout: conf.Session.StaleTimeout,
	}, logger, bus)

	// Vector and memory stores are host collaborators; the retriever still
	// serves its cache and stats without them.
	var retriever *retrieval.Retriever
	if flagRegistry.IsEnabled(flags.ContextRetrieval) {
		retriever, err = retrieval.NewRetriever(retrieval.Config{
			Layer1Limit:   conf.Retrieval.Layer1Limit,
			DefaultBudget: conf.Retrieval.MaxTokens,
			BufferPercent: conf.Retrieval.BufferPercent,
			CacheSize:     conf.Retrieval.CacheSize,
			CacheTTL:      conf.Retrieval.CacheTTL,
		}, nil, nil, logger, bus)
		if err != nil {
			logger.Fatal("Retriever init failed", zap.Error(err))
		}
	}

	dash := dashboard.NewManager(conf.Dashboard.UpdateInterval, &usageFromRegistry{
		sessions:     sessions,
		contextLimit: conf.Dashboard.ContextLimit,
	}, logger, bus)

	jwtManager := auth.NewJWTManager(conf.Auth.JWTSecret, conf.Auth.JWTExpiry)
	authMW := auth.NewMiddleware(jwtManager, conf.Auth.APIKeyHash, conf.Auth.SkipAuth, logger)

	server := httpapi.NewServer(conf.Server.Addr, httpapi.Deps{
		Dashboard: dash,
		Flags:     flagRegistry,
		Tracker:   tracker,
		DB:        db,
		Sessions:  sessions,
		Bus:       bus,
		Auth:      authMW,
		Coordination: httpapi.CoordinationDeps{
			Decider:   decider,
			Analyzer:  analyzer,
			Tasks:     taskMgr,
			Hierarchy: agents,
			States:    states,
			Hooks:     hooks,
			Retriever: retriever,
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.RegisterSession(ctx, sessionID, mustGetwd(), conf.Session.Project); err != nil {
		logger.Warn("Session registration failed", zap.Error(err))
	}

	sessions.Start(ctx)
	if flagRegistry.IsEnabled(flags.Dashboard) {
		dash.Start()
	}
	server.Start()

	// Config hot-reload re-resolves feature flags from the environment and
	// the fresh file.
	cfg.Watch(v, logger, func(*cfg.Config) {
		flagRegistry.Reload()
	})

	// Periodic hook-metrics persistence; failures are logged and counted.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := hooks.Persist(); err != nil {
					logger.Debug("Hook metrics persist failed", zap.Error(err))
				}
			}
		}
	}()

	logger.Info("Coordinator ready",
		zap.String("session_id", sessionID),
		zap.String("addr", conf.Server.Addr),
		zap.String("task_file", taskFilePath),
		zap.Int("tasks", len(taskMgr.ListTasks())),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down")

	cancel()
	dash.Stop()
	sessions.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", zap.Error(err))
	}
	if err := hooks.Persist(); err != nil {
		logger.Warn("Final hook-metrics persist failed", zap.Error(err))
	}
	if mirror != nil {
		mirror.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}
