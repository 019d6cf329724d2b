// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/flowforge/jobqueue/internal/admin"
	"github.com/flowforge/jobqueue/internal/api"
	"github.com/flowforge/jobqueue/internal/cache"
	"github.com/flowforge/jobqueue/internal/completion"
	"github.com/flowforge/jobqueue/internal/concurrency"
	"github.com/flowforge/jobqueue/internal/config"
	"github.com/flowforge/jobqueue/internal/debounce"
	"github.com/flowforge/jobqueue/internal/executor"
	"github.com/flowforge/jobqueue/internal/flow"
	"github.com/flowforge/jobqueue/internal/obs"
	"github.com/flowforge/jobqueue/internal/puller"
	"github.com/flowforge/jobqueue/internal/pusher"
	"github.com/flowforge/jobqueue/internal/queue"
	"github.com/flowforge/jobqueue/internal/reaper"
	"github.com/flowforge/jobqueue/internal/redisclient"
	"github.com/flowforge/jobqueue/internal/registry"
	"github.com/flowforge/jobqueue/internal/schedule"
	"github.com/flowforge/jobqueue/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminTag string
	var adminN int
	var adminYes bool
	var benchCount int
	var benchRate int
	var benchTag string
	var benchTimeout time.Duration
	var purgeOlderThan time.Duration
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|scheduler|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|purge-dead|bench")
	fs.StringVar(&adminTag, "tag", "default", "Tag for admin peek/bench")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.IntVar(&benchCount, "bench-count", 1000, "Admin bench: number of jobs")
	fs.IntVar(&benchRate, "bench-rate", 500, "Admin bench: enqueue rate jobs/sec")
	fs.StringVar(&benchTag, "bench-tag", "default", "Admin bench: tag to push against")
	fs.DurationVar(&benchTimeout, "bench-timeout", 60*time.Second, "Admin bench: timeout to wait for completion")
	fs.DurationVar(&purgeOlderThan, "older-than", 7*24*time.Hour, "Admin purge-dead: age cutoff")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("failed to open database", obs.Err(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	store := queue.Open(db)

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	if role != "admin" {
		readyCheck := func(c context.Context) error {
			if err := db.PingContext(c); err != nil {
				return err
			}
			_, err := rdb.Ping(c).Result()
			return err
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if role != "admin" {
		obs.StartQueueDepthUpdater(ctx, cfg, store, logger)
	}

	// Shared plumbing every role but admin needs: the registries Push
	// resolves against, the concurrency/debounce/cache stores, and the
	// flow-engine-backed Completion Pipeline.
	scripts := registry.NewScriptStore(db)
	flows := registry.NewFlowStore(db)
	apps := registry.NewAppStore(db)
	conc := concurrency.New(db, logger)
	deb := debounce.New(db, store)
	cacheStore := cache.New(rdb, cfg.Cache.KeyPrefix)

	resolver := &pusher.Resolver{Scripts: scripts, Hub: scripts, Flows: flows, Apps: apps}
	p := &pusher.Pusher{Store: store, Resolver: resolver, Debounce: deb}
	pushCfg := pusher.Config{CloudHosted: cfg.CloudQuota.Enabled}

	scheduleStore := schedule.NewStore(db)
	scheduleHandler := schedule.New(scheduleStore, p, logger)

	pipeline := completion.New(store, conc, deb, cacheStore, flows, scheduleHandler, flow.JSONPathEvaluator{}, logger)

	switch role {
	case "api":
		srv := api.NewServer(cfg, p, store, store, pushCfg, logger)
		if err := srv.Run(ctx); err != nil {
			logger.Fatal("api error", obs.Err(err))
		}
	case "worker":
		reg := buildExecutorRegistry()
		pull := puller.New(store, conc, logger, cfg.Worker.Tags)
		wrk := worker.New(cfg, store, pull, reg, pipeline, deb, logger)
		rep := reaper.New(cfg, store, logger)
		go rep.Run(ctx)
		if err := wrk.Run(ctx); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "scheduler":
		scheduleHandler.Run(ctx, cfg.Schedule.PollInterval)
	case "all":
		reg := buildExecutorRegistry()
		pull := puller.New(store, conc, logger, cfg.Worker.Tags)
		wrk := worker.New(cfg, store, pull, reg, pipeline, deb, logger)
		rep := reaper.New(cfg, store, logger)
		srv := api.NewServer(cfg, p, store, store, pushCfg, logger)
		go rep.Run(ctx)
		go scheduleHandler.Run(ctx, cfg.Schedule.PollInterval)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("api error", obs.Err(err))
				cancel()
			}
		}()
		if err := wrk.Run(ctx); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "admin":
		runAdmin(ctx, db, p, store, logger, adminCmd, adminTag, adminN, adminYes, benchCount, benchRate, benchTag, benchTimeout, purgeOlderThan)
		return
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// buildExecutorRegistry wires the Simulated executor as both the default
// and every named language's handler. A real deployment registers one
// LanguageExecutor per supported runtime here (python3, deno, bash, go);
// self-hosted/dev installs run everything through the simulator.
func buildExecutorRegistry() *executor.Registry {
	sim := executor.NewSimulated()
	return executor.NewRegistry(sim, map[string]executor.LanguageExecutor{})
}

func runAdmin(ctx context.Context, db *sql.DB, p *pusher.Pusher, store queue.Queue, logger *zap.Logger, cmd, tag string, n int, yes bool, benchCount, benchRate int, benchTag string, benchTimeout, purgeOlderThan time.Duration) {
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, db, 24*time.Hour)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "peek":
		res, err := admin.Peek(ctx, db, tag, int64(n))
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "purge-dead":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		purged, err := admin.PurgeDead(ctx, db, purgeOlderThan)
		if err != nil {
			logger.Fatal("admin purge-dead error", obs.Err(err))
		}
		payload, _ := json.Marshal(struct {
			Purged int64 `json:"purged"`
		}{Purged: purged})
		fmt.Println(string(payload))
	case "bench":
		res, err := admin.Bench(ctx, p, store, benchTag, benchCount, benchRate, benchTimeout)
		if err != nil {
			logger.Fatal("admin bench error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}
