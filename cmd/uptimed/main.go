// uptimed - worker uptime and status aggregator for pool mining accounts.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/tos-network/uptimed/internal/config"
	"github.com/tos-network/uptimed/internal/coordinator"
	"github.com/tos-network/uptimed/internal/newrelic"
	"github.com/tos-network/uptimed/internal/notify"
	"github.com/tos-network/uptimed/internal/poolapi"
	"github.com/tos-network/uptimed/internal/profiling"
	"github.com/tos-network/uptimed/internal/reconcile"
	"github.com/tos-network/uptimed/internal/statusapi"
	"github.com/tos-network/uptimed/internal/store"
	"github.com/tos-network/uptimed/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	loop := flag.Bool("loop", false, "Self-tick every 15 minutes per configured pool instead of ticking once and then waiting for a shutdown signal")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("uptimed v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("uptimed v%s starting", version)

	sqlDB, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		util.Fatalf("Failed to open database: %v", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxConnections)
	if err := sqlDB.Ping(); err != nil {
		util.Fatalf("Failed to reach database: %v", err)
	}
	defer sqlDB.Close()

	if err := store.Migrate(sqlDB, cfg.Database.MigrationsPath); err != nil {
		util.Fatalf("Failed to apply migrations: %v", err)
	}

	db := sqlx.NewDb(sqlDB, "postgres")
	miners := store.NewSQLMinerStore(db, cfg.Database.Retries)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		util.Fatalf("Failed to reach Redis: %v", err)
	}
	defer redisClient.Close()

	state := store.NewRedisUptimeState(redisClient)

	registry := poolapi.NewRegistry(poolapi.Options{
		HTTPTimeout: cfg.Uptime.HTTPTimeout,
		BinanceBase: cfg.Binance.BaseOverride,
	})

	coord := coordinator.New()
	health := poolapi.NewHealthScore(cfg.Uptime.HealthFailThreshold, cfg.Uptime.HealthResetWindow)

	notifier := notify.New(&notify.Config{
		Enabled:        cfg.Notify.Enabled,
		DiscordWebhook: cfg.Notify.DiscordWebhook,
		TelegramToken:  cfg.Notify.TelegramToken,
		TelegramChatID: cfg.Notify.TelegramChatID,
	})

	engineCfg := reconcile.Config{
		GraceMinutes:          cfg.Uptime.GraceMinutes,
		OfflineConfirmMinutes: cfg.Uptime.OfflineConfirmMinutes,
		SlotLockTTL:           cfg.Uptime.SlotLockTTL,
		MaxConcurrentGroups:   cfg.Uptime.MaxConcurrentGroups,
	}
	engine := reconcile.New(miners, state, registry, coord, health, notifier, engineCfg)

	var pprofServer *profiling.Server
	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("Failed to start pprof server: %v", err)
		}
	}

	var nrAgent *newrelic.Agent
	if cfg.NewRelic.Enabled {
		nrAgent = newrelic.NewAgent(&cfg.NewRelic)
		if err := nrAgent.Start(); err != nil {
			util.Errorf("Failed to start New Relic agent: %v", err)
		}
	}

	var statusServer *statusapi.Server
	if cfg.StatusAPI.Enabled {
		statusServer = statusapi.NewServer(cfg.StatusAPI.Bind, cfg.StatusAPI.CacheTTL, cfg.StatusAPI.Concurrency, miners, registry)
		if err := statusServer.Start(); err != nil {
			util.Fatalf("Failed to start status API server: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runTick := func(pool string) {
		tick := func(ctx context.Context) error { return engine.Tick(ctx, pool) }
		var err error
		if nrAgent != nil {
			err = nrAgent.WrapTick(ctx, pool, tick)
		} else {
			err = tick(ctx)
		}
		if err != nil {
			util.Errorf("reconcile tick for %s failed: %v", pool, err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *loop {
		util.Info("uptimed running in self-ticking loop mode, 15m cadence per pool")
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()

		for _, pool := range cfg.Uptime.Pools {
			runTick(pool)
		}

	loopBody:
		for {
			select {
			case <-ticker.C:
				for _, pool := range cfg.Uptime.Pools {
					runTick(pool)
				}
			case <-sigChan:
				break loopBody
			}
		}
	} else {
		for _, pool := range cfg.Uptime.Pools {
			runTick(pool)
		}
		util.Info("uptimed tick complete. Status API (if enabled) remains up; press Ctrl+C to stop.")
		<-sigChan
	}

	util.Info("Shutting down...")

	if statusServer != nil {
		if err := statusServer.Stop(); err != nil {
			util.Errorf("status API shutdown error: %v", err)
		}
	}
	if pprofServer != nil {
		pprofServer.Stop()
	}
	if nrAgent != nil {
		nrAgent.Stop()
	}

	util.Info("uptimed stopped")
}
