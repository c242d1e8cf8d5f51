// Command positionbot runs the concentrated-liquidity position monitor and
// delta-neutral hedge engine, or queries/stops an already-running instance.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"positionbot/config"
	"positionbot/internal/aggregator"
	"positionbot/internal/ammclient"
	"positionbot/internal/api"
	"positionbot/internal/auth"
	"positionbot/internal/cache"
	"positionbot/internal/chainrpc"
	"positionbot/internal/circuit"
	"positionbot/internal/database"
	"positionbot/internal/discovery"
	"positionbot/internal/events"
	"positionbot/internal/hedge"
	"positionbot/internal/logging"
	"positionbot/internal/operatorkey"
	"positionbot/internal/poolselect"
	"positionbot/internal/positionmgr"
	"positionbot/internal/positions"
	"positionbot/internal/priceoracle"
	"positionbot/internal/supervisor"
)

const pidFile = "positionbot.pid"
const snapshotDir = "data/positions"

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run":
		runDaemon()
	case "status":
		runStatus()
	case "stop":
		runStop()
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [run|status|stop]\n", os.Args[0])
		os.Exit(1)
	}
}

func runDaemon() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)
	logger.Info().Msg("positionbot starting")

	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		logger.Warn().Err(err).Msg("failed to write pidfile")
	}
	defer os.Remove(pidFile)

	bus := events.NewEventBus()

	var repo *database.Repository
	if cfg.DatabaseConfig.Host != "" {
		db, err := database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("postgres admin store unavailable, continuing file-only")
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			migrateErr := db.RunMigrations(ctx)
			cancel()
			if migrateErr != nil {
				logger.Fatal().Err(migrateErr).Msg("admin store migrations failed")
			}
			repo = database.NewRepository(db)
			defer db.Close()
		}
	}

	positionCache, err := cache.NewPositionCache(cfg.RedisConfig)
	if err != nil {
		logger.Warn().Err(err).Msg("redis cache unavailable, continuing file-only")
		positionCache = nil
	}

	var mirror positions.SnapshotMirror
	if repo != nil {
		mirror = repo
	}
	var store *positions.Store
	if positionCache != nil {
		store, err = positions.NewStore(snapshotDir, mirror, positionCache)
	} else {
		store, err = positions.NewStore(snapshotDir, mirror, nil)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open position store")
	}

	opKeys, err := operatorkey.NewManager(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build operator key manager")
	}
	if cfg.ChainConfig.OperatorSecretKey != "" {
		opKeys.Seed(cfg.ChainConfig.OperatorSecretKey)
	}
	if _, err := opKeys.Key(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("operator key missing at startup")
	}

	rpcTimeout := time.Duration(cfg.ChainConfig.RPCTimeoutMs) * time.Millisecond
	rpc := chainrpc.NewRPCClient(cfg.ChainConfig.RPCURL, rpcTimeout)

	healthCtx, stopHealthMonitor := context.WithCancel(context.Background())
	defer stopHealthMonitor()
	healthMonitor := chainrpc.NewHealthMonitor(
		rpc,
		time.Duration(cfg.ChainConfig.HealthCheckIntervalMs)*time.Millisecond,
		cfg.ChainConfig.HealthMaxConsecutiveFailures,
		func(lastErr error) {
			logger.Error().Err(lastErr).Msg("unrecoverable rpc loss, exiting")
			os.Remove(pidFile)
			os.Exit(2)
		},
	)
	go healthMonitor.Run(healthCtx)

	discoveryTimeout := time.Duration(cfg.DiscoveryConfig.TimeoutMs) * time.Millisecond
	discoveryClient := discovery.NewClient(cfg.DiscoveryConfig.BaseURL, discoveryTimeout)

	builderTimeout := time.Duration(cfg.AMMBuilderConfig.TimeoutMs) * time.Millisecond
	sdk := ammclient.NewHTTPClient(discoveryClient, cfg.AMMBuilderConfig.BaseURL, builderTimeout)

	aggTimeout := time.Duration(cfg.AggregatorConfig.TimeoutMs) * time.Millisecond
	agg := aggregator.NewClient(cfg.AggregatorConfig.BaseURL, aggTimeout)

	priceMonitor := priceoracle.NewMonitor(sdk)
	positionMgr := positionmgr.NewManager(sdk, rpc, priceMonitor, store)
	positionMgr.SetEventBus(bus)

	hedgeMgr := hedge.NewManager(sdk, rpc, agg, priceMonitor, store, hedge.Config{
		Interval:            time.Duration(cfg.MirrorSwap.IntervalMs) * time.Millisecond,
		HedgeAmountPercent:  cfg.MirrorSwap.HedgeAmountPercent,
		MinHedgeBps:         cfg.MirrorSwap.MinHedgeBps,
		MinHedgeStepPercent: cfg.MirrorSwap.MinHedgeStepPercent,
		SlippageBps:         cfg.MirrorSwap.SlippageBps,
	})
	hedgeMgr.SetEventBus(bus)
	if repo != nil {
		hedgeMgr.SetRepository(repo)
	}

	selector := poolselect.NewSelector(discoveryClient)
	breaker := circuit.NewBreaker(circuit.DefaultConfig(), bus)

	var poolConfigs supervisor.PoolConfigProvider
	if repo != nil {
		poolConfigs = repo
	}

	sup := supervisor.New(sdk, rpc, priceMonitor, store, positionMgr, hedgeMgr, selector, breaker, bus, poolConfigs, supervisor.Config{
		CheckInterval:     time.Duration(cfg.MonitoringConfig.CheckIntervalMs) * time.Millisecond,
		MaxConcurrent:     5,
		MirrorSwapEnabled: cfg.MirrorSwap.Enabled,
		Defaults: supervisor.PoolDefaults{
			StopLossPercent:       cfg.PoolDefaults.StopLossPercent,
			FeeCheckPercent:       cfg.PoolDefaults.FeeCheckPercent,
			RangeInterval:         cfg.PoolDefaults.RangeInterval,
			AutoClaimEnabled:      cfg.PoolDefaults.AutoClaimEnabled,
			AutoClaimThresholdUSD: cfg.PoolDefaults.AutoClaimThresholdUSD,
		},
	})

	if repo != nil {
		sup.SetGlobalConfigProvider(repo)
	}

	if err := sup.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start supervisor")
	}

	var jwtManager *auth.JWTManager
	if cfg.AuthConfig.Enabled && cfg.AuthConfig.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration)
	}

	server := api.NewServer(api.Config{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		ProductionMode: cfg.LoggingConfig.Level != "DEBUG",
		AllowedOrigins: cfg.ServerConfig.AllowedOrigins,
	}, store, sup, bus, repo, jwtManager)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("status api stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("status api shutdown error")
	}
	sup.Stop()
	logger.Info().Msg("positionbot stopped")
}

func runStatus() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://%s:%d/status", cfg.ServerConfig.Host, cfg.ServerConfig.Port)
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	io.Copy(os.Stdout, resp.Body)
	fmt.Println()
}

func runStop() {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "no pidfile found: %v\n", err)
		os.Exit(1)
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		fmt.Fprintf(os.Stderr, "malformed pidfile: %v\n", err)
		os.Exit(1)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "process %d not found: %v\n", pid, err)
		os.Exit(1)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "failed to signal process %d: %v\n", pid, err)
		os.Exit(1)
	}
	fmt.Printf("sent SIGTERM to positionbot (pid %d)\n", pid)
}
