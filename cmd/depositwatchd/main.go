package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"depositwatch/bus"
	"depositwatch/cache"
	"depositwatch/chainrpc"
	"depositwatch/config"
	"depositwatch/hdwallet"
	"depositwatch/observability"
	"depositwatch/observability/logging"
	telemetry "depositwatch/observability/otel"
	"depositwatch/ops"
	"depositwatch/processor"
	"depositwatch/recon"
	"depositwatch/scanner"
	"depositwatch/storage"
)

const healthCheckInterval = 30 * time.Second

func main() {
	_ = godotenv.Load()

	configFile := flag.String("config", "./config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logOpts := []logging.Option{}
	if cfg.LogFile != "" {
		logOpts = append(logOpts, logging.WithFile(cfg.LogFile))
	}
	logger := logging.Setup("depositwatchd", cfg.Env, logOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.ConfigFromEnv("depositwatchd", cfg.Env))
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := storage.AutoMigrate(db); err != nil {
		logger.Error("database migration failed", "error", err)
		os.Exit(1)
	}
	store := storage.New(db)

	redisCache, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	defer redisCache.Close()
	events := bus.New(redisCache.Client(), logger)

	metrics := observability.Watcher()

	gateway, err := chainrpc.Dial(cfg.Chain.RPCURL, cfg.Chain.FallbackRPCURL,
		chainrpc.WithMaxAttempts(cfg.Chain.MaxAttempts),
		chainrpc.WithCallSpacing(cfg.Chain.MinCallSpacing.Duration),
		chainrpc.WithLogger(logger),
		chainrpc.WithMetrics(metrics),
	)
	if err != nil {
		logger.Error("rpc gateway dial failed", "error", err)
		os.Exit(1)
	}
	if err := gateway.VerifyChainID(ctx, cfg.Chain.ChainID); err != nil {
		logger.Error("chain id verification failed", "error", err)
		os.Exit(1)
	}

	deriver, err := hdwallet.NewDeriver(cfg.Wallet.XPub)
	if err != nil {
		logger.Error("wallet key parse failed", "error", err)
		os.Exit(1)
	}
	allocator, err := hdwallet.NewAllocator(store, deriver, events, logger)
	if err != nil {
		logger.Error("allocator setup failed", "error", err)
		os.Exit(1)
	}

	tokens := make([]scanner.Token, 0, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		tokens = append(tokens, scanner.Token{
			Symbol:   token.Symbol,
			Address:  common.HexToAddress(token.Address),
			Decimals: token.Decimals,
		})
	}

	registry := scanner.NewRegistry()
	addresses, err := store.ListDepositAddresses(ctx)
	if err != nil {
		logger.Error("address registry load failed", "error", err)
		os.Exit(1)
	}
	registry.Load(addresses)
	if err := events.SubscribeNewAddresses(ctx, func(msg bus.NewAddress) {
		registry.Add(msg.Address)
	}); err != nil {
		logger.Error("address subscription failed", "error", err)
		os.Exit(1)
	}

	proc, err := processor.New(processor.Config{
		Store:         store,
		Chain:         gateway,
		Cache:         redisCache,
		Events:        events,
		Confirmations: cfg.Chain.Confirmations,
		ClickPrice:    cfg.Pricing.ClickPrice,
		MinDeposit:    cfg.Pricing.MinDeposit,
		BonusRate:     cfg.Referral.BonusRate,
		PollInterval:  cfg.Scanner.PollInterval.Duration,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("processor setup failed", "error", err)
		os.Exit(1)
	}
	if err := proc.ResumePending(ctx); err != nil {
		logger.Error("deposit tracking resume failed", "error", err)
		os.Exit(1)
	}
	defer proc.Stop()

	scan, err := scanner.New(scanner.Config{
		Client:       gateway,
		Cursor:       redisCache,
		Registry:     registry,
		Sink:         proc,
		Tokens:       tokens,
		PollInterval: cfg.Scanner.PollInterval.Duration,
		BatchSize:    cfg.Scanner.BatchSize,
		StartBlock:   cfg.Scanner.StartBlock,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("scanner setup failed", "error", err)
		os.Exit(1)
	}

	reconciler, err := recon.New(recon.Config{
		Chain:           gateway,
		Store:           store,
		Addresses:       registry,
		Tokens:          tokens,
		Interval:        cfg.Recon.Interval.Duration,
		WindowBlocks:    cfg.Recon.WindowBlocks,
		KnownHashWindow: cfg.Recon.KnownHashWindow.Duration,
		OutputDir:       cfg.Recon.ReportDir,
		Metrics:         metrics,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("reconciler setup failed", "error", err)
		os.Exit(1)
	}

	opsServer := ops.NewServer(cfg.Listen, logger, allocator,
		ops.Check{Name: "database", Probe: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
		ops.Check{Name: "redis", Probe: redisCache.Ping},
		ops.Check{Name: "chain", Probe: func(ctx context.Context) error {
			_, err := gateway.BlockNumber(ctx)
			return err
		}},
	)

	errCh := make(chan error, 3)
	go func() { errCh <- scan.Run(ctx) }()
	go func() { errCh <- reconciler.Run(ctx) }()
	go func() { errCh <- opsServer.Run(ctx) }()
	go func() {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := gateway.HealthCheck(ctx); err != nil {
					logger.Warn("rpc health check failed", "error", err)
				}
			}
		}
	}()

	logger.Info("deposit watcher started",
		"env", cfg.Env, "listen", cfg.Listen,
		"rpc", logging.MaskValue(cfg.Chain.RPCURL),
		"confirmations", cfg.Chain.Confirmations, "tokens", len(tokens))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			logger.Error("component terminated", "error", err)
		}
		stop()
	}
}
