package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/QuantCanary/canary-trader/internal/allocation"
	"github.com/QuantCanary/canary-trader/internal/api"
	"github.com/QuantCanary/canary-trader/internal/compare"
	"github.com/QuantCanary/canary-trader/internal/config"
	"github.com/QuantCanary/canary-trader/internal/lifecycle"
	"github.com/QuantCanary/canary-trader/internal/notify"
	"github.com/QuantCanary/canary-trader/internal/pipeline"
	"github.com/QuantCanary/canary-trader/internal/provider/sim"
	"github.com/QuantCanary/canary-trader/internal/registry"
	"github.com/QuantCanary/canary-trader/internal/rollback"
	"github.com/QuantCanary/canary-trader/internal/shadow"
	"github.com/QuantCanary/canary-trader/internal/stats"
	"github.com/QuantCanary/canary-trader/internal/store"
	"github.com/QuantCanary/canary-trader/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	preset := flag.String("preset", "", "threshold preset: conservative|standard|aggressive")
	once := flag.Bool("once", false, "run one cycle and exit")
	flag.Parse()

	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		logger.WithError(err).Warn("config file not loaded, using defaults")
		cfg = config.Default()
	}
	cfg.ApplyEnv()
	if err := config.ApplyPreset(&cfg, *preset); err != nil {
		logger.WithError(err).Fatal("invalid -preset")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	logger.WithFields(logrus.Fields{
		"mode":           mode,
		"preset":         *preset,
		"cycle_interval": cfg.CycleInterval,
		"stages":         cfg.Rollout.Stages,
	}).Info("canary-trader starting")

	if mode != "sim" {
		logger.Fatal("only sim mode ships in-tree; live providers are wired externally")
	}
	backend := sim.New(sim.Config{
		Seed:        time.Now().UnixNano(),
		Instruments: cfg.Shadow.Instruments,
	})

	db, err := store.Open(store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		logger.WithError(err).Fatal("open store")
	}
	defer db.Close()

	reg := registry.New()
	machine := lifecycle.New(lifecycle.Config{
		Stages:           cfg.Rollout.Stages,
		MinStageDuration: cfg.Rollout.MinStageDuration,
		MinStageTrades:   cfg.Rollout.MinStageTrades,
	})
	engine := stats.NewEngine(stats.Config{
		Alpha:         cfg.Stats.Alpha,
		Confidence:    cfg.Stats.Confidence,
		MinSampleSize: cfg.Stats.MinSampleSize,
		MinEffectSize: cfg.Stats.MinEffectSize,
		OutlierZScore: cfg.Stats.OutlierZScore,
		Bonferroni:    cfg.Stats.Bonferroni,
	})
	comparator := compare.New(engine)
	validator := shadow.New(shadow.Config{
		MinDuration:        cfg.Shadow.MinDuration,
		MinSignals:         cfg.Shadow.MinSignals,
		MinTrades:          cfg.Shadow.MinTrades,
		Instruments:        cfg.Shadow.Instruments,
		SlippageBps:        cfg.Shadow.SlippageBps,
		CommissionBps:      cfg.Shadow.CommissionBps,
		MinImprovementPct:  cfg.Shadow.MinImprovementPct,
		MaxDrawdownPct:     cfg.Shadow.MaxDrawdownPct,
		MaxRiskScore:       cfg.Shadow.MaxRiskScore,
		BaselineExpectancy: cfg.Shadow.BaselineExpectancy,
	}, backend, comparator, nil)
	allocator := allocation.New(allocation.Config{
		MinBalanceUSD:     cfg.Rollout.MinBalanceUSD,
		MinStageDuration:  cfg.Rollout.MinStageDuration,
		MinStageTrades:    cfg.Rollout.MinStageTrades,
		MaxTradeCountSkew: cfg.Rollout.MaxTradeCountSkew,
	}, backend, backend, reg, rand.New(rand.NewSource(time.Now().UnixNano())))

	rbCfg := rollback.Config{
		WarningPct:         cfg.Rollback.WarningPct,
		RollbackPct:        cfg.Rollback.RollbackPct,
		EmergencyPct:       cfg.Rollback.EmergencyPct,
		DrawdownPct:        cfg.Rollback.DrawdownPct,
		ConfirmationWindow: cfg.Rollback.ConfirmationWindow,
		MinConfirmations:   cfg.Rollback.MinConfirmations,
		PoorShareRequired:  cfg.Rollback.PoorShareRequired,
		HighRiskMultiplier: cfg.Rollback.HighRiskMultiplier,
		VolatilityTighten:  cfg.Rollback.VolatilityTighten,
		VolatilityRatio:    cfg.Rollback.VolatilityRatio,
		MinTrades:          cfg.Rollback.MinTrades,
		MinMonitorDuration: cfg.Rollback.MinMonitorDuration,
		CheckInterval:      cfg.Rollback.CheckInterval,
		MaxConcurrent:      cfg.Rollback.MaxConcurrent,
		HistoryWindow:      cfg.Rollback.HistoryWindow,
	}
	monitor := rollback.NewMonitor(rbCfg, logger)
	executor := rollback.NewExecutor(rbCfg, backend, reg, machine, logger)

	promReg := prometheus.NewRegistry()
	metrics := telemetry.New(promReg)
	notifier := notify.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)

	driver := pipeline.New(
		pipeline.Config{
			CycleInterval:      cfg.CycleInterval,
			SweepInterval:      cfg.SweepInterval,
			MaxConcurrentTests: cfg.Pipeline.MaxConcurrentTests,
			MinPriorityScore:   cfg.Pipeline.MinPriorityScore,
			SuggestionBatch:    cfg.Pipeline.SuggestionBatch,
			RetentionDays:      cfg.Pipeline.RetentionDays,
			ProviderTimeout:    cfg.Pipeline.ProviderTimeout,
			MinImprovementPct:  cfg.Rollout.MinImprovementPct,
		},
		reg, machine, validator, allocator, comparator, monitor, executor,
		pipeline.Providers{
			Accounts:    backend,
			Trades:      backend,
			Performance: backend,
			Suggestions: backend,
			Applicator:  backend,
		},
		db, metrics, notifier, logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := driver.Restore(ctx); err != nil {
		logger.WithError(err).Fatal("restore state")
	}

	if *once {
		driver.RunCycle(ctx)
		return
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.Addr, driver, reg, db, promReg, logger)
		if err := apiServer.Start(ctx); err != nil {
			logger.WithError(err).Warn("api server failed to start")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	driver.Run(ctx)

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	logger.Info("canary-trader stopped")
}
