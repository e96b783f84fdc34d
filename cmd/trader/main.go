package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/decimal"
	"github.com/yanun0323/logs"

	"github.com/unendless314/hl-follower/internal/decision"
	"github.com/unendless314/hl-follower/internal/execution"
	"github.com/unendless314/hl-follower/internal/execution/venue/simulated"
	"github.com/unendless314/hl-follower/internal/ingest/hyperliquid"
	"github.com/unendless314/hl-follower/internal/obs"
	"github.com/unendless314/hl-follower/internal/ops"
	"github.com/unendless314/hl-follower/internal/orchestrator"
	"github.com/unendless314/hl-follower/internal/recorder"
	"github.com/unendless314/hl-follower/internal/risk"
	"github.com/unendless314/hl-follower/internal/safety"
	"github.com/unendless314/hl-follower/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON pipeline config")
	runMode := flag.String("run-mode", "dry-run", "live | dry-run | backfill-only")
	dbConn := flag.String("db-conn", "", "Postgres connection string (overrides the -db-* flags)")
	dbHost := flag.String("db-host", "localhost", "Postgres host")
	dbPort := flag.Int("db-port", 5432, "Postgres port")
	dbUser := flag.String("db-user", "", "Postgres user")
	dbPassword := flag.String("db-password", "", "Postgres password")
	dbName := flag.String("db-name", "hl_follower", "Postgres database name")
	dbSSLMode := flag.String("db-sslmode", "disable", "Postgres sslmode")
	seedPricesPath := flag.String("seed-prices", "", "JSON {symbol: price} file seeding the venue's mark prices")
	seedFiltersPath := flag.String("seed-filters", "", "JSON {symbol: {minQty,stepSize,minNotional,tickSize}} file seeding the venue's exchange filters")
	flag.Parse()

	if *configPath == "" {
		logs.Errorf("trader: -config is required")
		os.Exit(1)
	}

	loaded, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("trader: config load failed, err: %+v", err)
		os.Exit(1)
	}

	if loaded.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: loaded.Profiling.ApplicationName,
			ServerAddress:   loaded.Profiling.ServerAddress,
			Tags:            map[string]string{"run_mode": *runMode},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("trader: pyroscope start failed, err: %+v", err)
			os.Exit(1)
		}
		defer func() { _ = profiler.Stop() }()
	}

	mode := orchestrator.RunMode(*runMode)
	switch mode {
	case orchestrator.RunModeLive, orchestrator.RunModeDryRun, orchestrator.RunModeBackfillOnly:
	default:
		logs.Errorf("trader: unknown run-mode %q", *runMode)
		os.Exit(1)
	}

	// Venue credentials come only from the environment. The leader wallet
	// comes from the config file's leaderWallet, and HL_TARGET_WALLET
	// overrides it when set. A missing value in live mode is a startup
	// failure, not a safety transition.
	targetWallet := loaded.LeaderWallet
	if env := os.Getenv("HL_TARGET_WALLET"); env != "" {
		targetWallet = env
	}
	if mode == orchestrator.RunModeLive {
		if targetWallet == "" || os.Getenv("HL_VENUE_API_KEY") == "" || os.Getenv("HL_VENUE_API_SECRET") == "" {
			logs.Errorf("trader: live mode requires HL_TARGET_WALLET, HL_VENUE_API_KEY, HL_VENUE_API_SECRET")
			os.Exit(1)
		}
	}

	db, err := store.Open(store.DSNOption{
		ConnString: *dbConn,
		Host:       *dbHost,
		Port:       *dbPort,
		User:       *dbUser,
		Password:   *dbPassword,
		Database:   *dbName,
		SSLMode:    *dbSSLMode,
	})
	if err != nil {
		logs.Errorf("trader: store open failed, err: %+v", err)
		os.Exit(1)
	}
	defer db.Close()

	seedPrices, err := loadSeedPrices(*seedPricesPath)
	if err != nil {
		logs.Errorf("trader: %+v", err)
		os.Exit(1)
	}
	seedFilters, err := loadSeedFilters(*seedFiltersPath)
	if err != nil {
		logs.Errorf("trader: %+v", err)
		os.Exit(1)
	}

	// The concrete venue HTTP/WebSocket client is out of scope; every run
	// mode, including live, executes against the in-process simulated
	// venue until a real adapter satisfying execution.Venue is linked in.
	venueAdapter := simulated.New(seedPrices, seedFilters)
	venueAdapter.SetNowMs(time.Now().UTC().UnixMilli())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	safetySvc := safety.NewService(db, safety.Config{
		WarnThreshold:           loaded.Safety.WarnThreshold,
		CriticalThreshold:       loaded.Safety.CriticalThreshold,
		SnapshotMaxStaleMs:      loaded.Safety.SnapshotMaxStaleMs,
		AutoRecoverEnabled:      loaded.Safety.AutoRecoverEnabled,
		AutoRecoverStreakTarget: loaded.Safety.AutoRecoverStreakTarget,
		AutoRecoverExecHealthMs: loaded.Safety.AutoRecoverExecHealthMs,
	})

	metrics := obs.NewMetrics()
	traceGen := obs.NewTraceGenerator(0)

	// The WAL is a best-effort durability/replay aid independent of the
	// store's own transactional audit trail; disabling it never affects
	// correctness, only cmd/tools/replay's ability to reconstruct a run.
	var wal *recorder.Writer
	if loaded.Recorder.Enabled {
		walCfg := recorder.DefaultConfig(loaded.Recorder.Dir)
		if loaded.Recorder.FilePrefix != "" {
			walCfg.FilePrefix = loaded.Recorder.FilePrefix
		}
		wal, err = recorder.NewWriter(walCfg)
		if err != nil {
			logs.Errorf("trader: wal writer init failed, err: %+v", err)
			os.Exit(1)
		}
		if err := wal.Start(ctx); err != nil {
			logs.Errorf("trader: wal writer start failed, err: %+v", err)
			os.Exit(1)
		}
		defer func() {
			if err := wal.Close(); err != nil {
				logs.Errorf("trader: wal writer close failed, err: %+v", err)
			}
		}()
	}

	riskEngine := risk.NewEngine(loaded.Risk)
	pipeline := decision.NewPipeline(decision.Config{
		MaxStaleMs:           loaded.Decision.MaxStaleMs,
		MaxFutureMs:          loaded.Decision.MaxFutureMs,
		ReplayPolicy:         loaded.Decision.ReplayPolicy,
		PriceFallbackEnabled: false,
		PriceFailurePolicy:   "reject",
		Sizing: decision.SizingConfig{
			Mode:              loaded.Decision.Sizing.Mode,
			FixedQty:          loaded.Decision.Sizing.FixedQty,
			ProportionalRatio: loaded.Decision.Sizing.ProportionalRatio,
			KellyWinRate:      loaded.Decision.Sizing.KellyWinRate,
			KellyEdge:         loaded.Decision.Sizing.KellyEdge,
			KellyFraction:     loaded.Decision.Sizing.KellyFraction,
		},
		StrategyVersion: loaded.ConfigHash,
	}, riskEngine, safetySvc, venuePrices{venueAdapter}, venueFilters{venueAdapter}, storePositions{db})

	client := hyperliquid.NewClient(hyperliquid.Config{
		TargetWallet:     targetWallet,
		RestURL:          loaded.Ingest.RestURL,
		WSURL:            loaded.Ingest.WSURL,
		RequestTimeoutMs: loaded.Ingest.RequestTimeoutMs,
		SymbolMap:        loaded.SymbolMap,
		MaxRetryAttempts: loaded.Ingest.MaxRetryAttempts,
		RetryBaseDelayMs: loaded.Ingest.RetryBaseDelayMs,
		RetryMaxDelayMs:  loaded.Ingest.RetryMaxDelayMs,
	})
	coordinator := hyperliquid.NewCoordinator(client, db, safetySvc, pipeline, wal, metrics, hyperliquid.RuntimeConfig{
		BackfillWindowMs:   loaded.Ingest.BackfillWindowMs,
		CursorOverlapMs:    loaded.Ingest.CursorOverlapMs,
		MaintenanceSkipGap: loaded.Ingest.MaintenanceSkipGap,
	})

	gateway := execution.NewGateway(execution.GatewayConfig{ResendOnReconnect: true}, venueAdapter, execution.NewStateMachine())
	executor := execution.NewExecutor(execution.Config{
		WorkerCount:                loaded.Execution.WorkerCount,
		QueueCapacity:              loaded.Execution.QueueCapacity,
		TIFSeconds:                 loaded.Execution.TIFSeconds,
		OrderPollIntervalSec:       loaded.Execution.OrderPollIntervalSec,
		UnknownPollIntervalSec:     loaded.Execution.UnknownPollIntervalSec,
		MarketFallbackEnabled:      loaded.Execution.MarketFallbackEnabled,
		MarketFallbackThresholdPct: loaded.Execution.MarketFallbackThresholdPct,
		MarketSlippageCapPct:       loaded.Execution.MarketSlippageCapPct,
		RetryBudgetMaxAttempts:     loaded.Execution.RetryBudgetMaxAttempts,
		RetryBudgetWindowSec:       loaded.Execution.RetryBudgetWindowSec,
		RetryBudgetMode:            loaded.Execution.RetryBudgetMode,
	}, gateway, venueAdapter, db, safetySvc)

	symbols := make([]string, 0, len(loaded.SymbolMap))
	for _, symbol := range loaded.SymbolMap {
		symbols = append(symbols, symbol)
	}

	orch := orchestrator.New(orchestrator.Config{
		RunMode:            mode,
		Symbols:            symbols,
		IdlePollInterval:   time.Duration(loaded.Ingest.PollIntervalMs) * time.Millisecond,
		HeartbeatInterval:  15 * time.Second,
		EventQueueCapacity: loaded.Ingest.EventQueueCapacity,
	}, db, safetySvc, venueAdapter, coordinator, executor, metrics, traceGen)

	startMode, err := orch.Bootstrap(ctx)
	if err != nil {
		logs.Errorf("trader: bootstrap failed, err: %+v", err)
		os.Exit(1)
	}
	logs.Infof("trader: starting run_mode=%s safety_mode=%s symbols=%s config_hash=%s",
		mode, startMode, strings.Join(ops.NormalizedSymbolMap(loaded.SymbolMap), ","), loaded.ConfigHash)

	orch.Run(ctx)
	logs.Infof("trader: shutdown complete")
}

// venuePrices adapts an execution.Venue's mark price into decision's
// PriceProvider, so the venue implementation (simulated today, a real
// adapter tomorrow) stays the pipeline's only source of truth for price.
type venuePrices struct{ venue execution.Venue }

func (p venuePrices) ReferencePrice(symbol string) (decimal.Decimal, int64, bool) {
	price, tsMs, err := p.venue.FetchMarkPrice(context.Background(), symbol)
	if err != nil {
		return decimal.Zero, 0, false
	}
	return price, tsMs, true
}

// venueFilters adapts an execution.Venue's exchange filters into
// decision's FiltersProvider.
type venueFilters struct{ venue execution.Venue }

func (f venueFilters) Filters(symbol string) (risk.SymbolFilters, bool) {
	filters, err := f.venue.FetchFilters(context.Background(), symbol)
	if err != nil {
		return risk.SymbolFilters{}, false
	}
	return filters, true
}

// storePositions adapts the store's derived local positions into
// decision's PositionProvider, used to bound reduce-only sizing.
type storePositions struct{ store *store.Store }

func (p storePositions) LocalPosition(symbol string) decimal.Decimal {
	positions, err := p.store.DeriveLocalPositions()
	if err != nil {
		return decimal.Zero
	}
	return positions[symbol]
}

func loadSeedPrices(path string) (map[string]decimal.Decimal, error) {
	if path == "" {
		return map[string]decimal.Decimal{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed prices: %w", err)
	}
	var raw map[string]float64
	if err := sonic.ConfigFastest.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seed prices: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for symbol, price := range raw {
		out[symbol] = decimal.NewFromFloat(price)
	}
	return out, nil
}

func loadSeedFilters(path string) (map[string]risk.SymbolFilters, error) {
	if path == "" {
		return map[string]risk.SymbolFilters{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed filters: %w", err)
	}
	var raw map[string]struct {
		MinQty      float64 `json:"minQty"`
		StepSize    float64 `json:"stepSize"`
		MinNotional float64 `json:"minNotional"`
		TickSize    float64 `json:"tickSize"`
	}
	if err := sonic.ConfigFastest.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seed filters: %w", err)
	}
	out := make(map[string]risk.SymbolFilters, len(raw))
	for symbol, f := range raw {
		out[symbol] = risk.SymbolFilters{
			MinQty:      decimal.NewFromFloat(f.MinQty),
			StepSize:    decimal.NewFromFloat(f.StepSize),
			MinNotional: decimal.NewFromFloat(f.MinNotional),
			TickSize:    decimal.NewFromFloat(f.TickSize),
		}
	}
	return out, nil
}
