// Package bootstrap assembles the engine from configuration and runs it
// until a termination signal arrives.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spot_engine/internal/alert"
	"spot_engine/internal/coid"
	"spot_engine/internal/config"
	"spot_engine/internal/core"
	"spot_engine/internal/engine"
	"spot_engine/internal/eventlog"
	"spot_engine/internal/exchange"
	"spot_engine/internal/fsm"
	"spot_engine/internal/health"
	"spot_engine/internal/ledger"
	"spot_engine/internal/marketdata"
	"spot_engine/internal/metrics"
	"spot_engine/internal/mock"
	"spot_engine/internal/portfolio"
	"spot_engine/internal/reconciler"
	"spot_engine/internal/router"
	"spot_engine/internal/snapshot"
	"spot_engine/internal/strategy"
	"spot_engine/pkg/concurrency"
	"spot_engine/pkg/logging"
	"spot_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-running component driven by the app lifecycle.
type Runner interface {
	Run(ctx context.Context) error
}

// App holds every wired component plus the handles needed for an orderly
// shutdown.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	Machine   *fsm.Machine
	Engine    *engine.Engine
	Portfolio *portfolio.Portfolio
	Health    *health.Manager

	tel      *telemetry.Telemetry
	recorder *eventlog.Recorder
	book     *ledger.Ledger
	market   *marketdata.Provider
	pool     *concurrency.WorkerPool
	metrics  *metrics.Server
	alerts   *alert.Manager
	clock    core.Clock
}

// NewApp wires the whole engine in dependency order: config, logger,
// telemetry, durable stores, exchange surface, trading components, then
// recovery. Any failure aborts startup.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tel, err := telemetry.Setup("spot_engine")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	clock := core.SystemClock{}

	recorder, err := eventlog.NewRecorder(cfg.Journal.Dir, cfg.Journal.RetentionDays, logger, clock)
	if err != nil {
		return nil, fmt.Errorf("journals: %w", err)
	}
	logger.Info("Session started", "session_id", recorder.SessionID())

	book, err := ledger.Open(cfg.State.LedgerPath, logger)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	coids, err := coid.NewManager(cfg.State.COIDPath, logger, clock)
	if err != nil {
		return nil, fmt.Errorf("coid store: %w", err)
	}

	client, err := buildExchangeClient(cfg)
	if err != nil {
		return nil, err
	}

	wrapper := exchange.NewWrapper(client, logger, exchange.Options{
		OrderRate:    cfg.Exchange.OrderRate,
		OrderBurst:   cfg.Exchange.OrderBurst,
		PollInterval: time.Duration(cfg.Exchange.FillPollMS) * time.Millisecond,
	}, func(op, symbol string, latency time.Duration, err error) {
		rec := eventlog.Record{
			Component: "exchange_wrapper",
			Event:     op,
			Symbol:    symbol,
			Data:      map[string]any{"latency_ms": latency.Milliseconds()},
		}
		if err != nil {
			rec.Level = "error"
			rec.Data["error"] = err.Error()
		}
		recorder.Emit(eventlog.KindTracer, rec)
	})

	market := marketdata.NewProvider(client,
		time.Duration(cfg.Engine.SnapshotTTLMS)*time.Millisecond, logger, clock)

	pf := portfolio.New(decimal.NewFromFloat(cfg.Sizing.TotalBudgetUSDT),
		decimal.NewFromFloat(cfg.Router.MinNotional), logger, clock)

	bus := engine.NewBus(logger)

	rt := router.New(router.Config{
		MaxRetries:   cfg.Router.MaxRetries,
		RetryBackoff: time.Duration(cfg.Router.BackoffMS) * time.Millisecond,
		FillTimeout:  time.Duration(cfg.Exchange.FillTimeoutMS) * time.Millisecond,
		TIF:          cfg.Router.TIF,
		SlippageBps:  cfg.Router.SlippageBps,
		MinNotional:  decimal.NewFromFloat(cfg.Router.MinNotional),
	}, wrapper, pf, coids, market, bus, logger, clock)

	rec := reconciler.New(wrapper, pf, book, logger, recorder.Audit)
	rec.SubscribeTo(bus)
	bus.Subscribe(core.TopicOrderFilled, func(payload any) {
		if fe, ok := payload.(core.FillEvent); ok {
			recorder.OrderFilled(fe)
		}
	})

	alerts := alert.NewManager(logger, clock)
	alerts.AddChannel(alert.NewLogChannel(logger))
	if cfg.Alerts.WebhookURL != "" {
		alerts.AddChannel(alert.NewWebhookChannel(cfg.Alerts.WebhookURL))
	}

	var snapshots *snapshot.Manager
	if cfg.Snapshots.Enabled {
		snapshots, err = snapshot.NewManager(cfg.Snapshots.Dir,
			time.Duration(cfg.Snapshots.MaxPositionAgeHrs)*time.Hour, logger, clock)
		if err != nil {
			return nil, fmt.Errorf("snapshots: %w", err)
		}
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "order-exec",
		MaxWorkers:  cfg.Engine.WorkerPoolSize,
		MaxCapacity: 4 * max(cfg.Engine.WorkerPoolSize, 1),
	}, logger)

	signals := strategy.NewMomentum(cfg.Strategy.MomentumWindow, cfg.Strategy.MomentumThresholdPct)
	guards := strategy.NewChain(
		strategy.PriceSanityGuard{},
		strategy.NewSpreadGuard(market, cfg.Strategy.MaxSpreadBps),
		strategy.NewVolumeGuard(market, cfg.Strategy.MinVolume),
	)

	machine, err := fsm.NewMachine(fsm.Config{
		MaxTrades:        cfg.Engine.MaxTrades,
		PositionSizeUSDT: decimal.NewFromFloat(cfg.Sizing.PositionSizeUSDT),
		MinSlotUSDT:      decimal.NewFromFloat(cfg.Sizing.MinSlotUSDT),
		EntryCooldown:    time.Duration(cfg.Engine.EntryCooldownS) * time.Second,
		SymbolCooldown:   cfg.CooldownDuration(),
		Timeouts: fsm.TimeoutPolicy{
			BuyFill:  time.Duration(cfg.Timeouts.BuyFillTimeoutS) * time.Second,
			SellFill: time.Duration(cfg.Timeouts.SellFillTimeoutS) * time.Second,
			TradeTTL: time.Duration(cfg.Timeouts.TradeTTLMin) * time.Minute,
		},
		Exits: fsm.ExitConfig{
			HardSLPct:       cfg.Exits.HardSLPct,
			HardTPPct:       cfg.Exits.HardTPPct,
			TrailingEnable:  cfg.Exits.TrailingEnable,
			TrailingPct:     cfg.Exits.TrailingPct,
			MaxHold:         time.Duration(cfg.Exits.MaxHoldS) * time.Second,
			SLMarket:        cfg.Exits.SLMarket,
			TPMarket:        cfg.Exits.TPMarket,
			NeverMarketSell: cfg.Exits.NeverMarketSell,
			SellLadderTicks: cfg.Exits.SellLadderTicks,
		},
	}, fsm.Deps{
		Executor:  rt,
		Orders:    wrapper,
		IDs:       coids,
		Portfolio: pf,
		Signals:   signals,
		Guards:    guards,
		Snapshots: snapshotSink(snapshots),
		Observer:  &alertingObserver{next: recorder, alerts: alerts},
		Submit: func(task func()) {
			if err := pool.Submit(task); err != nil {
				logger.Error("Order execution pool rejected task", "error", err.Error())
				task()
			}
		},
		Logger: logger,
		Clock:  clock,
	})
	if err != nil {
		return nil, fmt.Errorf("state machine: %w", err)
	}

	// A fill the reconciler cannot book means the portfolio no longer
	// matches the exchange: raise an operator alert and park the symbol.
	rec.SetFailureFunc(func(symbol, orderID string, err error) {
		alerts.Alert(context.Background(), alert.Critical, "reconciliation failed",
			fmt.Sprintf("%s order %s could not be booked: %v", symbol, orderID, err),
			map[string]string{"symbol": symbol, "order_id": orderID})
		machine.Halt(symbol)
	})

	checks := health.NewManager(logger)
	checks.Register("ledger", func() error {
		_, err := book.Balance(context.Background(), ledger.AccountCash)
		return err
	})
	checks.Register("journal_dir", dirWritableCheck(cfg.Journal.Dir))
	if cfg.Snapshots.Enabled {
		checks.Register("snapshot_dir", dirWritableCheck(cfg.Snapshots.Dir))
	}

	eng := engine.New(engine.Config{
		TickInterval: cfg.TickInterval(),
		Watchlist:    cfg.Engine.Watchlist,
		StatusEveryN: cfg.Engine.StatusEveryN,
	}, machine, market, recorder, logger, clock)

	var srv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		srv = metrics.NewServer(cfg.Telemetry.MetricsPort, checks, logger)
	}

	app := &App{
		Cfg:       cfg,
		Logger:    logger,
		Machine:   machine,
		Engine:    eng,
		Portfolio: pf,
		Health:    checks,
		tel:       tel,
		recorder:  recorder,
		book:      book,
		market:    market,
		pool:      pool,
		metrics:   srv,
		alerts:    alerts,
		clock:     clock,
	}

	if err := app.recover(context.Background(), coids, wrapper, snapshots); err != nil {
		return nil, err
	}
	return app, nil
}

// recover resolves in-flight client order ids against the exchange, then
// reinstalls the per-symbol states and positions saved by the last run.
func (a *App) recover(ctx context.Context, coids *coid.Manager, fetcher coid.OrderFetcher,
	snapshots *snapshot.Manager) error {
	if err := coids.ReconcileWithExchange(ctx, fetcher); err != nil {
		return fmt.Errorf("coid reconciliation: %w", err)
	}
	if snapshots == nil {
		return nil
	}

	states, err := snapshots.RecoverAll()
	if err != nil {
		return fmt.Errorf("snapshot recovery: %w", err)
	}
	for _, st := range states {
		a.Machine.Restore(st)
		if st.Phase.HoldsPosition() && st.Amount.Sign() > 0 {
			a.Portfolio.RestorePosition(&portfolio.Position{
				Symbol:   st.Symbol,
				Qty:      st.Amount,
				AvgEntry: st.EntryPrice,
				Status:   portfolio.PositionOpen,
				OpenedAt: st.EntryTS,
			})
		}
		a.Logger.Info("Recovered symbol state", "symbol", st.Symbol, "phase", string(st.Phase))
	}
	return nil
}

// Run drives the engine until SIGINT/SIGTERM, then shuts everything down
// in reverse dependency order, flushing journals last.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if url := a.Cfg.Engine.TickerStreamURL; url != "" {
		a.market.StartStream(url)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Engine.Run(ctx) })
	if a.metrics != nil {
		g.Go(func() error { return a.metrics.Run(ctx) })
	}

	a.Logger.Info("Engine started",
		"watchlist", a.Cfg.Engine.Watchlist, "tick_ms", a.Cfg.Engine.TickMS)

	err := g.Wait()
	a.shutdown()
	if err != nil && err != context.Canceled {
		return err
	}
	a.Logger.Info("Engine stopped")
	return nil
}

func (a *App) shutdown() {
	a.market.StopStream()
	a.pool.Stop()
	a.book.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("Telemetry shutdown failed", "error", err.Error())
	}
	a.recorder.Health("shutdown", map[string]any{"ticks": a.Engine.Ticks()})
	a.recorder.Close()
}

// buildExchangeClient selects the exchange backend. External connectors
// plug in by satisfying core.ExchangeClient; the built-in mock backend
// fills instantly and is meant for dry runs.
func buildExchangeClient(cfg *config.Config) (core.ExchangeClient, error) {
	switch cfg.Exchange.Name {
	case "mock":
		return mock.NewExchange(), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q (built-in backends: mock)", cfg.Exchange.Name)
	}
}

// snapshotSink adapts a possibly-nil manager to the machine's sink
// interface without handing it a typed nil.
func snapshotSink(m *snapshot.Manager) fsm.SnapshotSink {
	if m == nil {
		return nil
	}
	return m
}

func dirWritableCheck(dir string) func() error {
	return func() error {
		f, err := os.CreateTemp(dir, ".healthz-*")
		if err != nil {
			return err
		}
		name := f.Name()
		f.Close()
		return os.Remove(name)
	}
}

// alertingObserver forwards lifecycle events to the journals and raises a
// critical alert whenever a symbol enters ERROR.
type alertingObserver struct {
	next   fsm.Observer
	alerts *alert.Manager
}

func (o *alertingObserver) Transition(symbol string, from, to core.Phase, ev core.EventType, note string) {
	o.next.Transition(symbol, from, to, ev, note)
	if to == core.PhaseError {
		o.alerts.Alert(context.Background(), alert.Critical, "symbol entered ERROR",
			fmt.Sprintf("%s parked after %s", symbol, ev),
			map[string]string{"symbol": symbol, "from": string(from), "note": note})
	}
}

func (o *alertingObserver) InvalidTransition(symbol string, phase core.Phase, ev core.EventType) {
	o.next.InvalidTransition(symbol, phase, ev)
}

func (o *alertingObserver) Decision(symbol, decisionID string, ev core.EventType, data map[string]any) {
	o.next.Decision(symbol, decisionID, ev, data)
}
