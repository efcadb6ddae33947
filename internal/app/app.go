// Package app wires configuration into running discovery, market and
// API components.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/mat-shur/picpool/internal/api"
	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/config"
	"github.com/mat-shur/picpool/internal/discovery"
	"github.com/mat-shur/picpool/internal/logger"
	"github.com/mat-shur/picpool/internal/market"
	"github.com/mat-shur/picpool/internal/notify"
	"github.com/mat-shur/picpool/internal/retry"
	"github.com/mat-shur/picpool/internal/scheduler"
	"github.com/mat-shur/picpool/internal/storage"
	chstore "github.com/mat-shur/picpool/internal/storage/clickhouse"
	"github.com/mat-shur/picpool/internal/storage/memory"
	"github.com/mat-shur/picpool/internal/storage/migrations"
	pgstore "github.com/mat-shur/picpool/internal/storage/postgres"
	"github.com/mat-shur/picpool/internal/trade"
)

// ErrNoFactory is returned when discovery runs without a factory address.
var ErrNoFactory = errors.New("chain.factory is required for discovery")

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	Reader    chain.Reader    // default: JSON-RPC client from config
	Submitter chain.Submitter // default: dry run
	Clock     clockwork.Clock
	WithHub   bool
}

// App owns every long-lived component.
type App struct {
	cfg *config.Config
	log *logrus.Logger

	Reader     chain.Reader
	Scheduler  *scheduler.Scheduler
	Dispatcher *notify.Dispatcher
	Hub        *api.Hub
	Discovery  *discovery.Engine
	Watcher    *market.Watcher
	Trades     *trade.Builder

	discoveryStore storage.DiscoveryStore
	archive        storage.TradeArchive
	closers        []func()
}

// New connects storage and messaging and builds the engines. Nothing
// runs until Start.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger, opts Options) (*App, error) {
	a := &App{cfg: cfg, log: log}

	a.Reader = opts.Reader
	if a.Reader == nil {
		a.Reader = chain.NewHTTPClient(cfg.Chain.RPCURL, cfg.FactoryAddress(),
			chain.WithTimeout(cfg.Chain.Timeout),
			chain.WithRateLimit(cfg.Chain.RateLimit, cfg.Chain.Burst),
		)
	}

	if err := a.initStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initNotify(opts.WithHub); err != nil {
		a.Close()
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a.Scheduler = scheduler.New(clock, logger.WithComponent(log, "scheduler"))

	discLog := logger.WithComponent(log, "discovery")
	a.Discovery = discovery.NewEngine(discovery.EngineOptions{
		Poller: discovery.NewPoller(discovery.PollerOptions{
			Reader: a.Reader,
			Policy: retry.Policy{
				MaxAttempts: cfg.Discovery.MaxAttempts,
				BaseDelay:   cfg.Discovery.BaseDelay,
				Clock:       clock,
			},
			Concurrency: cfg.Discovery.Concurrency,
			Logger:      discLog,
		}),
		Store:        a.discoveryStore,
		Publisher:    a.Dispatcher,
		Clock:        clock,
		RefreshEvery: cfg.Discovery.RefreshEvery,
		PendingPolicy: retry.Policy{
			MaxAttempts: cfg.Discovery.PendingMaxAttempts,
			BaseDelay:   cfg.Discovery.PendingBackoff,
		},
		Logger: discLog,
	})

	marketLog := logger.WithComponent(log, "market")
	a.Watcher = market.NewWatcher(market.WatcherOptions{
		Poller: market.NewPoller(market.PollerOptions{
			Reader: a.Reader,
			Policy: retry.Policy{
				MaxAttempts: cfg.Market.MaxAttempts,
				BaseDelay:   cfg.Market.BaseDelay,
				Clock:       clock,
			},
			Holder: cfg.HolderAddress(),
			Clock:  clock,
			Logger: marketLog,
		}),
		Scheduler:    a.Scheduler,
		Interval:     cfg.Market.Interval,
		DirectionTTL: cfg.Market.DirectionTTL,
		Publisher:    a.Dispatcher,
		Archive:      a.archive,
		Logger:       marketLog,
	})

	submitter := opts.Submitter
	if submitter == nil {
		submitter = chain.NewDryRunSubmitter(logger.WithComponent(log, "submitter"))
	}
	a.Trades = trade.NewBuilder(cfg.FactoryAddress(), submitter, logger.WithComponent(log, "trade"))

	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	log := logger.WithComponent(a.log, "storage")

	switch a.cfg.Storage.Backend {
	case "postgres":
		pool, err := pgstore.NewPool(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := migrations.RunPostgres(ctx, pool, log); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		a.discoveryStore = pgstore.NewDiscoveryStore(pool)
	default:
		a.discoveryStore = memory.NewDiscoveryStore()
	}

	if dsn := a.cfg.Storage.ClickhouseDSN; dsn != "" {
		conn, err := migrations.RunClickhouse(ctx, dsn, log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.closers = append(a.closers, func() { conn.Close() })
		a.archive = chstore.NewTradeArchive(conn)
	} else if a.cfg.Storage.Backend == "memory" {
		a.archive = memory.NewTradeArchive()
	}
	return nil
}

func (a *App) initNotify(withHub bool) error {
	a.Dispatcher = notify.NewDispatcher(logger.WithComponent(a.log, "notify"),
		notify.NewLogSink(logger.WithComponent(a.log, "events")))

	if a.cfg.NATS.URL != "" {
		conn, err := notify.ConnectNATS(a.cfg.NATS, logger.WithComponent(a.log, "nats"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() {
			if err := conn.Drain(); err != nil {
				conn.Close()
			}
		})
		a.Dispatcher.Add(notify.NewNATSSink(conn, a.cfg.NATS.Subject))
	}

	if withHub {
		a.Hub = api.NewHub(logger.WithComponent(a.log, "websocket"))
		a.Dispatcher.Add(a.Hub)
	}
	return nil
}

// CheckChain compares the node's chain id with the configured one.
func (a *App) CheckChain(ctx context.Context) error {
	client, ok := a.Reader.(*chain.HTTPClient)
	if !ok {
		return nil
	}
	id, err := retry.Do(ctx, retry.Policy{MaxAttempts: 3, Retryable: chain.IsRetryable}.Named("chain_id"),
		func(ctx context.Context) (uint64, error) {
			v, err := client.ChainID(ctx)
			if err != nil {
				return 0, err
			}
			return v.Uint64(), nil
		})
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	if id != a.cfg.Chain.ID {
		return fmt.Errorf("rpc serves chain %d, expected %d", id, a.cfg.Chain.ID)
	}
	return nil
}

// StartDiscovery restores persisted state and schedules the discovery loop.
func (a *App) StartDiscovery(ctx context.Context) error {
	if a.cfg.FactoryAddress() == (common.Address{}) {
		return ErrNoFactory
	}
	if err := a.Discovery.Load(ctx); err != nil {
		return fmt.Errorf("load discovery state: %w", err)
	}
	a.Discovery.Start(a.Scheduler, a.cfg.Discovery.Interval)
	return nil
}

// WatchConfigured subscribes every listing in market.watch.
func (a *App) WatchConfigured() {
	for _, w := range a.cfg.Market.Watch {
		a.Watcher.Subscribe(common.HexToAddress(w))
	}
}

// Server builds the HTTP API over the app's engines.
func (a *App) Server() *api.Server {
	return api.NewServer(api.Options{
		Addr:            a.cfg.Server.Addr,
		ReadTimeout:     a.cfg.Server.ReadTimeout,
		WriteTimeout:    a.cfg.Server.WriteTimeout,
		Listings:        a.Discovery,
		Watcher:         a.Watcher,
		Hub:             a.Hub,
		Trades:          a.Trades,
		Archive:         a.archive,
		DefaultSlippage: a.cfg.Trade.SlippagePct,
		Logger:          logger.WithComponent(a.log, "api"),
	})
}

// MarketView subscribes listing and waits for its first accepted state.
func (a *App) MarketView(ctx context.Context, listing common.Address) (*market.View, error) {
	tr := a.Watcher.Subscribe(listing)
	select {
	case <-tr.Ready():
		return tr.View(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for %s state: %w", listing.Hex(), ctx.Err())
	}
}

// Close stops every task and releases connections in reverse order.
func (a *App) Close() {
	if a.Watcher != nil {
		a.Watcher.Stop()
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 10 * time.Second
