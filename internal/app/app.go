// Package app wires the engine's components from configuration and runs them
// as one service group.
package app

import (
	"context"
	"errors"
	"fmt"
	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/executor"
	"grid-trading-engine/internal/ledger"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/monitor"
	"grid-trading-engine/internal/notify"
	"grid-trading-engine/internal/persistence"
	"grid-trading-engine/internal/placement"
	"grid-trading-engine/internal/reactor"
	"grid-trading-engine/internal/realtime"
	"grid-trading-engine/internal/scheduler"
	"grid-trading-engine/internal/validator"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App 持有所有组件。组件之间只通过构造时注入的依赖通信。
type App struct {
	cfg    *models.Config
	logger *zap.Logger

	Ledger     *ledger.SQLiteStore
	Strategies persistence.StrategyRepository
	Brokers    *exchange.Registry
	Market     exchange.MarketDataPort
	Hub        *notify.Hub
	Validator  *validator.Validator

	PriceMonitor *monitor.PriceMonitor
	FillMonitor  *monitor.FillMonitor
	Realtime     *realtime.Monitor
	Executors    *executor.Registry
	Scheduler    *scheduler.Scheduler

	server *notify.Server
	papers map[string]*exchange.PaperExchange // 仅模拟盘，按 user/account 索引
}

// New 根据配置构建应用（不启动）
func New(cfg *models.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	a := &App{cfg: cfg, logger: logger}

	store, err := ledger.Open(cfg.LedgerDBPath)
	if err != nil {
		return nil, fmt.Errorf("打开订单账本失败: %w", err)
	}
	a.Ledger = store

	repo, err := persistence.NewBadgerRepository(cfg.StateDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("打开策略仓库失败: %w", err)
	}
	a.Strategies = repo

	if err := a.buildBrokers(); err != nil {
		a.Close()
		return nil, err
	}

	a.Hub = notify.NewHub(cfg.Notify.BufferSize, logger.Named("notify"))
	if cfg.Notify.ListenAddr != "" {
		a.server = notify.NewServer(cfg.Notify.ListenAddr, a.Hub, logger.Named("notify"))
	}
	a.Validator = validator.New(repo, store, logger.Named("validator"))

	placer := placement.New(store, a.Brokers, a.Hub, logger.Named("placement"))

	var feed realtime.PriceFeed
	if cfg.Realtime.Enabled {
		feed = exchange.NewPriceStream(cfg.Realtime.WSURL,
			seconds(cfg.Realtime.PingIntervalSec),
			seconds(cfg.Realtime.PongTimeoutSec),
			seconds(cfg.Realtime.ReconnectDelaySec),
			logger.Named("stream"))
	}
	a.Realtime = realtime.New(repo, store, placer, feed, logger.Named("realtime"))
	a.PriceMonitor = monitor.NewPriceMonitor(cfg.PriceMonitor, repo, store, a.Brokers, a.Market, placer, a.Hub, logger.Named("price_monitor"))

	var (
		registrar executor.RealtimeRegistrar
		fills     executor.RealtimeFills
	)
	if cfg.Realtime.Enabled {
		registrar, fills = a.Realtime, a.Realtime
	} else {
		a.PriceMonitor.CoverRealtime()
		a.warnRealtimeStrategies()
	}

	fillReactor := reactor.New(cfg.Reactor, placer, logger.Named("reactor"))
	a.Executors = executor.NewRegistry(repo, logger.Named("executor"))
	for _, typ := range []models.StrategyType{models.SpotGrid, models.ReverseGrid} {
		a.Executors.Register(executor.NewGridExecutor(typ, cfg.Grid, repo, a.Brokers, a.Market,
			a.PriceMonitor, registrar, fillReactor, logger.Named("executor")))
	}
	a.Executors.Register(executor.NewDCAExecutor(repo, a.Brokers, a.Market, logger.Named("executor")))

	dispatcher := executor.NewDispatcher(repo, a.Executors, fills, logger.Named("dispatcher"))
	a.FillMonitor = monitor.NewFillMonitor(cfg.FillMonitor, repo, store, a.Brokers, dispatcher, a.Hub, logger.Named("fill_monitor"))
	a.Scheduler = scheduler.New(scheduler.OptionsFrom(cfg.Scheduler), repo, a.Executors, a.Hub, logger.Named("scheduler"))
	return a, nil
}

// warnRealtimeStrategies 实时行情关闭时提示哪些实时模式策略会按轮询方式运行
func (a *App) warnRealtimeStrategies() {
	active, err := a.Strategies.ListActive(context.Background())
	if err != nil {
		a.logger.Warn("读取策略失败", zap.Error(err))
		return
	}
	for _, s := range active {
		if s.Type.IsGrid() && s.Realtime() {
			a.logger.Warn("实时行情未启用，实时模式策略将由价格监控轮询补单", zap.String("strategy", s.ID))
		}
	}
}

// buildBrokers 按配置创建每个用户的交易通道和共享行情
func (a *App) buildBrokers() error {
	cfg := a.cfg
	a.Brokers = exchange.NewRegistry()

	switch strings.ToLower(cfg.Broker.Name) {
	case "binance":
		a.Market = exchange.NewLiveMarketData(cfg.Broker.IsTestnet, a.logger.Named("market"))
		for _, acc := range cfg.Accounts {
			apiKey, secretKey := os.Getenv(acc.APIKeyEnv), os.Getenv(acc.SecretKeyEnv)
			if apiKey == "" || secretKey == "" {
				return fmt.Errorf("%w: 用户 %s 的环境变量 %s/%s 未设置",
					models.ErrConfiguration, acc.UserID, acc.APIKeyEnv, acc.SecretKeyEnv)
			}
			a.Brokers.Register(acc.Context(), exchange.NewLiveExchange(apiKey, secretKey,
				cfg.Broker.QuoteAsset, cfg.Broker.IsTestnet, a.logger.Named("binance")))
		}
		if cfg.Broker.IsTestnet {
			a.logger.Info("正在使用币安测试网")
		}
	default:
		var source exchange.MarketDataPort
		if cfg.Broker.PaperQuotes {
			source = exchange.NewLiveMarketData(cfg.Broker.IsTestnet, a.logger.Named("market"))
		}
		a.papers = make(map[string]*exchange.PaperExchange, len(cfg.Accounts))
		quotes := &paperQuotes{source: source}
		for _, acc := range cfg.Accounts {
			paper := exchange.NewPaperExchange(cfg.Broker.PaperCash)
			a.papers[acc.Context().String()] = paper
			a.Brokers.Register(acc.Context(), paper)
			quotes.papers = append(quotes.papers, paper)
		}
		a.Market = quotes
		if source == nil {
			a.logger.Warn("模拟盘未启用外部行情，价格需要手动设置")
		}
	}
	return nil
}

// paperQuotes 把外部行情同步给每个模拟账户，使挂单按真实价格撮合
type paperQuotes struct {
	source exchange.MarketDataPort
	papers []*exchange.PaperExchange
}

func (q *paperQuotes) LatestQuote(ctx context.Context, symbol string) models.Quote {
	if q.source == nil {
		if len(q.papers) == 0 {
			return models.Quote{Symbol: symbol}
		}
		return q.papers[0].LatestQuote(ctx, symbol)
	}
	quote := q.source.LatestQuote(ctx, symbol)
	if quote.Available {
		for _, p := range q.papers {
			p.SetPrice(symbol, quote.Price())
		}
	}
	return quote
}

func (q *paperQuotes) LatestBar(ctx context.Context, symbol string) models.Bar {
	if q.source == nil {
		if len(q.papers) == 0 {
			return models.Bar{Symbol: symbol}
		}
		return q.papers[0].LatestBar(ctx, symbol)
	}
	return q.source.LatestBar(ctx, symbol)
}

// SetPaperPrice 手动推进所有模拟账户的价格
func (a *App) SetPaperPrice(symbol string, price float64) {
	for _, p := range a.papers {
		p.SetPrice(symbol, price)
	}
}

// Run 启动所有后台服务，直到 ctx 结束或某个服务返回错误
func (a *App) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return a.Hub.Run(ctx) })
	if a.server != nil {
		group.Go(func() error { return a.server.Run(ctx) })
	}
	group.Go(func() error { return a.PriceMonitor.Run(ctx) })
	group.Go(func() error { return a.FillMonitor.Run(ctx) })
	if a.cfg.Realtime.Enabled {
		group.Go(func() error { return a.Realtime.Run(ctx) })
	}
	group.Go(func() error { return a.Scheduler.Run(ctx) })

	a.logger.Info("网格引擎已启动",
		zap.String("broker", a.cfg.Broker.Name),
		zap.Int("accounts", len(a.cfg.Accounts)),
		zap.Bool("realtime", a.cfg.Realtime.Enabled))
	return group.Wait()
}

// Close 关闭存储
func (a *App) Close() error {
	var errs []error
	if a.Strategies != nil {
		errs = append(errs, a.Strategies.Close())
	}
	if a.Ledger != nil {
		errs = append(errs, a.Ledger.Close())
	}
	return errors.Join(errs...)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
