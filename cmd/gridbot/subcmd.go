package main

import (
	"fmt"
	gridapp "grid-trading-engine/internal/app"
	"grid-trading-engine/internal/config"
	"grid-trading-engine/internal/grid"
	"grid-trading-engine/internal/ledger"
	"grid-trading-engine/internal/logger"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/persistence"
	"grid-trading-engine/internal/reporter"
	"grid-trading-engine/internal/validator"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	runCommand = &cli.Command{
		Action: run,
		Name:   "run",
		Usage:  "Run monitors, realtime stream and strategy scheduler",
	}
	validateCommand = &cli.Command{
		Action: validate,
		Name:   "validate",
		Usage:  "Report grid coverage and health",
		Flags:  []cli.Flag{strategyFlag},
	}
	cleanupCommand = &cli.Command{
		Action: cleanup,
		Name:   "cleanup",
		Usage:  "Cancel stale ledger orders of a strategy",
		Flags:  []cli.Flag{requiredStrategyFlag},
	}
	levelsCommand = &cli.Command{
		Action: levels,
		Name:   "levels",
		Usage:  "Show the grid ladder, ledger orders and fill summary of a strategy",
		Flags:  []cli.Flag{requiredStrategyFlag, markPriceFlag},
	}
	strategyCommand = &cli.Command{
		Name:  "strategy",
		Usage: "Manage strategies",
		Subcommands: []*cli.Command{
			{
				Action: addStrategy,
				Name:   "add",
				Usage:  "Create a strategy",
				Flags: []cli.Flag{
					idFlag, userFlag, accountFlag, nameFlag, typeFlag, symbolFlag, lowerFlag, upperFlag,
					gridsFlag, capitalFlag, spacingFlag, monitorFlag, notionalFlag,
				},
			},
			{
				Action: listStrategies,
				Name:   "list",
				Usage:  "List strategies",
			},
			{
				Action: stopStrategy,
				Name:   "stop",
				Usage:  "Deactivate a strategy",
				Flags:  []cli.Flag{requiredStrategyFlag},
			},
		},
	}
)

// loadConfig 读取 .env 和配置文件，并按配置初始化全局日志
func loadConfig(ctx *cli.Context) (*models.Config, error) {
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})
	if err := godotenv.Load(ctx.String(envFlag.Name)); err != nil {
		logger.S().Debugf("未加载 %s，将从系统环境变量中读取: %v", ctx.String(envFlag.Name), err)
	}
	cfg, err := config.LoadConfig(ctx.String(configFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("无法加载配置文件: %w", err)
	}
	logger.InitLogger(cfg.LogConfig)
	return cfg, nil
}

// openStores 只打开存储，供不需要交易通道的诊断命令使用
func openStores(cfg *models.Config) (*ledger.SQLiteStore, persistence.StrategyRepository, func(), error) {
	store, err := ledger.Open(cfg.LedgerDBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	repo, err := persistence.NewBadgerRepository(cfg.StateDir)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return store, repo, func() {
		repo.Close()
		store.Close()
	}, nil
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	defer logger.S().Sync()

	a, err := gridapp.New(cfg, logger.L())
	if err != nil {
		return err
	}
	defer a.Close()

	logger.S().Infof("--- 启动网格引擎 (broker=%s) ---", cfg.Broker.Name)
	if err := a.Run(ctx.Context); err != nil {
		return err
	}
	logger.S().Info("网格引擎已停止")
	return nil
}

func validate(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	store, repo, closeFn, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	v := validator.New(repo, store, logger.L())
	var reports []*validator.Report
	if id := ctx.String(strategyFlag.Name); id != "" {
		r, err := v.Validate(ctx.Context, id)
		if err != nil {
			return err
		}
		reports = append(reports, r)
	} else if reports, err = v.ValidateAll(ctx.Context); err != nil {
		return err
	}
	fmt.Println(reporter.RenderHealth(reports))
	return nil
}

func cleanup(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	store, repo, closeFn, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	id := ctx.String(requiredStrategyFlag.Name)
	n, err := validator.New(repo, store, logger.L()).CleanupStaleOrders(ctx.Context, id)
	if err != nil {
		return err
	}
	fmt.Printf("strategy %s: %d stale orders cancelled\n", id, n)
	return nil
}

func levels(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	store, repo, closeFn, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	id := ctx.String(requiredStrategyFlag.Name)
	s, err := repo.Get(ctx.Context, id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("strategy %s not found", id)
	}
	ladder, err := grid.ForStrategy(s)
	if err != nil {
		return err
	}
	active, err := store.ActiveOrdersFor(ctx.Context, id)
	if err != nil {
		return err
	}
	var states map[int]*models.GridLevelState
	if s.Realtime() {
		if states, err = store.LevelStates(ctx.Context, id); err != nil {
			return err
		}
	}
	orders, err := store.OrdersFor(ctx.Context, id)
	if err != nil {
		return err
	}

	fmt.Println(reporter.RenderLevels(fmt.Sprintf("%s %s", s.ID, s.Configuration.Symbol), ladder, active, states))
	fmt.Println(reporter.RenderOrders(orders))
	fmt.Println(reporter.RenderSummary(s.Configuration.Symbol, reporter.Summarize(orders, markPrice(ctx, orders))))
	return nil
}

// markPrice 未指定时使用最近一次成交的价格
func markPrice(ctx *cli.Context, orders []*models.GridOrder) float64 {
	if p := ctx.Float64(markPriceFlag.Name); p > 0 {
		return p
	}
	var latest *models.GridOrder
	for _, o := range orders {
		if o.FilledAt == nil {
			continue
		}
		if latest == nil || o.FilledAt.After(*latest.FilledAt) {
			latest = o
		}
	}
	if latest == nil {
		return 0
	}
	return latest.ExecutedPrice()
}

func addStrategy(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	_, repo, closeFn, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	id := ctx.String(idFlag.Name)
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	s := &models.Strategy{
		ID:          id,
		UserID:      ctx.String(userFlag.Name),
		AccountID:   ctx.String(accountFlag.Name),
		Name:        ctx.String(nameFlag.Name),
		Type:        models.StrategyType(ctx.String(typeFlag.Name)),
		IsActive:    true,
		MonitorMode: models.MonitorMode(ctx.String(monitorFlag.Name)),
		Configuration: models.StrategyConfig{
			Symbol:           ctx.String(symbolFlag.Name),
			PriceRangeLower:  ctx.Float64(lowerFlag.Name),
			PriceRangeUpper:  ctx.Float64(upperFlag.Name),
			NumberOfGrids:    ctx.Int(gridsFlag.Name),
			AllocatedCapital: ctx.Float64(capitalFlag.Name),
			GridMode:         models.GridMode(ctx.String(spacingFlag.Name)),
			OrderNotional:    ctx.Float64(notionalFlag.Name),
		},
		Telemetry: models.Telemetry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := checkStrategy(cfg, s); err != nil {
		return err
	}
	if err := repo.Save(ctx.Context, s); err != nil {
		return err
	}
	fmt.Printf("strategy %s created\n", s.ID)
	return nil
}

// checkStrategy 在写入前拒绝明显错误的参数
func checkStrategy(cfg *models.Config, s *models.Strategy) error {
	switch s.Type {
	case models.SpotGrid, models.ReverseGrid:
	case models.DCA:
		if s.Configuration.OrderNotional <= 0 {
			return fmt.Errorf("%w: dca strategy needs --notional", models.ErrConfiguration)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown strategy type %q", models.ErrConfiguration, s.Type)
	}

	switch s.MonitorMode {
	case models.ModePoll:
	case models.ModeRealtime:
		if !cfg.Realtime.Enabled {
			return fmt.Errorf("%w: realtime mode needs realtime.enabled in the config", models.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown monitor mode %q", models.ErrConfiguration, s.MonitorMode)
	}
	c := s.Configuration
	if c.AllocatedCapital <= 0 {
		return fmt.Errorf("%w: grid strategy needs --capital", models.ErrConfiguration)
	}
	if c.PriceRangeLower > 0 || c.PriceRangeUpper > 0 {
		if _, err := grid.Levels(c.PriceRangeLower, c.PriceRangeUpper, c.NumberOfGrids, c.GridMode); err != nil {
			return err
		}
	} else if c.NumberOfGrids < 2 {
		return fmt.Errorf("%w: number of grids must be at least 2", models.ErrConfiguration)
	}
	return nil
}

func listStrategies(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	_, repo, closeFn, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	list, err := repo.List(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Println(reporter.RenderStrategies(list))
	return nil
}

func stopStrategy(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	_, repo, closeFn, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	id := ctx.String(requiredStrategyFlag.Name)
	s, err := repo.Get(ctx.Context, id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("strategy %s not found", id)
	}
	s.IsActive = false
	if err := repo.Save(ctx.Context, s); err != nil {
		return err
	}
	fmt.Printf("strategy %s stopped\n", id)
	return nil
}
