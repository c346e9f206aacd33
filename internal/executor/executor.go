// Package executor runs one scheduler tick of a strategy and routes fills back
// to the strategy that owns them.
package executor

import (
	"context"
	"fmt"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/persistence"
	"sync"

	"go.uber.org/zap"
)

// Executor 一种策略类型的执行逻辑
type Executor interface {
	Type() models.StrategyType
	// Execute 执行一次调度节拍，可能产生多个结果
	Execute(ctx context.Context, s *models.Strategy) []models.TradeResult
	// ExecuteOnFill 处理一笔成交
	ExecuteOnFill(ctx context.Context, s *models.Strategy, order *models.GridOrder) models.TradeResult
}

// Registry 按策略类型分发执行器
type Registry struct {
	strategies persistence.StrategyRepository
	logger     *zap.Logger

	mu        sync.RWMutex
	executors map[models.StrategyType]Executor
}

func NewRegistry(strategies persistence.StrategyRepository, logger *zap.Logger) *Registry {
	return &Registry{
		strategies: strategies,
		logger:     logger,
		executors:  make(map[models.StrategyType]Executor),
	}
}

// Register 注册执行器，同类型的旧执行器会被替换
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Type()] = e
}

func (r *Registry) Get(t models.StrategyType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	return e, ok
}

// Tick 重新读取策略后执行一次。策略被删除或停用时返回 hold。
func (r *Registry) Tick(ctx context.Context, strategyID string) ([]models.TradeResult, error) {
	s, err := r.strategies.Get(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy %s: %w", strategyID, err)
	}
	if s == nil {
		return nil, fmt.Errorf("strategy %s not found", strategyID)
	}
	if !s.IsActive {
		return []models.TradeResult{models.Hold(s.Configuration.Symbol, "strategy %s is inactive", s.ID)}, nil
	}
	e, ok := r.Get(s.Type)
	if !ok {
		return nil, fmt.Errorf("%w: no executor for strategy type %q", models.ErrConfiguration, s.Type)
	}
	results := e.Execute(ctx, s)
	r.logger.Debug("策略执行完成", zap.String("strategy", s.ID), zap.String("type", string(s.Type)), zap.Int("results", len(results)))
	return results, nil
}
