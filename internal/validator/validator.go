// Package validator reports ladder coverage, gaps and staleness for grid
// strategies. It never places or cancels broker orders.
package validator

import (
	"context"
	"fmt"
	"grid-trading-engine/internal/grid"
	"grid-trading-engine/internal/ledger"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/persistence"
	"math"
	"time"

	"go.uber.org/zap"
)

// Status 健康等级
type Status string

const (
	Excellent Status = "excellent"
	Good      Status = "good"
	Fair      Status = "fair"
	Poor      Status = "poor"
	Critical  Status = "critical"
)

// Coverage 档位覆盖情况
type Coverage struct {
	TotalLevels int     `json:"total_levels"`
	Covered     []int   `json:"covered"`
	Missing     []int   `json:"missing"`
	Percent     float64 `json:"percent"`
}

// Gap 连续缺失的档位区间
type Gap struct {
	StartIndex int     `json:"start_index"`
	EndIndex   int     `json:"end_index"`
	StartPrice float64 `json:"start_price"`
	EndPrice   float64 `json:"end_price"`
}

// Report 单个策略的诊断结果
type Report struct {
	StrategyID  string    `json:"strategy_id"`
	Symbol      string    `json:"symbol"`
	Levels      []float64 `json:"levels"`
	Coverage    Coverage  `json:"coverage"`
	Gaps        []Gap     `json:"gaps"`
	ActiveCount int       `json:"active_count"`
	StaleCount  int       `json:"stale_count"`
	HealthScore float64   `json:"health_score"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// CoverageOf 一个档位只要存在未过期的 pending/partially_filled/filled 订单就算覆盖
func CoverageOf(levels []float64, orders []*models.GridOrder) Coverage {
	covered := make([]bool, len(levels))
	for _, o := range orders {
		if o.IsStale || o.GridLevel < 0 || o.GridLevel >= len(levels) {
			continue
		}
		if o.Status.IsOpen() || o.Status == models.StatusFilled {
			covered[o.GridLevel] = true
		}
	}

	c := Coverage{TotalLevels: len(levels), Covered: []int{}, Missing: []int{}}
	for i, ok := range covered {
		if ok {
			c.Covered = append(c.Covered, i)
		} else {
			c.Missing = append(c.Missing, i)
		}
	}
	if len(levels) > 0 {
		c.Percent = float64(len(c.Covered)) / float64(len(levels)) * 100
	}
	return c
}

// DetectGaps 把连续缺失的档位合并为区间，missing 需升序
func DetectGaps(levels []float64, missing []int) []Gap {
	gaps := []Gap{}
	for i := 0; i < len(missing); {
		j := i
		for j+1 < len(missing) && missing[j+1] == missing[j]+1 {
			j++
		}
		g := Gap{StartIndex: missing[i], EndIndex: missing[j]}
		if missing[i] < len(levels) && missing[j] < len(levels) {
			g.StartPrice = levels[missing[i]]
			g.EndPrice = levels[missing[j]]
		}
		gaps = append(gaps, g)
		i = j + 1
	}
	return gaps
}

// HealthScore = clamp(覆盖率 − 5·min(缺口数,6) − 2·min(过期数,10), 0, 100)
func HealthScore(coveragePercent float64, gapCount, staleCount int) float64 {
	score := coveragePercent - 5*float64(min(gapCount, 6)) - 2*float64(min(staleCount, 10))
	return math.Max(0, math.Min(100, score))
}

func StatusFor(score float64) Status {
	switch {
	case score >= 90:
		return Excellent
	case score >= 75:
		return Good
	case score >= 50:
		return Fair
	case score >= 25:
		return Poor
	default:
		return Critical
	}
}

// UncoveredLevels 返回没有任何活跃订单（任一方向）的档位，升序
func UncoveredLevels(n int, active map[models.LevelKey]*models.GridOrder) []int {
	occupied := make(map[int]bool, len(active))
	for key := range active {
		occupied[key.Level] = true
	}
	var out []int
	for i := 0; i < n; i++ {
		if !occupied[i] {
			out = append(out, i)
		}
	}
	return out
}

// Validator 读取账本生成诊断报告
type Validator struct {
	strategies persistence.StrategyRepository
	ledger     ledger.Store
	logger     *zap.Logger
}

func New(strategies persistence.StrategyRepository, store ledger.Store, logger *zap.Logger) *Validator {
	return &Validator{strategies: strategies, ledger: store, logger: logger}
}

// Validate 诊断一个网格策略
func (v *Validator) Validate(ctx context.Context, strategyID string) (*Report, error) {
	s, err := v.strategies.Get(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("strategy %s not found", strategyID)
	}
	if !s.Type.IsGrid() {
		return nil, fmt.Errorf("strategy %s is %s, not a grid strategy", s.ID, s.Type)
	}
	return v.report(ctx, s)
}

func (v *Validator) report(ctx context.Context, s *models.Strategy) (*Report, error) {
	levels, err := grid.ForStrategy(s)
	if err != nil {
		return nil, err
	}
	orders, err := v.ledger.OrdersFor(ctx, s.ID)
	if err != nil {
		return nil, err
	}

	r := &Report{
		StrategyID:  s.ID,
		Symbol:      s.Configuration.Symbol,
		Levels:      levels,
		Coverage:    CoverageOf(levels, orders),
		GeneratedAt: time.Now(),
	}
	for _, o := range orders {
		if o.IsActive() {
			r.ActiveCount++
		}
		if o.IsStale && o.Status.IsOpen() {
			r.StaleCount++
		}
	}
	r.Gaps = DetectGaps(levels, r.Coverage.Missing)
	r.HealthScore = HealthScore(r.Coverage.Percent, len(r.Gaps), r.StaleCount)
	r.Status = StatusFor(r.HealthScore)
	return r, nil
}

// ValidateAll 诊断所有活跃网格策略，单个策略失败时写入 Error 字段并继续
func (v *Validator) ValidateAll(ctx context.Context) ([]*Report, error) {
	strategies, err := v.strategies.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var reports []*Report
	for _, s := range strategies {
		if !s.Type.IsGrid() {
			continue
		}
		r, err := v.report(ctx, s)
		if err != nil {
			v.logger.Warn("策略诊断失败", zap.String("strategy", s.ID), zap.Error(err))
			r = &Report{StrategyID: s.ID, Symbol: s.Configuration.Symbol, Status: Critical, Error: err.Error(), GeneratedAt: time.Now()}
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// CleanupStaleOrders 把过期订单改为 cancelled，保留审计记录
func (v *Validator) CleanupStaleOrders(ctx context.Context, strategyID string) (int64, error) {
	n, err := v.ledger.CancelStale(ctx, strategyID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		v.logger.Info("已清理过期订单", zap.String("strategy", strategyID), zap.Int64("count", n))
	}
	return n, nil
}
