package reporter

import (
	"fmt"
	"grid-trading-engine/internal/grid"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/validator"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Metrics 根据账本中已成交的订单汇总一个策略的交易结果
type Metrics struct {
	FilledBuys   int
	FilledSells  int
	OpenOrders   int
	StaleOrders  int
	BuyNotional  float64
	SellNotional float64
	NetQuantity  float64 // 买入数量减卖出数量
	MarkPrice    float64
	MarkValue    float64 // 净持仓按标记价格估值
	NetProfit    float64 // 卖出金额 - 买入金额 + 持仓市值
}

// Summarize 计算订单的汇总指标。部分成交的数量也计入。
func Summarize(orders []*models.GridOrder, markPrice float64) Metrics {
	m := Metrics{MarkPrice: markPrice}
	for _, o := range orders {
		if o.IsStale && o.Status.IsOpen() {
			m.StaleOrders++
		}
		if o.IsActive() {
			m.OpenOrders++
		}
		qty := o.FilledQty
		if qty <= 0 {
			continue
		}
		notional := qty * o.ExecutedPrice()
		if o.Side == models.Buy {
			m.BuyNotional += notional
			m.NetQuantity += qty
			if o.Status == models.StatusFilled {
				m.FilledBuys++
			}
			continue
		}
		m.SellNotional += notional
		m.NetQuantity -= qty
		if o.Status == models.StatusFilled {
			m.FilledSells++
		}
	}
	m.MarkValue = m.NetQuantity * markPrice
	m.NetProfit = m.SellNotional - m.BuyNotional + m.MarkValue
	return m
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

// RenderHealth 渲染网格健康检查结果
func RenderHealth(reports []*validator.Report) string {
	t := newTable("网格健康检查")
	t.AppendHeader(table.Row{"Strategy", "Symbol", "Coverage", "Missing", "Gaps", "Stale", "Score", "Status"})
	for _, r := range reports {
		if r.Error != "" {
			t.AppendRow(table.Row{r.StrategyID, r.Symbol, "-", "-", "-", "-", "-", "error: " + r.Error})
			continue
		}
		t.AppendRow(table.Row{
			r.StrategyID,
			r.Symbol,
			fmt.Sprintf("%.1f%% (%d/%d)", r.Coverage.Percent, len(r.Coverage.Covered), r.Coverage.TotalLevels),
			formatIndices(r.Coverage.Missing),
			formatGaps(r.Gaps),
			r.StaleCount,
			fmt.Sprintf("%.1f", r.HealthScore),
			string(r.Status),
		})
	}
	return t.Render()
}

func formatIndices(idx []int) string {
	if len(idx) == 0 {
		return "-"
	}
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}

func formatGaps(gaps []validator.Gap) string {
	if len(gaps) == 0 {
		return "-"
	}
	parts := make([]string, len(gaps))
	for i, g := range gaps {
		parts[i] = fmt.Sprintf("[%d-%d] %.8g..%.8g", g.StartIndex, g.EndIndex, g.StartPrice, g.EndPrice)
	}
	return strings.Join(parts, " ")
}

// RenderLevels 渲染每个档位的挂单情况，states 可以为空（轮询模式）
func RenderLevels(title string, levels []float64, active map[models.LevelKey]*models.GridOrder, states map[int]*models.GridLevelState) string {
	t := newTable(title)
	header := table.Row{"Level", "Price", "Buy", "Sell"}
	if states != nil {
		header = append(header, "Position")
	}
	t.AppendHeader(header)

	// 高价在上
	for i := len(levels) - 1; i >= 0; i-- {
		row := table.Row{i, fmt.Sprintf("%.8g", levels[i]),
			describe(active[models.LevelKey{Level: i, Side: models.Buy}]),
			describe(active[models.LevelKey{Level: i, Side: models.Sell}])}
		if states != nil {
			pos := "-"
			if st := states[i]; st != nil && st.HasPosition {
				pos = fmt.Sprintf("%.8g", st.PositionQuantity)
			}
			row = append(row, pos)
		}
		t.AppendRow(row)
	}
	return t.Render()
}

func describe(o *models.GridOrder) string {
	if o == nil {
		return "-"
	}
	s := fmt.Sprintf("%s %.8g", o.Status, o.Quantity)
	if o.IsStale {
		s += " (stale)"
	}
	return s
}

// RenderOrders 渲染订单列表，按创建时间倒序
func RenderOrders(orders []*models.GridOrder) string {
	sorted := append([]*models.GridOrder(nil), orders...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	t := newTable("")
	t.AppendHeader(table.Row{"ID", "Level", "Side", "Price", "Qty", "Filled", "Status", "Broker ID", "Created"})
	for _, o := range sorted {
		t.AppendRow(table.Row{
			shortID(o.ID),
			o.GridLevel,
			string(o.Side),
			fmt.Sprintf("%.8g", o.LimitPrice),
			fmt.Sprintf("%.8g", o.Quantity),
			fmt.Sprintf("%.8g", o.FilledQty),
			string(o.Status),
			o.BrokerOrderID,
			o.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "Total", len(sorted)})
	return t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RenderSummary 渲染 Summarize 的结果
func RenderSummary(symbol string, m Metrics) string {
	t := newTable(symbol + " 成交汇总")
	t.AppendRows([]table.Row{
		{"已成交买单", m.FilledBuys},
		{"已成交卖单", m.FilledSells},
		{"活跃订单", m.OpenOrders},
		{"陈旧订单", m.StaleOrders},
		{"买入金额", fmt.Sprintf("%.2f", m.BuyNotional)},
		{"卖出金额", fmt.Sprintf("%.2f", m.SellNotional)},
		{"净持仓", fmt.Sprintf("%.8g", m.NetQuantity)},
		{"持仓市值", fmt.Sprintf("%.2f @ %.8g", m.MarkValue, m.MarkPrice)},
		{"净收益", fmt.Sprintf("%.2f", m.NetProfit)},
	})
	return t.Render()
}

// RenderStrategies 渲染策略列表
func RenderStrategies(strategies []*models.Strategy) string {
	t := newTable("")
	t.AppendHeader(table.Row{"ID", "User", "Name", "Type", "Mode", "Symbol", "Range", "Grids", "Capital", "Active", "Initial Buy"})
	for _, s := range strategies {
		cfg := s.Configuration
		rng := "-"
		if lower, upper, ok := grid.ResolveRange(cfg, s.Telemetry); ok {
			rng = fmt.Sprintf("%.8g..%.8g", lower, upper)
		}
		initial := "-"
		switch {
		case s.Telemetry.InitialBuyFilled():
			initial = "filled"
		case s.Telemetry.InitialBuySubmitted():
			initial = "submitted"
		}
		t.AppendRow(table.Row{s.ID, s.UserID, s.Name, string(s.Type), string(s.MonitorMode), cfg.Symbol,
			rng, cfg.NumberOfGrids, fmt.Sprintf("%.2f", cfg.AllocatedCapital), s.IsActive, initial})
	}
	return t.Render()
}
