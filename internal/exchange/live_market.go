package exchange

import (
	"context"
	"grid-trading-engine/internal/models"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// LiveMarketData 使用币安公开接口实现 MarketDataPort
type LiveMarketData struct {
	client *binance.Client
	logger *zap.Logger
}

// NewLiveMarketData 创建行情客户端，公共接口不需要API Key
func NewLiveMarketData(testnet bool, logger *zap.Logger) *LiveMarketData {
	binance.UseTestnet = testnet
	return &LiveMarketData{
		client: binance.NewClient("", ""),
		logger: logger,
	}
}

// LatestQuote 获取最优挂单价，失败时返回不可用的报价
func (m *LiveMarketData) LatestQuote(ctx context.Context, symbol string) models.Quote {
	tickers, err := m.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil || len(tickers) == 0 {
		m.logger.Warn("获取最优挂单价失败", zap.String("symbol", symbol), zap.Error(err))
		return models.Quote{Symbol: symbol}
	}
	t := tickers[0]
	return models.Quote{
		Symbol:    symbol,
		Bid:       parseFloat(t.BidPrice),
		Ask:       parseFloat(t.AskPrice),
		Timestamp: time.Now(),
		Available: true,
	}
}

// LatestBar 获取最近一根1分钟K线
func (m *LiveMarketData) LatestBar(ctx context.Context, symbol string) models.Bar {
	klines, err := m.client.NewKlinesService().
		Symbol(symbol).
		Interval("1m").
		Limit(1).
		Do(ctx)
	if err != nil || len(klines) == 0 {
		m.logger.Warn("获取K线失败", zap.String("symbol", symbol), zap.Error(err))
		return models.Bar{Symbol: symbol}
	}
	k := klines[len(klines)-1]
	return models.Bar{
		Symbol:    symbol,
		Open:      parseFloat(k.Open),
		High:      parseFloat(k.High),
		Low:       parseFloat(k.Low),
		Close:     parseFloat(k.Close),
		Volume:    parseFloat(k.Volume),
		OpenTime:  time.UnixMilli(k.OpenTime),
		Available: true,
	}
}
