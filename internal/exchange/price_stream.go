package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PriceHandler 接收推送的成交价
type PriceHandler func(ctx context.Context, symbol string, price float64)

// PriceStream 订阅币安组合 aggTrade 流，订阅集合变化时重连
type PriceStream struct {
	baseURL        string
	pingInterval   time.Duration
	pongWait       time.Duration
	reconnectDelay time.Duration
	logger         *zap.Logger

	mu      sync.Mutex
	symbols map[string]int // 引用计数
	conn    *websocket.Conn
	changed chan struct{}
}

// NewPriceStream 创建价格流
func NewPriceStream(baseURL string, pingInterval, pongWait, reconnectDelay time.Duration, logger *zap.Logger) *PriceStream {
	return &PriceStream{
		baseURL:        strings.TrimRight(baseURL, "/"),
		pingInterval:   pingInterval,
		pongWait:       pongWait,
		reconnectDelay: reconnectDelay,
		logger:         logger,
		symbols:        make(map[string]int),
		changed:        make(chan struct{}, 1),
	}
}

// Subscribe 增加一个交易对的订阅
func (s *PriceStream) Subscribe(symbol string) {
	s.mu.Lock()
	s.symbols[strings.ToUpper(symbol)]++
	first := s.symbols[strings.ToUpper(symbol)] == 1
	s.mu.Unlock()
	if first {
		s.resubscribe()
	}
}

// Unsubscribe 减少一个交易对的订阅
func (s *PriceStream) Unsubscribe(symbol string) {
	key := strings.ToUpper(symbol)
	s.mu.Lock()
	removed := false
	if n, ok := s.symbols[key]; ok {
		if n <= 1 {
			delete(s.symbols, key)
			removed = true
		} else {
			s.symbols[key] = n - 1
		}
	}
	s.mu.Unlock()
	if removed {
		s.resubscribe()
	}
}

// resubscribe 关闭当前连接，让 Run 用新的订阅集合重连
func (s *PriceStream) resubscribe() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Symbols 返回当前订阅的交易对
func (s *PriceStream) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// StreamURL 组合流地址
func (s *PriceStream) StreamURL(symbols []string) string {
	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		streams = append(streams, strings.ToLower(sym)+"@aggTrade")
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.baseURL, strings.Join(streams, "/"))
}

// Run 维持连接并分发价格，直到 ctx 结束
func (s *PriceStream) Run(ctx context.Context, handler PriceHandler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		symbols := s.Symbols()
		if len(symbols) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-s.changed:
				continue
			}
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.StreamURL(symbols), nil)
		if err != nil {
			s.logger.Warn("WebSocket连接失败，稍后重试", zap.Error(err), zap.Duration("delay", s.reconnectDelay))
			if !s.sleep(ctx, s.reconnectDelay) {
				return nil
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.logger.Info("WebSocket连接成功", zap.Strings("symbols", symbols))

		err = s.readLoop(ctx, conn, handler)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		// 订阅变化导致的断开立即重连
		select {
		case <-s.changed:
			continue
		default:
		}
		s.logger.Warn("WebSocket连接已断开，准备重连", zap.Error(err))
		if !s.sleep(ctx, s.reconnectDelay) {
			return nil
		}
	}
}

// readLoop 为一个已建立的连接处理消息，并实现心跳机制
func (s *PriceStream) readLoop(ctx context.Context, conn *websocket.Conn, handler PriceHandler) error {
	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		symbol, price, err := ParseTradeMessage(message)
		if err != nil {
			s.logger.Debug("解析价格信息失败", zap.Error(err))
			continue
		}
		handler(ctx, symbol, price)
	}
}

func (s *PriceStream) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-s.changed:
		return true
	}
}

type aggTrade struct {
	Symbol string      `json:"s"`
	Price  json.Number `json:"p"` // "p"代表价格
}

// ParseTradeMessage 解析组合流或单一流的 aggTrade 消息
func ParseTradeMessage(message []byte) (string, float64, error) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	payload := message
	if err := json.Unmarshal(message, &envelope); err == nil && len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var trade aggTrade
	if err := json.Unmarshal(payload, &trade); err != nil {
		return "", 0, err
	}
	if trade.Symbol == "" || trade.Price == "" {
		return "", 0, fmt.Errorf("消息缺少交易对或价格: %s", string(message))
	}
	price, err := trade.Price.Float64()
	if err != nil {
		return "", 0, err
	}
	return strings.ToUpper(trade.Symbol), price, nil
}
