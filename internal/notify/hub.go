package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType 通知类型
type EventType string

const (
	EventOrderPlaced      EventType = "order_placed"
	EventOrderFilled      EventType = "order_filled"
	EventInitialBuyFilled EventType = "initial_buy_filled"
	EventOrderStale       EventType = "order_stale"
	EventTradeResult      EventType = "trade_result"
	EventCircuitBreaker   EventType = "circuit_breaker"
)

// Event 是推送给用户的一条通知
type Event struct {
	Type       EventType `json:"type"`
	UserID     string    `json:"user_id"`
	StrategyID string    `json:"strategy_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Data       any       `json:"data,omitempty"`
}

// Publisher 是交易路径依赖的唯一接口。发布永远不会阻塞或失败。
type Publisher interface {
	Publish(ev Event)
}

// Nop 丢弃所有通知
type Nop struct{}

func (Nop) Publish(Event) {}

// Subscription 是一个用户连接的事件队列
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	id     uint64
	userID string
}

// Hub 是按用户注册的通知中心。Publish 只入队，由事件循环串行分发。
type Hub struct {
	events     chan Event
	bufferSize int
	logger     *zap.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64

	dropped atomic.Int64
}

// NewHub creates a new Hub.
func NewHub(bufferSize int, logger *zap.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		events:     make(chan Event, bufferSize),
		bufferSize: bufferSize,
		logger:     logger,
		subs:       make(map[string]map[uint64]*Subscription),
	}
}

// Run 处理事件队列直到 ctx 结束
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("通知中心已启动")
	for {
		select {
		case ev := <-h.events:
			h.dispatch(ev)
		case <-ctx.Done():
			h.logger.Info("通知中心已停止", zap.Int64("dropped", h.dropped.Load()))
			return nil
		}
	}
}

// Publish 非阻塞入队，队列满时丢弃
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Debug("通知队列已满，丢弃事件", zap.String("type", string(ev.Type)), zap.String("user", ev.UserID))
	}
}

func (h *Hub) dispatch(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[ev.UserID] {
		select {
		case sub.ch <- ev:
		default:
			// 慢连接只丢自己的事件
			h.dropped.Add(1)
		}
	}
}

// Register 为用户登记一个订阅
func (h *Hub) Register(userID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan Event, h.bufferSize)
	sub := &Subscription{C: ch, ch: ch, id: h.nextID, userID: userID}
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[uint64]*Subscription)
	}
	h.subs[userID][sub.id] = sub
	return sub
}

// Unregister 注销订阅并关闭其通道
func (h *Hub) Unregister(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	userSubs, ok := h.subs[sub.userID]
	if !ok {
		return
	}
	if _, ok := userSubs[sub.id]; !ok {
		return
	}
	delete(userSubs, sub.id)
	if len(userSubs) == 0 {
		delete(h.subs, sub.userID)
	}
	close(sub.ch)
}

// Subscribers 返回用户当前的订阅数
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Dropped 返回累计丢弃的事件数
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
