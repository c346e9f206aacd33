package ledger

import (
	"context"
	"errors"
	"grid-trading-engine/internal/models"
	"time"
)

var (
	// ErrLevelOccupied 同一策略、档位、方向上已有活跃订单
	ErrLevelOccupied = errors.New("grid level already has an active order")
	// ErrNotActive 订单已经不处于活跃状态，不能再修改
	ErrNotActive = errors.New("grid order is no longer active")
)

// StatusUpdate 描述一次状态/成交信息的变更
type StatusUpdate struct {
	Status         models.OrderStatus
	FilledQty      float64
	FilledAvgPrice float64
	FilledAt       *time.Time
	CheckedAt      time.Time
}

// Store 是订单账本的存储接口。
// 所有写操作都是单条原子语句，调用方不需要自己加锁。
type Store interface {
	// Insert 原子地插入一个新订单；该档位该方向已有活跃订单时返回 ErrLevelOccupied
	Insert(ctx context.Context, order *models.GridOrder) error
	// UpdateStatus 只修改仍处于活跃状态的订单
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error
	// TransitionStatus 仅当当前状态等于 from 时更新，返回本次调用是否完成了状态迁移
	TransitionStatus(ctx context.Context, id string, from models.OrderStatus, update StatusUpdate) (bool, error)
	AttachBrokerOrder(ctx context.Context, id, brokerOrderID string) error

	Get(ctx context.Context, id string) (*models.GridOrder, error)
	ActiveOrdersFor(ctx context.Context, strategyID string) (map[models.LevelKey]*models.GridOrder, error)
	OrdersFor(ctx context.Context, strategyID string) ([]*models.GridOrder, error)
	// Pollable 返回 since 之后创建、仍需向券商确认状态的订单
	Pollable(ctx context.Context, since time.Time) ([]*models.GridOrder, error)

	// RecordMiss 记录一次券商查不到订单，达到阈值时标记为过期
	RecordMiss(ctx context.Context, id string, threshold int, at time.Time) (int, bool, error)
	RecordSeen(ctx context.Context, id string, at time.Time) error
	MarkStale(ctx context.Context, id string) error
	// CancelStale 把过期的活跃订单改为 cancelled，不删除任何行
	CancelStale(ctx context.Context, strategyID string) (int64, error)

	InitLevelStates(ctx context.Context, strategyID string, n int) error
	LevelStates(ctx context.Context, strategyID string) (map[int]*models.GridLevelState, error)
	SaveLevelState(ctx context.Context, state *models.GridLevelState) error

	Close() error
}
