package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"grid-trading-engine/internal/models"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const orderColumns = `id, strategy_id, user_id, account_id, symbol, grid_level, side, client_order_id, broker_order_id,
	order_type, limit_price, quantity, status, filled_qty, filled_avg_price, filled_at, check_count, is_stale,
	last_checked_at, created_at, updated_at`

const activeStatuses = `('pending', 'partially_filled')`

// SQLiteStore 是基于 SQLite 的订单账本实现
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open 打开（必要时创建）账本数据库并建表。path 为 ":memory:" 时使用内存数据库。
func Open(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create ledger directory: %w", err)
			}
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	// 单连接：内存库在连接间不共享，文件库也避免写锁竞争
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}
	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger tables: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// createTables 创建账本表和索引
func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS grid_orders (
			id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			grid_level INTEGER NOT NULL,
			side TEXT NOT NULL,
			client_order_id TEXT NOT NULL,
			broker_order_id TEXT NOT NULL DEFAULT '',
			order_type TEXT NOT NULL,
			limit_price REAL NOT NULL DEFAULT 0,
			quantity REAL NOT NULL,
			status TEXT NOT NULL,
			filled_qty REAL NOT NULL DEFAULT 0,
			filled_avg_price REAL NOT NULL DEFAULT 0,
			filled_at INTEGER,
			check_count INTEGER NOT NULL DEFAULT 0,
			is_stale INTEGER NOT NULL DEFAULT 0,
			last_checked_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		// 每个 (策略, 档位, 方向) 最多一个活跃订单，由数据库保证
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_grid_orders_active_level
			ON grid_orders (strategy_id, grid_level, side)
			WHERE is_stale = 0 AND status IN ` + activeStatuses + `;`,
		`CREATE INDEX IF NOT EXISTS ix_grid_orders_strategy ON grid_orders (strategy_id);`,
		`CREATE INDEX IF NOT EXISTS ix_grid_orders_created ON grid_orders (created_at);`,
		`CREATE TABLE IF NOT EXISTS grid_level_states (
			strategy_id TEXT NOT NULL,
			grid_level INTEGER NOT NULL,
			has_position INTEGER NOT NULL DEFAULT 0,
			position_quantity REAL NOT NULL DEFAULT 0,
			last_buy_price REAL NOT NULL DEFAULT 0,
			last_sell_price REAL NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (strategy_id, grid_level)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Insert 插入新订单，唯一索引冲突时返回 ErrLevelOccupied
func (s *SQLiteStore) Insert(ctx context.Context, o *models.GridOrder) error {
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = models.StatusPending
	}

	query := `INSERT INTO grid_orders (` + orderColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.StrategyID, o.UserID, o.AccountID, o.Symbol, o.GridLevel, string(o.Side), o.ClientOrderID, o.BrokerOrderID,
		string(o.OrderType), o.LimitPrice, o.Quantity, string(o.Status), o.FilledQty, o.FilledAvgPrice, toMillis(o.FilledAt),
		o.CheckCount, o.IsStale, toMillis(o.LastCheckedAt), o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("strategy %s level %d %s: %w", o.StrategyID, o.GridLevel, o.Side, ErrLevelOccupied)
		}
		return fmt.Errorf("failed to insert grid order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateStatus 更新活跃订单的状态和成交信息
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, u StatusUpdate) error {
	query := `UPDATE grid_orders
		SET status = ?, filled_qty = ?, filled_avg_price = ?, filled_at = COALESCE(?, filled_at),
			last_checked_at = ?, check_count = 0, updated_at = ?
		WHERE id = ? AND status IN ` + activeStatuses
	res, err := s.db.ExecContext(ctx, query,
		string(u.Status), u.FilledQty, u.FilledAvgPrice, toMillis(u.FilledAt),
		s.checkedAt(u), s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update grid order %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("grid order %s: %w", id, ErrNotActive)
	}
	return nil
}

// TransitionStatus 条件更新，只有一个调用方能看到 true
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from models.OrderStatus, u StatusUpdate) (bool, error) {
	query := `UPDATE grid_orders
		SET status = ?, filled_qty = ?, filled_avg_price = ?, filled_at = COALESCE(?, filled_at),
			last_checked_at = ?, check_count = 0, updated_at = ?
		WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(u.Status), u.FilledQty, u.FilledAvgPrice, toMillis(u.FilledAt),
		s.checkedAt(u), s.now().UnixMilli(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition grid order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AttachBrokerOrder 记录券商订单号
func (s *SQLiteStore) AttachBrokerOrder(ctx context.Context, id, brokerOrderID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE grid_orders SET broker_order_id = ?, updated_at = ? WHERE id = ?`,
		brokerOrderID, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to attach broker order to %s: %w", id, err)
	}
	return nil
}

// Get 按ID查询，不存在时返回 (nil, nil)
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.GridOrder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM grid_orders WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query grid order %s: %w", id, err)
	}
	orders, err := scanOrders(rows)
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	return orders[0], nil
}

// ActiveOrdersFor 返回策略当前占用的所有 (档位, 方向)
func (s *SQLiteStore) ActiveOrdersFor(ctx context.Context, strategyID string) (map[models.LevelKey]*models.GridOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM grid_orders
		WHERE strategy_id = ? AND is_stale = 0 AND status IN `+activeStatuses, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active orders: %w", err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[models.LevelKey]*models.GridOrder, len(orders))
	for _, o := range orders {
		out[o.Key()] = o
	}
	return out, nil
}

// OrdersFor 返回策略的全部订单，按档位、创建时间排序
func (s *SQLiteStore) OrdersFor(ctx context.Context, strategyID string) ([]*models.GridOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM grid_orders WHERE strategy_id = ? ORDER BY grid_level, created_at`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy orders: %w", err)
	}
	return scanOrders(rows)
}

// Pollable 查询需要轮询的活跃订单（包括尚未拿到券商订单号的）
func (s *SQLiteStore) Pollable(ctx context.Context, since time.Time) ([]*models.GridOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM grid_orders
		WHERE is_stale = 0 AND status IN `+activeStatuses+` AND created_at >= ?
		ORDER BY user_id, symbol, created_at`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query pollable orders: %w", err)
	}
	return scanOrders(rows)
}

// RecordMiss 在一个事务里累加计数并读回结果
func (s *SQLiteStore) RecordMiss(ctx context.Context, id string, threshold int, at time.Time) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `UPDATE grid_orders
		SET check_count = check_count + 1,
			is_stale = CASE WHEN check_count + 1 >= ? THEN 1 ELSE is_stale END,
			last_checked_at = ?, updated_at = ?
		WHERE id = ?`, threshold, at.UnixMilli(), s.now().UnixMilli(), id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record miss for %s: %w", id, err)
	}

	var count int
	var stale bool
	if err = tx.QueryRowContext(ctx, `SELECT check_count, is_stale FROM grid_orders WHERE id = ?`, id).Scan(&count, &stale); err != nil {
		return 0, false, fmt.Errorf("failed to read check count for %s: %w", id, err)
	}
	return count, stale, tx.Commit()
}

// RecordSeen 券商能查到订单且状态未变
func (s *SQLiteStore) RecordSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE grid_orders SET check_count = 0, last_checked_at = ?, updated_at = ? WHERE id = ?`,
		at.UnixMilli(), s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to record check for %s: %w", id, err)
	}
	return nil
}

// MarkStale 直接标记为过期，释放该档位
func (s *SQLiteStore) MarkStale(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE grid_orders SET is_stale = 1, updated_at = ? WHERE id = ?`, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark %s stale: %w", id, err)
	}
	return nil
}

// CancelStale 清理过期订单
func (s *SQLiteStore) CancelStale(ctx context.Context, strategyID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE grid_orders SET status = 'cancelled', updated_at = ?
		WHERE strategy_id = ? AND is_stale = 1 AND status IN `+activeStatuses,
		s.now().UnixMilli(), strategyID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel stale orders: %w", err)
	}
	return res.RowsAffected()
}

// InitLevelStates 为 0..n-1 每个档位建一行（已存在的不动）
func (s *SQLiteStore) InitLevelStates(ctx context.Context, strategyID string, n int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	for i := 0; i < n; i++ {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO grid_level_states (strategy_id, grid_level, updated_at) VALUES (?, ?, ?)`,
			strategyID, i, now); err != nil {
			return fmt.Errorf("failed to init level state %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// LevelStates 返回策略所有档位的持仓状态
func (s *SQLiteStore) LevelStates(ctx context.Context, strategyID string) (map[int]*models.GridLevelState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT strategy_id, grid_level, has_position, position_quantity,
		last_buy_price, last_sell_price, updated_at FROM grid_level_states WHERE strategy_id = ?`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query level states: %w", err)
	}
	defer rows.Close()

	out := make(map[int]*models.GridLevelState)
	for rows.Next() {
		var st models.GridLevelState
		var updated int64
		if err := rows.Scan(&st.StrategyID, &st.GridLevel, &st.HasPosition, &st.PositionQuantity,
			&st.LastBuyPrice, &st.LastSellPrice, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan level state: %w", err)
		}
		st.UpdatedAt = time.UnixMilli(updated)
		out[st.GridLevel] = &st
	}
	return out, rows.Err()
}

// SaveLevelState 按 (strategy_id, grid_level) 插入或更新
func (s *SQLiteStore) SaveLevelState(ctx context.Context, st *models.GridLevelState) error {
	st.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO grid_level_states
		(strategy_id, grid_level, has_position, position_quantity, last_buy_price, last_sell_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (strategy_id, grid_level) DO UPDATE SET
			has_position = excluded.has_position,
			position_quantity = excluded.position_quantity,
			last_buy_price = excluded.last_buy_price,
			last_sell_price = excluded.last_sell_price,
			updated_at = excluded.updated_at`,
		st.StrategyID, st.GridLevel, st.HasPosition, st.PositionQuantity, st.LastBuyPrice, st.LastSellPrice,
		st.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save level state %s/%d: %w", st.StrategyID, st.GridLevel, err)
	}
	return nil
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) checkedAt(u StatusUpdate) int64 {
	if u.CheckedAt.IsZero() {
		return s.now().UnixMilli()
	}
	return u.CheckedAt.UnixMilli()
}

func scanOrders(rows *sql.Rows) ([]*models.GridOrder, error) {
	defer rows.Close()
	var orders []*models.GridOrder
	for rows.Next() {
		var o models.GridOrder
		var side, orderType, status string
		var filledAt, lastChecked sql.NullInt64
		var created, updated int64
		if err := rows.Scan(
			&o.ID, &o.StrategyID, &o.UserID, &o.AccountID, &o.Symbol, &o.GridLevel, &side, &o.ClientOrderID,
			&o.BrokerOrderID, &orderType, &o.LimitPrice, &o.Quantity, &status, &o.FilledQty, &o.FilledAvgPrice,
			&filledAt, &o.CheckCount, &o.IsStale, &lastChecked, &created, &updated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan grid order row: %w", err)
		}
		o.Side = models.Side(strings.ToLower(side))
		o.OrderType = models.OrderType(orderType)
		o.Status = models.OrderStatus(status)
		o.FilledAt = fromMillis(filledAt)
		o.LastCheckedAt = fromMillis(lastChecked)
		o.CreatedAt = time.UnixMilli(created)
		o.UpdatedAt = time.UnixMilli(updated)
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
