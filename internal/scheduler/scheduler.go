// Package scheduler runs one periodic job per active strategy.
package scheduler

import (
	"context"
	"fmt"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/notify"
	"grid-trading-engine/internal/persistence"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickRunner 执行一次策略节拍，executor.Registry 实现
type TickRunner interface {
	Tick(ctx context.Context, strategyID string) ([]models.TradeResult, error)
}

// Options 调度间隔
type Options struct {
	GridInterval   time.Duration
	DCAInterval    time.Duration
	ReloadInterval time.Duration
}

// OptionsFrom 从配置转换
func OptionsFrom(cfg models.SchedulerConfig) Options {
	return Options{
		GridInterval:   time.Duration(cfg.GridIntervalSec) * time.Second,
		DCAInterval:    time.Duration(cfg.DCAIntervalSec) * time.Second,
		ReloadInterval: time.Duration(cfg.ReloadIntervalSec) * time.Second,
	}
}

func (o Options) intervalFor(t models.StrategyType) time.Duration {
	if t.IsGrid() {
		return o.GridInterval
	}
	return o.DCAInterval
}

type job struct {
	strategyID string
	userID     string
	typ        models.StrategyType
	cancel     context.CancelFunc
	done       chan struct{}
}

// Scheduler 每个任务一个 goroutine，同一策略的节拍不会重叠；
// 节拍执行期间到期的 tick 被 time.Ticker 合并丢弃。
type Scheduler struct {
	opts       Options
	strategies persistence.StrategyRepository
	runner     TickRunner
	publisher  notify.Publisher
	logger     *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

func New(opts Options, strategies persistence.StrategyRepository, runner TickRunner, publisher notify.Publisher, logger *zap.Logger) *Scheduler {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Scheduler{
		opts:       opts,
		strategies: strategies,
		runner:     runner,
		publisher:  publisher,
		logger:     logger,
		jobs:       make(map[string]*job),
	}
}

// Run 启动时加载一次，之后定期重新加载活跃策略，ctx 结束时停止所有任务
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		s.logger.Error("加载策略失败", zap.Error(err))
	}
	ticker := time.NewTicker(s.opts.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.logger.Info("调度器已停止")
			return nil
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.logger.Error("重新加载策略失败", zap.Error(err))
			}
		}
	}
}

// Reload 启动新策略，停止已停用或删除的策略，类型变化时重启
func (s *Scheduler) Reload(ctx context.Context) error {
	active, err := s.strategies.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active strategies: %w", err)
	}
	wanted := make(map[string]*models.Strategy, len(active))
	for _, st := range active {
		wanted[st.ID] = st
	}

	var stopping []*job
	s.mu.Lock()
	for id, j := range s.jobs {
		st, ok := wanted[id]
		if ok && st.Type == j.typ {
			continue
		}
		j.cancel()
		stopping = append(stopping, j)
		delete(s.jobs, id)
	}
	for id, st := range wanted {
		if _, ok := s.jobs[id]; ok {
			continue
		}
		s.jobs[id] = s.start(ctx, st)
	}
	running := len(s.jobs)
	s.mu.Unlock()

	for _, j := range stopping {
		<-j.done
		s.logger.Info("策略任务已停止", zap.String("strategy", j.strategyID))
	}
	s.logger.Debug("策略任务已同步", zap.Int("running", running), zap.Int("stopped", len(stopping)))
	return nil
}

// start 必须持有 s.mu
func (s *Scheduler) start(ctx context.Context, st *models.Strategy) *job {
	jctx, cancel := context.WithCancel(ctx)
	j := &job{
		strategyID: st.ID,
		userID:     st.UserID,
		typ:        st.Type,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	interval := s.opts.intervalFor(st.Type)
	s.logger.Info("策略任务已启动",
		zap.String("strategy", st.ID),
		zap.String("type", string(st.Type)),
		zap.Duration("interval", interval))
	go s.loop(jctx, j, interval)
	return j
}

// loop 只在两次节拍之间响应停止，进行中的节拍总会执行完
func (s *Scheduler) loop(ctx context.Context, j *job, interval time.Duration) {
	defer close(j.done)
	s.tick(ctx, j)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.tick(ctx, j)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, j *job) {
	// 已提交到交易所的订单必须记录下来，节拍内不传播取消
	results, err := s.runner.Tick(context.WithoutCancel(ctx), j.strategyID)
	if err != nil {
		s.logger.Error("策略执行失败", zap.String("strategy", j.strategyID), zap.Error(err))
		return
	}
	for _, res := range results {
		if res.Action == models.ActionHold {
			continue
		}
		s.publisher.Publish(notify.Event{
			Type:       notify.EventTradeResult,
			UserID:     j.userID,
			StrategyID: j.strategyID,
			Timestamp:  time.Now(),
			Data:       res,
		})
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for id, j := range s.jobs {
		j.cancel()
		jobs = append(jobs, j)
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	for _, j := range jobs {
		<-j.done
	}
}

// Jobs 返回正在运行的策略 ID
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
