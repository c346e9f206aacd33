package scheduler

import (
	"context"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/notify"
	"grid-trading-engine/internal/persistence"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockRunner 记录每个策略的调用次数和最大并发
type mockRunner struct {
	sync.Mutex
	delay    time.Duration
	results  []models.TradeResult
	calls    map[string]int
	inFlight map[string]int
	maxSeen  map[string]int
	aborted  int // 执行期间看到 ctx 被取消的次数
}

func newMockRunner() *mockRunner {
	return &mockRunner{calls: map[string]int{}, inFlight: map[string]int{}, maxSeen: map[string]int{}}
}

func (m *mockRunner) Tick(ctx context.Context, id string) ([]models.TradeResult, error) {
	m.Lock()
	m.calls[id]++
	m.inFlight[id]++
	if m.inFlight[id] > m.maxSeen[id] {
		m.maxSeen[id] = m.inFlight[id]
	}
	delay, results := m.delay, m.results
	m.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	m.Lock()
	m.inFlight[id]--
	if ctx.Err() != nil {
		m.aborted++
	}
	m.Unlock()
	return results, nil
}

func (m *mockRunner) InFlight(id string) int {
	m.Lock()
	defer m.Unlock()
	return m.inFlight[id]
}

func (m *mockRunner) Aborted() int {
	m.Lock()
	defer m.Unlock()
	return m.aborted
}

func (m *mockRunner) Calls(id string) int {
	m.Lock()
	defer m.Unlock()
	return m.calls[id]
}

func (m *mockRunner) MaxConcurrent(id string) int {
	m.Lock()
	defer m.Unlock()
	return m.maxSeen[id]
}

func newRepo(t *testing.T) persistence.StrategyRepository {
	t.Helper()
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func strategy(id string, typ models.StrategyType) *models.Strategy {
	return &models.Strategy{ID: id, UserID: "u1", Type: typ, IsActive: true,
		Configuration: models.StrategyConfig{Symbol: "BTCUSDT"}}
}

var slow = Options{GridInterval: time.Hour, DCAInterval: time.Hour, ReloadInterval: time.Hour}

func TestFirstTickRunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := newRepo(t)
	require.NoError(t, repo.Save(ctx, strategy("s1", models.SpotGrid)))

	runner := newMockRunner()
	s := New(slow, repo, runner, nil, zap.NewNop())
	require.NoError(t, s.Reload(ctx))

	assert.Equal(t, []string{"s1"}, s.Jobs())
	require.Eventually(t, func() bool { return runner.Calls("s1") == 1 }, 2*time.Second, 5*time.Millisecond)
	s.stopAll()
}

func TestTicksNeverOverlap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := newRepo(t)
	require.NoError(t, repo.Save(ctx, strategy("s1", models.SpotGrid)))

	runner := newMockRunner()
	runner.delay = 30 * time.Millisecond
	opts := Options{GridInterval: 5 * time.Millisecond, DCAInterval: time.Hour, ReloadInterval: time.Hour}
	s := New(opts, repo, runner, nil, zap.NewNop())
	require.NoError(t, s.Reload(ctx))

	time.Sleep(200 * time.Millisecond)
	s.stopAll()

	assert.Equal(t, 1, runner.MaxConcurrent("s1"))
	// 每次执行 30ms，5ms 的间隔被合并，不会积压 40 次
	assert.Less(t, runner.Calls("s1"), 15)
	assert.GreaterOrEqual(t, runner.Calls("s1"), 2)
}

func TestReloadFollowsActiveSet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := newRepo(t)
	s1 := strategy("s1", models.SpotGrid)
	s2 := strategy("s2", models.SpotGrid)
	require.NoError(t, repo.Save(ctx, s1))
	require.NoError(t, repo.Save(ctx, s2))

	runner := newMockRunner()
	s := New(slow, repo, runner, nil, zap.NewNop())
	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, []string{"s1", "s2"}, s.Jobs())
	require.Eventually(t, func() bool { return runner.Calls("s2") == 1 }, 2*time.Second, 5*time.Millisecond)

	// 停用 s1
	s1.IsActive = false
	require.NoError(t, repo.Save(ctx, s1))
	// s2 类型变化需要重启
	s2.Type = models.DCA
	require.NoError(t, repo.Save(ctx, s2))
	// 新增 s3
	require.NoError(t, repo.Save(ctx, strategy("s3", models.DCA)))

	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, []string{"s2", "s3"}, s.Jobs())
	require.Eventually(t, func() bool { return runner.Calls("s2") == 2 && runner.Calls("s3") == 1 }, 2*time.Second, 5*time.Millisecond)

	// 没有变化时不会重启
	require.NoError(t, s.Reload(ctx))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, runner.Calls("s2"))
	assert.Equal(t, 1, runner.Calls("s1"))
	s.stopAll()
}

func TestNonHoldResultsArePublished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := newRepo(t)
	require.NoError(t, repo.Save(ctx, strategy("s1", models.SpotGrid)))

	runner := newMockRunner()
	runner.results = []models.TradeResult{
		{Action: models.ActionBuy, Symbol: "BTCUSDT", Quantity: 1},
		models.Hold("BTCUSDT", "nothing to do"),
	}
	rec := &notify.Recorder{}
	s := New(slow, repo, runner, rec, zap.NewNop())
	require.NoError(t, s.Reload(ctx))

	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	ev := rec.Events()[0]
	assert.Equal(t, notify.EventTradeResult, ev.Type)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "s1", ev.StrategyID)
	assert.Equal(t, models.ActionBuy, ev.Data.(models.TradeResult).Action)
	s.stopAll()
}

func TestRunStopsJobsOnCancel(t *testing.T) {
	repo := newRepo(t)
	require.NoError(t, repo.Save(context.Background(), strategy("s1", models.SpotGrid)))
	runner := newMockRunner()
	s := New(slow, repo, runner, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.Calls("s1") == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Empty(t, s.Jobs())
}

func TestStopWaitsForTickInProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := newRepo(t)
	require.NoError(t, repo.Save(ctx, strategy("s1", models.SpotGrid)))

	runner := newMockRunner()
	runner.delay = 50 * time.Millisecond
	s := New(slow, repo, runner, nil, zap.NewNop())
	require.NoError(t, s.Reload(ctx))
	require.Eventually(t, func() bool { return runner.InFlight("s1") == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	s.stopAll()

	assert.Zero(t, runner.InFlight("s1"))
	assert.Zero(t, runner.Aborted())
	assert.Equal(t, 1, runner.Calls("s1"))
}
