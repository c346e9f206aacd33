package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T, buffer int) *Hub {
	t.Helper()
	h := NewHub(buffer, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubRoutesEventsByUser(t *testing.T) {
	h := startHub(t, 16)
	alice := h.Register("alice")
	bob := h.Register("bob")

	h.Publish(Event{Type: EventOrderFilled, UserID: "alice", StrategyID: "s1"})
	ev := receive(t, alice)
	assert.Equal(t, EventOrderFilled, ev.Type)
	assert.Equal(t, "s1", ev.StrategyID)
	assert.False(t, ev.Timestamp.IsZero())

	select {
	case ev := <-bob.C:
		t.Fatalf("bob received alice's event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	// 不启动事件循环，队列满了以后 Publish 也必须立即返回
	h := NewHub(2, zap.NewNop())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(Event{Type: EventTradeResult, UserID: "u1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	assert.Equal(t, int64(98), h.Dropped())
}

func TestUnregisterClosesSubscription(t *testing.T) {
	h := startHub(t, 4)
	sub := h.Register("u1")
	assert.Equal(t, 1, h.Subscribers("u1"))

	h.Unregister(sub)
	h.Unregister(sub)
	assert.Equal(t, 0, h.Subscribers("u1"))
	_, ok := <-sub.C
	assert.False(t, ok)

	// 没有订阅者时发布不会出错
	h.Publish(Event{Type: EventOrderStale, UserID: "u1"})
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(Event{Type: EventCircuitBreaker})
}

func TestServerStreamsUserEvents(t *testing.T) {
	h := startHub(t, 16)
	s := NewServer("", h, zap.NewNop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=u1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers("u1") == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Publish(Event{Type: EventOrderPlaced, UserID: "u1", StrategyID: "s1", Data: map[string]any{"grid_level": 2}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, EventOrderPlaced, got.Type)
	assert.Equal(t, "s1", got.StrategyID)

	conn.Close()
	require.Eventually(t, func() bool { return h.Subscribers("u1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
