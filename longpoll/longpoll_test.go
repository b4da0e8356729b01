package longpoll

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/giapdangle/sapphire-tools/exchange"
)

func TestQueue_NextBlocksUntilPush(t *testing.T) {
	q := newQueue()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.push(&exchange.Event{Key: "k", Value: 1})
	}()

	start := time.Now()
	events := q.Next(time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, "k", events[0].Key)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestQueue_NextDrainsBacklog(t *testing.T) {
	q := newQueue()
	for i := 0; i < 3; i++ {
		q.push(&exchange.Event{Key: strconv.Itoa(i)})
	}

	events := q.Next(time.Second)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, strconv.Itoa(i), e.Key)
	}

	assert.Nil(t, q.Next(10*time.Millisecond))
}

func TestQueue_NextTimesOut(t *testing.T) {
	q := newQueue()

	start := time.Now()
	assert.Nil(t, q.Next(30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := newQueue()
	for i := 0; i < QueueCap+2; i++ {
		q.push(&exchange.Event{Key: strconv.Itoa(i)})
	}

	events := q.Next(time.Second)
	require.Len(t, events, QueueCap)
	assert.Equal(t, "2", events[0].Key)
	assert.Equal(t, strconv.Itoa(QueueCap+1), events[len(events)-1].Key)
}

func TestRegistry_FansOutToEverySession(t *testing.T) {
	log := zaptest.NewLogger(t)
	disp := exchange.NewDispatcher(log)

	r := New(Config{Logger: log})
	r.Feed(disp)
	t.Cleanup(r.Stop)

	a := r.Session("a")
	b := r.Session("b")

	disp.Send(exchange.SignalReceivedEvent, &exchange.Event{Key: "k1", Value: 1})
	disp.Send(exchange.SignalSentEvent, &exchange.Event{Key: "k2", Value: 2})
	disp.Send(exchange.SignalSentEvent, &exchange.Event{Key: "_secret", Value: 3})

	for _, q := range []*Queue{a, b} {
		events := q.Next(time.Second)
		require.Len(t, events, 2)
		assert.Equal(t, "k1", events[0].Key)
		assert.Equal(t, "k2", events[1].Key)
	}
}

func TestRegistry_SessionIsStable(t *testing.T) {
	log := zaptest.NewLogger(t)
	r := New(Config{Logger: log})

	assert.Same(t, r.Session("s"), r.Session("s"))
	assert.NotSame(t, r.Session("s"), r.Session("other"))
}

func TestRegistry_ReapsIdleSessions(t *testing.T) {
	log := zaptest.NewLogger(t)
	disp := exchange.NewDispatcher(log)

	r := New(Config{Logger: log, TTL: 30 * time.Millisecond, ReapEvery: 10 * time.Millisecond})
	r.Feed(disp)
	t.Cleanup(r.Stop)

	r.Session("idle")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := len(r.sessions)
		r.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("idle session was not reaped")
}

func TestRegistry_PollingKeepsSessionAlive(t *testing.T) {
	log := zaptest.NewLogger(t)
	disp := exchange.NewDispatcher(log)

	r := New(Config{Logger: log, TTL: 50 * time.Millisecond, ReapEvery: 10 * time.Millisecond})
	r.Feed(disp)
	t.Cleanup(r.Stop)

	q := r.Session("busy")
	for i := 0; i < 10; i++ {
		q.Next(15 * time.Millisecond)
	}

	r.mu.Lock()
	_, ok := r.sessions["busy"]
	r.mu.Unlock()
	assert.True(t, ok)
}
