package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consult-tasktrack/internal/retry"
	"consult-tasktrack/internal/task"
)

var errClosed = errors.New("connection closed")

type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(frame string) { c.frames <- []byte(frame) }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  bool
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.fail
	d.mu.Unlock()
	if fail {
		return nil, errors.New("refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no dial happened")
		return nil
	}
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) fn(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) last() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, time.Millisecond,
		"state never became %s (now %s)", want, m.State())
}

func TestSnapshotThenDeltasLastWriteWins(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(d, WithClock(retry.NewFakeClock(time.Unix(0, 0))))
	defer m.Close()
	rec := &recorder{}
	m.Subscribe(rec.fn)

	m.Connect()
	conn := d.next(t)
	waitState(t, m, StateConnected)

	conn.send(`{"type":"initial_status","tasks":[{"task_id":"T1","status":"processing","progress":40},{"task_id":"T2","status":"pending","progress":0}],"queue_stats":{"total":2,"running":1}}`)
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)
	assert.Len(t, rec.last().Tasks, 2)
	assert.Equal(t, 2, rec.last().QueueStats.Total)
	assert.True(t, m.Synced())

	// The delta replaces T1 wholesale, stale progress included; filtering
	// stale values is the reconciler's job.
	conn.send(`{"type":"task_update","task_id":"T1","status":"processing","progress":30,"message":"chunking"}`)
	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, time.Millisecond)

	tasks := m.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "T2", tasks[0].ID)
	assert.Equal(t, "T1", tasks[1].ID)
	assert.Equal(t, 30, tasks[1].Progress)
	assert.Equal(t, "chunking", tasks[1].Message)

	// A second snapshot replaces the whole table.
	conn.send(`{"type":"initial_status","tasks":[{"task_id":"T9","status":"completed","progress":100}],"queue_stats":{"total":1}}`)
	require.Eventually(t, func() bool { return rec.len() == 3 }, time.Second, time.Millisecond)
	tasks = m.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "T9", tasks[0].ID)
}

func TestDuplicateDeltaIsIdempotent(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(d)
	defer m.Close()
	rec := &recorder{}
	m.Subscribe(rec.fn)

	m.Connect()
	conn := d.next(t)
	delta := `{"type":"task_update","task_id":"T1","status":"processing","progress":55,"workspace_id":"ws"}`
	conn.send(delta)
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)
	first := m.Tasks()

	conn.send(delta)
	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, first, m.Tasks())
}

func TestInvalidFramesAreDropped(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(d)
	defer m.Close()
	rec := &recorder{}
	m.Subscribe(rec.fn)

	m.Connect()
	conn := d.next(t)
	conn.send(`not json`)
	conn.send(`{"type":"mystery"}`)
	conn.send(`{"type":"task_update","status":"processing"}`)
	conn.send(`{"type":"task_update","task_id":"T1","status":"processing","progress":10}`)

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, rec.len())
	assert.Equal(t, StateConnected, m.State())
}

func TestSubscribersGetIndependentCopies(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(d)
	defer m.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	mutator := m.Subscribe(func(u Update) {
		defer wg.Done()
		u.Tasks[0].Progress = 99
	})
	panicker := m.Subscribe(func(u Update) {
		defer wg.Done()
		panic("bad subscriber")
	})
	other := &recorder{}
	id := m.Subscribe(other.fn)

	m.Connect()
	conn := d.next(t)
	conn.send(`{"type":"task_update","task_id":"T1","status":"processing","progress":10}`)
	wg.Wait()

	require.Eventually(t, func() bool { return other.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 10, m.Tasks()[0].Progress)

	m.Unsubscribe(id)
	m.Unsubscribe(mutator)
	m.Unsubscribe(panicker)
	conn.send(`{"type":"task_update","task_id":"T1","status":"processing","progress":20}`)
	require.Eventually(t, func() bool { return m.Tasks()[0].Progress == 20 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, other.len())
}

func TestReconnectBudgetIsExhaustedAfterFiveCloses(t *testing.T) {
	clock := retry.NewFakeClock(time.Unix(0, 0))
	d := newFakeDialer()
	m := NewManager(d, WithClock(clock))
	defer m.Close()

	m.Connect()
	for i := 1; i <= 6; i++ {
		conn := d.next(t)
		waitState(t, m, StateConnected)
		conn.Close()
		if i <= 5 {
			waitState(t, m, StateReconnectScheduled)
			assert.Equal(t, i, m.Attempts())
			clock.Advance(4 * time.Second)
			assert.Equal(t, i, d.count(), "reconnect fired before its delay")
			clock.Advance(time.Second)
		}
	}

	waitState(t, m, StateDisconnected)
	assert.Equal(t, 0, clock.Pending(), "no further reconnect may be scheduled")
	clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 6, d.count())
}

func TestReceivedMessageRestoresBudget(t *testing.T) {
	clock := retry.NewFakeClock(time.Unix(0, 0))
	d := newFakeDialer()
	m := NewManager(d, WithClock(clock))
	defer m.Close()

	m.Connect()
	d.next(t).Close()
	waitState(t, m, StateReconnectScheduled)
	clock.Advance(5 * time.Second)

	conn := d.next(t)
	waitState(t, m, StateConnected)
	assert.Equal(t, 1, m.Attempts())
	conn.send(`{"type":"initial_status","tasks":[],"queue_stats":{}}`)
	require.Eventually(t, func() bool { return m.Attempts() == 0 }, time.Second, time.Millisecond)
}

func TestDialFailuresCountAgainstBudget(t *testing.T) {
	clock := retry.NewFakeClock(time.Unix(0, 0))
	d := newFakeDialer()
	d.fail = true
	m := NewManager(d, WithClock(clock), WithPolicy(retry.Fixed(2, time.Second)))
	defer m.Close()

	m.Connect()
	waitState(t, m, StateReconnectScheduled)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return d.count() == 2 && m.State() == StateReconnectScheduled }, time.Second, time.Millisecond)
	clock.Advance(time.Second)
	waitState(t, m, StateDisconnected)
	assert.Equal(t, 3, d.count())
}

func TestDisconnectIsIdempotentAndSuppressesReconnect(t *testing.T) {
	clock := retry.NewFakeClock(time.Unix(0, 0))
	d := newFakeDialer()
	m := NewManager(d, WithClock(clock))
	defer m.Close()

	m.Connect()
	m.Connect()
	conn := d.next(t)
	waitState(t, m, StateConnected)
	assert.Equal(t, 1, d.count())

	m.Disconnect()
	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
	assert.True(t, conn.isClosed())

	clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, 0, clock.Pending())

	m.Connect()
	d.next(t)
	waitState(t, m, StateConnected)
	assert.Equal(t, 2, d.count())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	clock := retry.NewFakeClock(time.Unix(0, 0))
	d := newFakeDialer()
	m := NewManager(d, WithClock(clock))
	defer m.Close()

	m.Connect()
	d.next(t).Close()
	waitState(t, m, StateReconnectScheduled)

	m.Disconnect()
	assert.Equal(t, 0, clock.Pending())
	clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, d.count())
}

func TestManagerWithoutDialerStaysDisconnected(t *testing.T) {
	m := NewManager(nil)
	m.Connect()
	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, m.Tasks())
	assert.Equal(t, task.QueueStats{}, m.QueueStats())
}
