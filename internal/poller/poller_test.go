package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/retry"
	"consult-tasktrack/internal/task"
)

type fakeAPI struct {
	mu         sync.Mutex
	list       task.List
	listErr    error
	listCalls  int
	workspaces []string
	cleanupErr error
	cleanups   int
	cancelled  []string
	lookup     map[string]task.Task
}

func (f *fakeAPI) ListTasks(_ context.Context, ws string) (*task.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.workspaces = append(f.workspaces, ws)
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := task.List{QueueStats: f.list.QueueStats}
	out.Tasks = append(out.Tasks, f.list.Tasks...)
	return &out, nil
}

func (f *fakeAPI) GetTask(_ context.Context, id string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.lookup[id]
	if !ok {
		return nil, xerrors.Wrap(task.CodeTaskNotFound, nil, "task "+id+" not found")
	}
	return &t, nil
}

func (f *fakeAPI) CancelTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeAPI) CleanupTasks(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return f.cleanupErr
}

func (f *fakeAPI) set(list task.List, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = list
	f.listErr = err
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func TestFetchReplacesListWholesale(t *testing.T) {
	api := &fakeAPI{}
	p := New(api, WithWorkspace("ws-1"))
	ctx := context.Background()

	api.set(task.List{
		Tasks:      []task.Task{{ID: "a", Status: task.StatusProcessing}, {ID: "b", Status: task.StatusPending}},
		QueueStats: task.QueueStats{Total: 2, Running: 1},
	}, nil)
	require.NoError(t, p.FetchTasks(ctx, true))
	assert.Len(t, p.Tasks(), 2)

	api.set(task.List{
		Tasks:      []task.Task{{ID: "b", Status: task.StatusProcessing}},
		QueueStats: task.QueueStats{Total: 1, Running: 1},
	}, nil)
	require.NoError(t, p.FetchTasks(ctx, false))

	tasks := p.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].ID)
	assert.Equal(t, 1, p.QueueStats().Total)
	assert.Equal(t, []string{"ws-1", "ws-1"}, api.workspaces)
}

func TestSilentFetchSwallowsErrors(t *testing.T) {
	api := &fakeAPI{}
	p := New(api)
	ctx := context.Background()

	api.set(task.List{Tasks: []task.Task{{ID: "a", Status: task.StatusPending}}}, nil)
	require.NoError(t, p.FetchTasks(ctx, true))

	boom := xerrors.New(xerrors.CodeUnavailable, "down")
	api.set(task.List{}, boom)
	assert.NoError(t, p.FetchTasks(ctx, false))
	assert.Len(t, p.Tasks(), 1, "failed fetch must keep the previous list")
	assert.NoError(t, p.Snapshot().Err)

	err := p.FetchTasks(ctx, true)
	assert.True(t, errors.Is(err, boom))
	snap := p.Snapshot()
	assert.False(t, snap.Loading)
	assert.Error(t, snap.Err)
}

func TestRunPollsOnTicksWhileGateOpen(t *testing.T) {
	api := &fakeAPI{}
	clock := retry.NewFakeClock(time.Unix(0, 0))
	p := New(api, WithClock(clock), WithInterval(3*time.Second))

	var gateMu sync.Mutex
	open := true
	gate := func() bool {
		gateMu.Lock()
		defer gateMu.Unlock()
		return open
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, gate) }()

	require.Eventually(t, func() bool {
		clock.Advance(3 * time.Second)
		return api.calls() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	gateMu.Lock()
	open = false
	gateMu.Unlock()
	// Let any tick already delivered drain before sampling.
	time.Sleep(20 * time.Millisecond)
	before := api.calls()
	for i := 0; i < 5; i++ {
		clock.Advance(3 * time.Second)
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, before, api.calls())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestCleanupAlwaysRefetches(t *testing.T) {
	api := &fakeAPI{cleanupErr: errors.New("cleanup refused")}
	p := New(api)

	require.NoError(t, p.Cleanup(context.Background()))
	assert.Equal(t, 1, api.cleanups)
	assert.Equal(t, 1, api.calls())
}

func TestCancelDoesNotMutateLocalList(t *testing.T) {
	api := &fakeAPI{}
	api.set(task.List{Tasks: []task.Task{{ID: "a", Status: task.StatusProcessing, Progress: 10}}}, nil)
	p := New(api)
	require.NoError(t, p.FetchTasks(context.Background(), true))

	require.NoError(t, p.CancelTask(context.Background(), "a"))
	assert.Equal(t, []string{"a"}, api.cancelled)
	assert.Equal(t, task.StatusProcessing, p.Tasks()[0].Status)
}

func TestGetTaskByIDNotFound(t *testing.T) {
	api := &fakeAPI{lookup: map[string]task.Task{"x": {ID: "x", Status: task.StatusCompleted}}}
	p := New(api)

	got, err := p.GetTaskByID(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)

	_, err = p.GetTaskByID(context.Background(), "gone")
	assert.True(t, task.IsNotFound(err))
}

func TestRefreshIsRateLimited(t *testing.T) {
	api := &fakeAPI{}
	p := New(api, WithRefreshLimit(1, 1))

	require.NoError(t, p.Refresh(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Refresh(ctx)
	assert.Equal(t, xerrors.CodeCanceled, xerrors.CodeOf(err))
	assert.Equal(t, 1, api.calls())
}

func TestSubscribersReceiveSnapshots(t *testing.T) {
	api := &fakeAPI{}
	api.set(task.List{Tasks: []task.Task{{ID: "a", Status: task.StatusPending}}}, nil)
	p := New(api)

	var got []Snapshot
	unsubscribe := p.Subscribe(func(s Snapshot) { got = append(got, s) })
	p.Subscribe(func(Snapshot) { panic("listener bug") })

	require.NoError(t, p.FetchTasks(context.Background(), false))
	unsubscribe()
	require.NoError(t, p.FetchTasks(context.Background(), false))

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Tasks[0].ID)
}
