// Package poller keeps a periodically refreshed copy of the backend task list.
//
// A successful fetch replaces the whole list and queue statistics. Background
// fetches are silent: their failures are logged and the next tick is the
// retry. Fetches made on behalf of a user return their error.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/time/rate"

	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/observability/metrics"
	"consult-tasktrack/internal/retry"
	"consult-tasktrack/internal/task"
	"consult-tasktrack/pkg/logger"
	"consult-tasktrack/pkg/safe"
)

// DefaultInterval is the silent refresh period.
const DefaultInterval = 3 * time.Second

// API is the subset of the task endpoints the poller drives.
type API interface {
	ListTasks(ctx context.Context, workspaceID string) (*task.List, error)
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	CancelTask(ctx context.Context, taskID string) error
	CleanupTasks(ctx context.Context) error
}

// Snapshot is an immutable copy of the poller state.
type Snapshot struct {
	Tasks      []task.Task
	QueueStats task.QueueStats
	Loading    bool
	Err        error
	FetchedAt  time.Time
}

// Listener receives a snapshot after every successful fetch.
type Listener func(Snapshot)

// Poller fetches the task list on demand and on a fixed interval.
type Poller struct {
	api       API
	workspace string
	interval  time.Duration
	clock     retry.Clock
	logger    *slog.Logger
	limiter   *rate.Limiter

	mu        sync.RWMutex
	tasks     []task.Task
	stats     task.QueueStats
	loading   bool
	lastErr   error
	fetchedAt time.Time

	listeners cmap.ConcurrentMap[string, Listener]
}

// Option customises a Poller.
type Option func(*Poller)

// WithWorkspace restricts fetches to one workspace.
func WithWorkspace(id string) Option {
	return func(p *Poller) { p.workspace = id }
}

// WithInterval overrides the silent refresh period.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithClock injects the clock driving the ticker.
func WithClock(c retry.Clock) Option {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRefreshLimit bounds manual refreshes to perSecond with the given burst.
func WithRefreshLimit(perSecond float64, burst int) Option {
	return func(p *Poller) {
		if perSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New creates a Poller over api.
func New(api API, opts ...Option) *Poller {
	p := &Poller{
		api:       api,
		interval:  DefaultInterval,
		clock:     retry.RealClock{},
		logger:    logger.Named("poller"),
		limiter:   rate.NewLimiter(rate.Limit(1), 1),
		tasks:     []task.Task{},
		listeners: cmap.New[Listener](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Interval returns the configured refresh period.
func (p *Poller) Interval() time.Duration { return p.interval }

// FetchTasks issues one list request. With showIndicator the loading flag is
// raised for the duration of the request and a failure is returned; without
// it the failure is only logged.
func (p *Poller) FetchTasks(ctx context.Context, showIndicator bool) error {
	if showIndicator {
		return p.fetch(ctx, "indicator", true)
	}
	return p.fetch(ctx, "silent", false)
}

// Refresh is a user-triggered fetch. It waits for the refresh limiter and
// surfaces errors.
func (p *Poller) Refresh(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeCanceled, err, "refresh rate limit wait")
	}
	return p.fetch(ctx, "manual", true)
}

func (p *Poller) fetch(ctx context.Context, mode string, surface bool) error {
	if p.api == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "poller has no api client")
	}
	if surface {
		p.mu.Lock()
		p.loading = true
		p.mu.Unlock()
	}

	start := time.Now()
	list, err := p.api.ListTasks(ctx, p.workspace)
	metrics.PollLatency.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.PollRequests.WithLabelValues(mode, "error").Inc()
		p.mu.Lock()
		if surface {
			p.loading = false
			p.lastErr = err
		}
		p.mu.Unlock()
		if surface {
			p.logger.Log(ctx, xerrors.LogLevel(err), "task list fetch failed", "mode", mode, "error", err)
			return err
		}
		p.logger.Debug("silent task list fetch failed", "error", err, "retryable", xerrors.RetryableError(err))
		return nil
	}
	metrics.PollRequests.WithLabelValues(mode, "ok").Inc()

	tasks := make([]task.Task, 0, len(list.Tasks))
	for _, t := range list.Tasks {
		tasks = append(tasks, t.Clone())
	}

	p.mu.Lock()
	p.tasks = tasks
	p.stats = list.QueueStats
	p.loading = false
	p.lastErr = nil
	p.fetchedAt = p.clock.Now()
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.notify(snap)
	return nil
}

// GetTaskByID performs a point lookup. A task the backend no longer knows
// yields an error matching task.ErrTaskNotFound.
func (p *Poller) GetTaskByID(ctx context.Context, taskID string) (*task.Task, error) {
	if p.api == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "poller has no api client")
	}
	return p.api.GetTask(ctx, taskID)
}

// CancelTask asks the backend to cancel taskID. The local list is left
// untouched; the cancellation becomes visible through the next update.
func (p *Poller) CancelTask(ctx context.Context, taskID string) error {
	if p.api == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "poller has no api client")
	}
	return p.api.CancelTask(ctx, taskID)
}

// Cleanup asks the backend to prune finished tasks and then re-fetches the
// list whatever the cleanup outcome was.
func (p *Poller) Cleanup(ctx context.Context) error {
	if p.api == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "poller has no api client")
	}
	if err := p.api.CleanupTasks(ctx); err != nil {
		p.logger.Warn("task cleanup failed", "error", err)
	}
	return p.fetch(ctx, "cleanup", true)
}

// Run fetches once with the loading indicator and then silently on every
// tick while gate reports true. A nil gate always polls. Run returns when ctx
// is done.
func (p *Poller) Run(ctx context.Context, gate func() bool) error {
	if err := p.FetchTasks(ctx, true); err != nil && ctx.Err() == nil {
		p.logger.Info("initial task list fetch failed, will retry on next tick", "error", err)
	}

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if gate != nil && !gate() {
				continue
			}
			_ = p.FetchTasks(ctx, false)
		}
	}
}

// Snapshot returns a copy of the current state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

// Tasks returns a copy of the last fetched list.
func (p *Poller) Tasks() []task.Task {
	return p.Snapshot().Tasks
}

// QueueStats returns the last fetched statistics.
func (p *Poller) QueueStats() task.QueueStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Subscribe registers fn for successful fetches and returns a function that
// removes it.
func (p *Poller) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	id := uuid.NewString()
	p.listeners.Set(id, fn)
	return func() { p.listeners.Remove(id) }
}

func (p *Poller) snapshotLocked() Snapshot {
	tasks := make([]task.Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t.Clone())
	}
	return Snapshot{
		Tasks:      tasks,
		QueueStats: p.stats,
		Loading:    p.loading,
		Err:        p.lastErr,
		FetchedAt:  p.fetchedAt,
	}
}

func (p *Poller) notify(snap Snapshot) {
	for _, fn := range p.listeners.Items() {
		safe.Run(p.logger, "poller.listener", func() { fn(snap) })
	}
}
