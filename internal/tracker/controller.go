// Package tracker follows long-running backend jobs on behalf of a client.
//
// The Controller attaches to task ids (by submitting a job or by tracking an
// existing id), listens to both the poller and the push channel, merges what
// they report through the reconcile rules and mirrors tracked handles into the
// persistent store so tracking survives restarts.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/poller"
	"consult-tasktrack/internal/push"
	"consult-tasktrack/internal/reconcile"
	"consult-tasktrack/internal/store"
	"consult-tasktrack/internal/task"
	"consult-tasktrack/pkg/logger"
	"consult-tasktrack/pkg/safe"
)

// Persisted keys, relative to the controller namespace.
const (
	keyTracked = "tracked"
	keyActive  = "active"
	keyTaskFmt = "task/"
)

// DefaultNamespace scopes persisted keys when none is configured.
const DefaultNamespace = "tasktrack"

// DefaultActivityTTL bounds how long the "active" flag keeps silent polling
// alive after the last submission.
const DefaultActivityTTL = 10 * time.Minute

// PollSource is the polling side of the controller.
type PollSource interface {
	FetchTasks(ctx context.Context, showIndicator bool) error
	GetTaskByID(ctx context.Context, taskID string) (*task.Task, error)
	CancelTask(ctx context.Context, taskID string) error
	Refresh(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Run(ctx context.Context, gate func() bool) error
	Subscribe(fn poller.Listener) func()
}

// PushChannel is the shared push connection. The controller only ever asks
// it to connect; disconnecting is left to the owner.
type PushChannel interface {
	Connect()
	Subscribe(fn push.Subscriber) string
	Unsubscribe(id string)
}

// Submitter creates a backend job and returns its task id.
type Submitter interface {
	Submit(ctx context.Context, params map[string]any) (string, error)
}

// Event describes a change to the reconciled view.
type Event struct {
	Record   reconcile.Record
	Decision reconcile.Decision
	// Removed is set when the record was dropped from the view.
	Removed bool
}

// Controller is the task lifecycle controller.
type Controller struct {
	poll      PollSource
	push      PushChannel
	submitter Submitter
	store     *store.Client

	namespace   string
	workspace   string
	autoRelease bool
	alwaysPoll  bool
	activityTTL time.Duration
	logger      *slog.Logger
	audit       *slog.Logger

	mu       sync.Mutex
	table    *reconcile.Table
	tracked  map[string]struct{}
	adopted  map[string]struct{} // persisted handles Resume has not looked up yet
	stats    task.QueueStats
	pending  []Event
	flushing bool

	listeners cmap.ConcurrentMap[string, func(Event)]

	pushSub   string
	pollUnsub func()
	closeOnce sync.Once
}

// Option customises a Controller.
type Option func(*Controller)

// WithNamespace scopes persisted keys.
func WithNamespace(ns string) Option {
	return func(c *Controller) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithWorkspace sets the default workspace for Tasks.
func WithWorkspace(id string) Option {
	return func(c *Controller) { c.workspace = id }
}

// WithSubmitter sets the job submitter used by Submit.
func WithSubmitter(s Submitter) Option {
	return func(c *Controller) { c.submitter = s }
}

// WithStore overrides the persistent store. The default keeps state in
// memory only.
func WithStore(s *store.Client) Option {
	return func(c *Controller) {
		if s != nil {
			c.store = s
		}
	}
}

// WithAutoRelease drops persisted handles as soon as a task is terminal.
func WithAutoRelease(enabled bool) Option {
	return func(c *Controller) { c.autoRelease = enabled }
}

// WithAlwaysPoll keeps silent polling on even with nothing tracked.
func WithAlwaysPoll(enabled bool) Option {
	return func(c *Controller) { c.alwaysPoll = enabled }
}

// WithActivityTTL sets the lifetime of the "active" flag.
func WithActivityTTL(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.activityTTL = d
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// New wires a controller to its channels and starts listening to them. A nil
// push channel leaves the controller on polling alone.
func New(poll PollSource, pushCh PushChannel, opts ...Option) *Controller {
	c := &Controller{
		poll:        poll,
		push:        pushCh,
		namespace:   DefaultNamespace,
		activityTTL: DefaultActivityTTL,
		logger:      logger.Named("tracker"),
		audit:       logger.Audit(),
		table:       reconcile.NewTable(),
		tracked:     map[string]struct{}{},
		adopted:     map[string]struct{}{},
		listeners:   cmap.New[func(Event)](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.store == nil {
		c.store = store.New(store.NewMemoryBackend(0), store.WithLogger(c.logger))
	}
	// Persisted handles belong to this controller before Resume confirms them,
	// but they do not count as live until then.
	for _, id := range c.loadIndex(context.Background()) {
		c.tracked[id] = struct{}{}
		c.adopted[id] = struct{}{}
	}
	if c.poll != nil {
		c.pollUnsub = c.poll.Subscribe(c.onPoll)
	}
	if c.push != nil {
		c.pushSub = c.push.Subscribe(c.onPush)
	}
	return c
}

// Close detaches the controller from its channels. The push connection is
// left to its owner.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		if c.pollUnsub != nil {
			c.pollUnsub()
		}
		if c.push != nil {
			c.push.Unsubscribe(c.pushSub)
		}
	})
}

// Run resumes persisted tasks and then polls until ctx is done. Resume
// failures are logged; they never stop the poll loop.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Resume(ctx); err != nil {
		c.logger.Log(ctx, xerrors.LogLevel(err), "resume finished with lookup errors", "error", err)
	}
	if c.poll == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.poll.Run(ctx, c.ShouldPoll)
}

// ShouldPoll reports whether silent polling is useful right now: something
// is tracked and unfinished, a recent submission flagged activity, or polling
// was configured to run unconditionally.
func (c *Controller) ShouldPoll() bool {
	if c.alwaysPoll {
		return true
	}
	c.mu.Lock()
	live := c.liveLocked()
	c.mu.Unlock()
	if len(live) > 0 {
		return true
	}
	var active bool
	return c.store.Load(context.Background(), c.namespace, keyActive, &active) && active
}

// CurrentState returns the reconciled record for id.
func (c *Controller) CurrentState(id string) (reconcile.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Get(id)
}

// Tasks lists reconciled records for workspaceID, or for the controller's
// workspace when empty.
func (c *Controller) Tasks(workspaceID string) []reconcile.Record {
	if workspaceID == "" {
		workspaceID = c.workspace
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.List(workspaceID)
}

// QueueStats returns the statistics from whichever channel reported last.
func (c *Controller) QueueStats() task.QueueStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Tracked returns the ids the controller holds handles for.
func (c *Controller) Tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe registers fn for every change to the view and returns a function
// that removes it. Events reach listeners in the order the view changed.
func (c *Controller) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	id := uuid.NewString()
	c.listeners.Set(id, fn)
	return func() { c.listeners.Remove(id) }
}

// queueLocked appends events in decision order; flush delivers them.
func (c *Controller) queueLocked(events ...Event) {
	c.pending = append(c.pending, events...)
}

// flush delivers queued events. One goroutine delivers at a time and drains
// whatever other goroutines queue meanwhile, so delivery order matches the
// order in which the events were queued.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		c.deliver(batch)
		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
}

func (c *Controller) deliver(events []Event) {
	listeners := c.listeners.Items()
	for _, ev := range events {
		for _, fn := range listeners {
			e := ev
			e.Record = ev.Record.Clone()
			safe.Run(c.logger, "tracker.listener", func() { fn(e) })
		}
	}
}

// liveLocked returns confirmed tracked ids that are not known to be terminal.
func (c *Controller) liveLocked() []string {
	var live []string
	for id := range c.tracked {
		if _, unconfirmed := c.adopted[id]; unconfirmed {
			continue
		}
		if rec, ok := c.table.Get(id); ok && rec.Terminal() {
			continue
		}
		live = append(live, id)
	}
	return live
}
