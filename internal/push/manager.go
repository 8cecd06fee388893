// Package push maintains the single process-wide push connection that streams
// task updates, reconnects it on a bounded budget and fans the resulting task
// table out to subscribers.
package push

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/observability/metrics"
	"consult-tasktrack/internal/retry"
	"consult-tasktrack/internal/task"
	"consult-tasktrack/pkg/logger"
	"consult-tasktrack/pkg/safe"
)

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectScheduled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	default:
		return "unknown"
	}
}

// Conn is one open push connection.
type Conn interface {
	// ReadMessage blocks until the next frame arrives or the connection ends.
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Update is delivered to subscribers after every accepted message. Tasks is
// the full table, owned by the receiver.
type Update struct {
	Tasks      []task.Task
	QueueStats task.QueueStats
	Message    Message
}

// Subscriber receives updates on the connection's read goroutine.
type Subscriber func(Update)

// DefaultPolicy reconnects five times, five seconds apart.
func DefaultPolicy() retry.Policy {
	return retry.Fixed(5, retry.DefaultDelay)
}

// Manager owns the push connection and its task table.
type Manager struct {
	dialer    Dialer
	scheduler *retry.Scheduler
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	mu         sync.Mutex
	state      State
	manualStop bool
	attempts   int
	generation uint64
	conn       Conn
	timer      retry.Timer
	tasks      []task.Task
	stats      task.QueueStats
	synced     bool

	subscribers cmap.ConcurrentMap[string, Subscriber]
}

// Option customises a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	policy retry.Policy
	clock  retry.Clock
	logger *slog.Logger
}

// WithPolicy overrides the reconnect policy.
func WithPolicy(p retry.Policy) Option {
	return func(o *managerOptions) { o.policy = p }
}

// WithClock injects the clock used for reconnect timers.
func WithClock(c retry.Clock) Option {
	return func(o *managerOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *managerOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewManager creates a disconnected Manager. Nothing is dialled until Connect.
func NewManager(dialer Dialer, opts ...Option) *Manager {
	o := managerOptions{
		policy: DefaultPolicy(),
		clock:  retry.RealClock{},
		logger: logger.Named("push"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:      dialer,
		scheduler:   retry.NewScheduler(o.policy, o.clock),
		logger:      o.logger,
		ctx:         ctx,
		cancel:      cancel,
		tasks:       []task.Task{},
		subscribers: cmap.New[Subscriber](),
	}
}

// Connect starts connecting unless a connection is already open or being
// opened. It clears a previous manual stop and restores the full reconnect
// budget.
func (m *Manager) Connect() {
	m.mu.Lock()
	m.manualStop = false
	if m.dialer == nil {
		m.mu.Unlock()
		m.logger.Warn("push channel has no dialer, staying disconnected")
		return
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.attempts = 0
	m.generation++
	gen := m.generation
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	go m.dial(gen)
}

// Disconnect closes the connection and suppresses reconnects until the next
// Connect. Calling it repeatedly is harmless.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualStop = true
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Close disconnects and aborts any dial in flight. The Manager must not be
// reused afterwards.
func (m *Manager) Close() error {
	m.Disconnect()
	m.cancel()
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive reconnects since the last
// message was received.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Tasks returns a copy of the current table.
func (m *Manager) Tasks() []task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneTasks(m.tasks)
}

// QueueStats returns the statistics from the last snapshot.
func (m *Manager) QueueStats() task.QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Synced reports whether a snapshot has been received since the manager was
// created.
func (m *Manager) Synced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synced
}

// Subscribe registers fn and returns its id for Unsubscribe.
func (m *Manager) Subscribe(fn Subscriber) string {
	id := uuid.NewString()
	if fn != nil {
		m.subscribers.Set(id, fn)
	}
	return id
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (m *Manager) Unsubscribe(id string) {
	m.subscribers.Remove(id)
}

func (m *Manager) dial(gen uint64) {
	conn, err := m.dialer.Dial(m.ctx)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.logger.Debug("push dial failed", "error", err)
		m.scheduleReconnectLocked(gen)
		m.mu.Unlock()
		return
	}
	m.conn = conn
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("push channel connected")
	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, conn, err)
			return
		}
		m.handleFrame(gen, data)
	}
}

func (m *Manager) handleFrame(gen uint64, data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		metrics.PushMessages.WithLabelValues("invalid", "dropped").Inc()
		m.logger.Warn("dropping push message", "error", err, "code", xerrors.CodeOf(err))
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	switch v := msg.(type) {
	case InitialStatus:
		m.tasks = cloneTasks(v.Tasks)
		m.stats = v.QueueStats
		m.synced = true
	case TaskUpdate:
		m.tasks = replaceTask(m.tasks, v.Task())
	}
	tasks := m.tasks
	stats := m.stats
	subs := m.subscribers.Items()
	m.mu.Unlock()

	metrics.PushMessages.WithLabelValues(msg.Type(), "accepted").Inc()
	for id, fn := range subs {
		update := Update{Tasks: cloneTasks(tasks), QueueStats: stats, Message: msg}
		safe.Run(m.logger, "push.subscriber."+id, func() { fn(update) })
	}
}

func (m *Manager) handleClose(gen uint64, conn Conn, cause error) {
	_ = conn.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.conn = nil
	if m.manualStop {
		m.setStateLocked(StateDisconnected)
		return
	}
	m.logger.Info("push channel closed", "error", cause)
	m.scheduleReconnectLocked(gen)
}

// scheduleReconnectLocked arms the next reconnect or gives up once the
// policy is exhausted. Giving up is silent: polling keeps working.
func (m *Manager) scheduleReconnectLocked(gen uint64) {
	m.attempts++
	timer, delay, ok := m.scheduler.Schedule(m.attempts, func() { m.reconnect(gen) })
	if !ok {
		m.timer = nil
		m.setStateLocked(StateDisconnected)
		metrics.PushReconnects.WithLabelValues("exhausted").Inc()
		m.logger.Info("push reconnect budget exhausted, relying on polling", "attempts", m.attempts-1)
		return
	}
	m.timer = timer
	m.setStateLocked(StateReconnectScheduled)
	metrics.PushReconnects.WithLabelValues("scheduled").Inc()
	m.logger.Debug("push reconnect scheduled", "attempt", m.attempts, "delay", delay)
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.manualStop || m.state != StateReconnectScheduled {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	go m.dial(gen)
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.PushState.Set(float64(s))
}

// replaceTask drops any entry with the same id and appends t.
func replaceTask(tasks []task.Task, t task.Task) []task.Task {
	out := make([]task.Task, 0, len(tasks)+1)
	for _, existing := range tasks {
		if existing.ID != t.ID {
			out = append(out, existing)
		}
	}
	return append(out, t)
}

func cloneTasks(tasks []task.Task) []task.Task {
	out := make([]task.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Clone())
	}
	return out
}
