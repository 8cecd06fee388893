package tracker

import (
	"context"

	"consult-tasktrack/internal/poller"
	"consult-tasktrack/internal/push"
	"consult-tasktrack/internal/reconcile"
	"consult-tasktrack/internal/task"
)

func (c *Controller) onPoll(snap poller.Snapshot) {
	ctx := context.Background()
	c.mu.Lock()
	c.queueLocked(c.observeLocked(ctx, snap.Tasks, reconcile.SourcePoll)...)
	c.stats = snap.QueueStats
	c.mu.Unlock()
	c.flush()
}

func (c *Controller) onPush(u push.Update) {
	ctx := context.Background()
	c.mu.Lock()
	switch msg := u.Message.(type) {
	case push.InitialStatus:
		c.queueLocked(c.observeLocked(ctx, msg.Tasks, reconcile.SourcePush)...)
		c.stats = msg.QueueStats
	case push.TaskUpdate:
		c.queueLocked(c.observeLocked(ctx, []task.Task{msg.Task()}, reconcile.SourcePush)...)
	}
	c.mu.Unlock()
	c.flush()
}

// observeLocked merges observations and keeps persisted handles in step with
// the view.
func (c *Controller) observeLocked(ctx context.Context, tasks []task.Task, src reconcile.Source) []Event {
	var events []Event
	for _, t := range tasks {
		rec, decision := c.table.Apply(t, src)
		if !decision.Changed() {
			continue
		}
		events = append(events, Event{Record: rec, Decision: decision})
		if _, tracked := c.tracked[rec.ID]; !tracked {
			continue
		}
		if rec.Terminal() {
			c.finishLocked(ctx, rec)
		} else {
			c.persistLocked(ctx, rec)
		}
	}
	return events
}

// finishLocked handles a tracked task reaching a terminal status. The final
// record stays visible; the persisted handle is kept for the consumer to
// clear with Reset unless auto release is on.
func (c *Controller) finishLocked(ctx context.Context, rec reconcile.Record) {
	c.logger.Info("tracked task finished", "task_id", rec.ID, "status", rec.Effective, "error_message", rec.ErrorMessage)
	if c.autoRelease {
		c.releaseLocked(ctx, rec.ID)
		return
	}
	c.persistLocked(ctx, rec)
}
