package tracker

import (
	"context"
	"strings"

	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/reconcile"
	"consult-tasktrack/internal/task"
)

// Submit creates a job through the configured Submitter and tracks the
// returned id. Submission errors are returned as-is and not retried.
func (c *Controller) Submit(ctx context.Context, params map[string]any) (string, error) {
	if c.submitter == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "tracker has no job submitter")
	}
	id, err := c.submitter.Submit(ctx, params)
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(task.CodeTaskSubmitFailed, err, "submit job")
		}
		c.audit.Log(ctx, xerrors.LogLevel(err), "job submission failed", "error", err)
		return "", err
	}
	c.audit.Info("job submitted", "task_id", id)
	c.store.SaveFor(ctx, c.namespace, keyActive, true, c.activityTTL)
	c.attach(ctx, id)
	return id, nil
}

// Track attaches to an existing task id without submitting anything.
func (c *Controller) Track(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "task id is empty")
	}
	c.audit.Info("task tracked", "task_id", id)
	c.attach(ctx, id)
	return nil
}

// attach registers id, seeds a provisional pending record so the handle is
// visible before the first observation, persists it and makes sure live
// channels are running.
func (c *Controller) attach(ctx context.Context, id string) {
	c.mu.Lock()
	c.tracked[id] = struct{}{}
	delete(c.adopted, id)
	rec, decision := c.table.Apply(task.Task{ID: id, Status: task.StatusPending, WorkspaceID: c.workspace}, reconcile.SourcePersisted)
	c.persistLocked(ctx, rec)
	if decision.Changed() {
		c.queueLocked(Event{Record: rec, Decision: decision})
	}
	c.mu.Unlock()
	c.flush()

	if c.push != nil {
		c.push.Connect()
	}
}

// Cancel asks the backend to cancel id. The view is not changed; the
// cancellation shows up when a channel reports it.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	if c.poll == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "tracker has no poller")
	}
	if err := c.poll.CancelTask(ctx, id); err != nil {
		c.audit.Log(ctx, xerrors.LogLevel(err), "task cancel failed", "task_id", id, "error", err)
		return err
	}
	c.audit.Info("task cancel requested", "task_id", id)
	return nil
}

// Reset forgets id locally whatever its server status: the record, the
// handle and every persisted entry are removed.
func (c *Controller) Reset(ctx context.Context, id string) {
	c.mu.Lock()
	if rec, had := c.table.Get(id); had {
		c.queueLocked(Event{Record: rec, Removed: true})
	}
	c.table.Remove(id)
	c.releaseLocked(ctx, id)
	c.mu.Unlock()

	c.audit.Info("task reset", "task_id", id)
	c.flush()
}

// Refresh is a user-triggered list fetch. Its error is returned once.
func (c *Controller) Refresh(ctx context.Context) error {
	if c.poll == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "tracker has no poller")
	}
	return c.poll.Refresh(ctx)
}

// Cleanup asks the backend to prune finished tasks, re-fetches the list and
// purges expired local state.
func (c *Controller) Cleanup(ctx context.Context) error {
	if c.poll == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "tracker has no poller")
	}
	err := c.poll.Cleanup(ctx)
	if n := c.store.Purge(ctx); n > 0 {
		c.logger.Debug("purged expired client state", "keys", n)
	}
	return err
}

// persistLocked mirrors a tracked record into the store.
func (c *Controller) persistLocked(ctx context.Context, rec reconcile.Record) {
	if _, ok := c.tracked[rec.ID]; !ok {
		return
	}
	c.store.Save(ctx, c.namespace, keyTaskFmt+rec.ID, rec.Task)
	c.saveIndexLocked(ctx)
}

// releaseLocked drops the handle for id and its persisted mirror.
func (c *Controller) releaseLocked(ctx context.Context, id string) {
	delete(c.tracked, id)
	delete(c.adopted, id)
	c.store.Remove(ctx, c.namespace, keyTaskFmt+id)
	c.saveIndexLocked(ctx)
}

func (c *Controller) saveIndexLocked(ctx context.Context) {
	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		c.store.Remove(ctx, c.namespace, keyTracked)
		return
	}
	c.store.Save(ctx, c.namespace, keyTracked, ids)
}
