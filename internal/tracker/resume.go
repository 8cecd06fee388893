package tracker

import (
	"context"
	"errors"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/reconcile"
	"consult-tasktrack/internal/task"
)

// resumeConcurrency bounds parallel point lookups during Resume.
const resumeConcurrency = 4

type lookupResult struct {
	id   string
	task *task.Task
	err  error
}

// loadIndex reads the persisted handle list, dropping blanks and duplicates.
func (c *Controller) loadIndex(ctx context.Context) []string {
	var ids []string
	if !c.store.Load(ctx, c.namespace, keyTracked, &ids) {
		return nil
	}
	return lo.Uniq(lo.Filter(ids, func(id string, _ int) bool { return strings.TrimSpace(id) != "" }))
}

// Resume restores persisted handles. Each restored task is shown as a
// provisional record at once and then confirmed with one point lookup:
//   - terminal: the final result is shown and live tracking stops;
//   - pending or processing: live tracking resumes from the server response;
//   - not found or lookup failure: all persisted state for the id is dropped.
//
// Lookup failures other than not-found are joined into the returned error.
func (c *Controller) Resume(ctx context.Context) error {
	ids := c.loadIndex(ctx)
	if len(ids) == 0 {
		return nil
	}
	if c.poll == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "tracker has no poller")
	}

	restored := make([]string, 0, len(ids))
	c.mu.Lock()
	for _, id := range ids {
		var cached task.Task
		if !c.store.Load(ctx, c.namespace, keyTaskFmt+id, &cached) || cached.ID != id || !task.IsValidStatus(cached.Status) {
			c.logger.Info("discarding unreadable persisted task", "task_id", id)
			c.releaseLocked(ctx, id)
			continue
		}
		c.tracked[id] = struct{}{}
		delete(c.adopted, id)
		rec, decision := c.table.Apply(cached, reconcile.SourcePersisted)
		if decision.Changed() {
			c.queueLocked(Event{Record: rec, Decision: decision})
		}
		restored = append(restored, id)
	}
	c.mu.Unlock()
	c.flush()

	results := make([]lookupResult, len(restored))
	var g errgroup.Group
	g.SetLimit(resumeConcurrency)
	for i, id := range restored {
		g.Go(func() error {
			t, err := c.poll.GetTaskByID(ctx, id)
			results[i] = lookupResult{id: id, task: t, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	live := false
	c.mu.Lock()
	for _, res := range results {
		if res.err != nil || res.task == nil {
			if rec, ok := c.table.Get(res.id); ok {
				c.queueLocked(Event{Record: rec, Removed: true})
			}
			c.table.Remove(res.id)
			c.releaseLocked(ctx, res.id)
			if res.err != nil && !task.IsNotFound(res.err) {
				errs = append(errs, res.err)
			}
			c.logger.Log(ctx, xerrors.LogLevel(res.err), "dropped persisted task after lookup", "task_id", res.id, "error", res.err)
			continue
		}
		t := *res.task
		if t.ID == "" {
			t.ID = res.id
		}
		rec, decision := c.table.Apply(t, reconcile.SourceLookup)
		if decision.Changed() {
			c.queueLocked(Event{Record: rec, Decision: decision})
		}
		if rec.Terminal() {
			c.finishLocked(ctx, rec)
			continue
		}
		c.persistLocked(ctx, rec)
		live = true
	}
	c.mu.Unlock()
	c.flush()

	if live && c.push != nil {
		c.push.Connect()
	}
	return errors.Join(errs...)
}
