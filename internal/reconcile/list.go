package reconcile

import (
	"github.com/samber/lo"
)

// List returns copies of the records in first-seen order. A non-empty
// workspaceID keeps only that workspace's records and global ones.
func (tb *Table) List(workspaceID string) []Record {
	records := lo.FilterMap(tb.order, func(id string, _ int) (Record, bool) {
		r, ok := tb.records[id]
		if !ok {
			return Record{}, false
		}
		if workspaceID != "" && r.WorkspaceID != "" && r.WorkspaceID != workspaceID {
			return Record{}, false
		}
		return r.Clone(), true
	})
	return records
}

// Active returns the ids of records that have not reached a terminal status.
func (tb *Table) Active() []string {
	return lo.Filter(tb.order, func(id string, _ int) bool {
		r, ok := tb.records[id]
		return ok && !r.Terminal()
	})
}
