// Package reconcile merges task observations from polling, the push channel,
// point lookups and persisted state into one authoritative record per id.
//
// Rules, in order:
//   - persisted state never overrides a live observation;
//   - a provisional (persisted) record is superseded by any live observation;
//   - a terminal record only accepts a refresh of the same status;
//   - a terminal observation always wins over a non-terminal record;
//   - among non-terminal observations, status never moves backwards and lower
//     progress is discarded as out-of-order noise.
//
// Decisions depend only on the two records involved, so replaying the same
// observation is idempotent.
package reconcile

import (
	"encoding/json"

	"consult-tasktrack/internal/observability/metrics"
	"consult-tasktrack/internal/task"
)

// Source identifies the channel an observation came from.
type Source string

const (
	SourcePoll      Source = "poll"
	SourcePush      Source = "push"
	SourceLookup    Source = "lookup"
	SourcePersisted Source = "persisted"
)

// Decision is the outcome of merging one observation.
type Decision string

const (
	DecisionAccepted   Decision = "accepted"
	DecisionSuperseded Decision = "superseded"
	DecisionRefreshed  Decision = "refreshed"
	DecisionStale      Decision = "stale"
	DecisionSticky     Decision = "sticky"
	DecisionIgnored    Decision = "ignored"
)

// Changed reports whether the decision replaced the stored record.
func (d Decision) Changed() bool {
	switch d {
	case DecisionAccepted, DecisionSuperseded, DecisionRefreshed:
		return true
	default:
		return false
	}
}

// Record is the reconciled view of one task.
type Record struct {
	task.Task
	// Effective is the status to present; see task.EffectiveStatus.
	Effective task.Status `json:"effective_status"`
	Source    Source      `json:"source"`
	// Provisional marks a record restored from persisted state that no live
	// channel has confirmed yet.
	Provisional bool `json:"provisional"`
}

// UnmarshalJSON decodes the task fields and the view fields separately; the
// embedded task decoder would otherwise consume the whole object.
func (r *Record) UnmarshalJSON(data []byte) error {
	var view struct {
		Effective   task.Status `json:"effective_status"`
		Source      Source      `json:"source"`
		Provisional bool        `json:"provisional"`
	}
	if err := json.Unmarshal(data, &r.Task); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &view); err != nil {
		return err
	}
	r.Effective, r.Source, r.Provisional = view.Effective, view.Source, view.Provisional
	return nil
}

// NewRecord wraps an observation.
func NewRecord(t task.Task, src Source) Record {
	return Record{
		Task:        t.Clone(),
		Effective:   task.EffectiveStatus(t),
		Source:      src,
		Provisional: src == SourcePersisted,
	}
}

// Terminal reports whether the presented status is final.
func (r Record) Terminal() bool { return task.IsTerminal(r.Effective) }

// Clone deep-copies the record.
func (r Record) Clone() Record {
	r.Task = r.Task.Clone()
	return r
}

// Merge decides between the current record (if any) and an incoming
// observation. It returns the record that should be stored.
func Merge(current Record, exists bool, incoming Record) (Record, Decision) {
	if !exists {
		return incoming, DecisionAccepted
	}
	if incoming.Source == SourcePersisted {
		return current, DecisionIgnored
	}
	if current.Provisional {
		return carryForward(current, incoming), DecisionSuperseded
	}
	if current.Terminal() {
		if incoming.Effective == current.Effective {
			return carryForward(current, incoming), DecisionRefreshed
		}
		return current, DecisionSticky
	}
	if incoming.Terminal() {
		return carryForward(current, incoming), DecisionAccepted
	}
	if task.Rank(incoming.Effective) < task.Rank(current.Effective) {
		return current, DecisionStale
	}
	if task.Rank(incoming.Effective) == task.Rank(current.Effective) && incoming.Progress < current.Progress {
		return current, DecisionStale
	}
	return carryForward(current, incoming), DecisionAccepted
}

// carryForward fills identity fields a delta may omit from the record it
// replaces. Message, stage and progress always come from the newer update.
func carryForward(current, incoming Record) Record {
	out := incoming
	if out.TaskType == "" {
		out.TaskType = current.TaskType
	}
	if out.WorkspaceID == "" {
		out.WorkspaceID = current.WorkspaceID
	}
	if out.CreatedAt == 0 {
		out.CreatedAt = current.CreatedAt
	}
	if out.StartedAt == nil && current.StartedAt != nil {
		v := *current.StartedAt
		out.StartedAt = &v
	}
	if len(out.Metadata) == 0 && len(current.Metadata) > 0 {
		out.Metadata = current.Clone().Metadata
	}
	out.Provisional = false
	return out
}

// Table holds reconciled records keyed by id. It is not safe for concurrent
// use; the owner serialises access.
type Table struct {
	records map[string]Record
	order   []string
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{records: map[string]Record{}}
}

// Apply merges t observed on src and returns the stored record and the
// decision taken.
func (tb *Table) Apply(t task.Task, src Source) (Record, Decision) {
	if t.ID == "" {
		return Record{}, DecisionIgnored
	}
	current, exists := tb.records[t.ID]
	merged, decision := Merge(current, exists, NewRecord(t, src))
	metrics.ReconcileDecisions.WithLabelValues(string(src), string(decision)).Inc()
	if !decision.Changed() {
		return current.Clone(), decision
	}
	if !exists {
		tb.order = append(tb.order, t.ID)
	}
	tb.records[t.ID] = merged
	return merged.Clone(), decision
}

// Get returns a copy of the record for id.
func (tb *Table) Get(id string) (Record, bool) {
	r, ok := tb.records[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// Remove deletes id and reports whether it was present.
func (tb *Table) Remove(id string) bool {
	if _, ok := tb.records[id]; !ok {
		return false
	}
	delete(tb.records, id)
	for i, candidate := range tb.order {
		if candidate == id {
			tb.order = append(tb.order[:i], tb.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of records.
func (tb *Table) Len() int { return len(tb.records) }
