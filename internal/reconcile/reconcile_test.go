package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consult-tasktrack/internal/task"
)

func tk(id string, status task.Status, progress int) task.Task {
	return task.Task{ID: id, Status: status, Progress: progress}
}

func TestStaleDeltaIsIgnored(t *testing.T) {
	tb := NewTable()
	tb.Apply(tk("T1", task.StatusProcessing, 40), SourcePush)

	rec, decision := tb.Apply(tk("T1", task.StatusProcessing, 30), SourcePush)
	assert.Equal(t, DecisionStale, decision)
	assert.Equal(t, 40, rec.Progress)

	got, ok := tb.Get("T1")
	require.True(t, ok)
	assert.Equal(t, 40, got.Progress)
}

func TestProgressHundredPresentsAsCompleted(t *testing.T) {
	tb := NewTable()
	rec, _ := tb.Apply(tk("T2", task.StatusProcessing, 100), SourcePoll)
	assert.Equal(t, task.StatusCompleted, rec.Effective)
	assert.Equal(t, task.StatusProcessing, rec.Status)
	assert.True(t, rec.Terminal())
}

func TestTerminalIsStickyRegardlessOfOrder(t *testing.T) {
	orders := [][]task.Task{
		{tk("T", task.StatusProcessing, 50), tk("T", task.StatusFailed, 50)},
		{tk("T", task.StatusFailed, 50), tk("T", task.StatusProcessing, 50)},
		{tk("T", task.StatusFailed, 50), tk("T", task.StatusProcessing, 90), tk("T", task.StatusPending, 0)},
	}
	for _, seq := range orders {
		tb := NewTable()
		for i, obs := range seq {
			src := SourcePoll
			if i%2 == 1 {
				src = SourcePush
			}
			tb.Apply(obs, src)
		}
		got, ok := tb.Get("T")
		require.True(t, ok)
		assert.Equal(t, task.StatusFailed, got.Effective)
	}
}

func TestTerminalRejectsDifferentTerminal(t *testing.T) {
	tb := NewTable()
	tb.Apply(tk("T", task.StatusCancelled, 20), SourcePush)

	_, decision := tb.Apply(tk("T", task.StatusCompleted, 100), SourcePoll)
	assert.Equal(t, DecisionSticky, decision)

	completedAt := 1700.0
	refresh := tk("T", task.StatusCancelled, 20)
	refresh.CompletedAt = &completedAt
	rec, decision := tb.Apply(refresh, SourcePoll)
	assert.Equal(t, DecisionRefreshed, decision)
	require.NotNil(t, rec.CompletedAt)
}

func TestStatusNeverMovesBackwards(t *testing.T) {
	tb := NewTable()
	tb.Apply(tk("T", task.StatusProcessing, 5), SourcePoll)

	_, decision := tb.Apply(tk("T", task.StatusPending, 10), SourcePush)
	assert.Equal(t, DecisionStale, decision)

	rec, decision := tb.Apply(tk("T", task.StatusProcessing, 5), SourcePush)
	assert.Equal(t, DecisionAccepted, decision, "equal progress is accepted so messages can change")
	assert.Equal(t, 5, rec.Progress)
}

func TestDisplayedProgressIsMonotonic(t *testing.T) {
	tb := NewTable()
	seq := []int{10, 30, 20, 50, 45, 70, 70, 60, 90}
	last := 0
	for i, p := range seq {
		src := SourcePoll
		if i%3 == 0 {
			src = SourcePush
		}
		rec, _ := tb.Apply(tk("T", task.StatusProcessing, p), src)
		assert.GreaterOrEqual(t, rec.Progress, last)
		last = rec.Progress
	}
	assert.Equal(t, 90, last)
}

func TestProvisionalRecordIsSuperseded(t *testing.T) {
	tb := NewTable()
	persisted := tk("T3", task.StatusProcessing, 80)
	rec, decision := tb.Apply(persisted, SourcePersisted)
	assert.Equal(t, DecisionAccepted, decision)
	assert.True(t, rec.Provisional)

	// Live data wins even when it reports lower progress than the cache.
	rec, decision = tb.Apply(tk("T3", task.StatusProcessing, 60), SourceLookup)
	assert.Equal(t, DecisionSuperseded, decision)
	assert.False(t, rec.Provisional)
	assert.Equal(t, 60, rec.Progress)

	_, decision = tb.Apply(tk("T3", task.StatusPending, 0), SourcePersisted)
	assert.Equal(t, DecisionIgnored, decision)
}

func TestIdentityFieldsCarryForward(t *testing.T) {
	tb := NewTable()
	full := task.Task{
		ID:          "T",
		TaskType:    "document_ingest",
		Status:      task.StatusPending,
		WorkspaceID: "ws",
		CreatedAt:   1000,
		Metadata:    map[string]any{"filename": "a.pdf"},
		Message:     "queued",
	}
	tb.Apply(full, SourcePoll)

	rec, _ := tb.Apply(task.Task{ID: "T", Status: task.StatusProcessing, Progress: 10, Stage: task.StageParsing}, SourcePush)
	assert.Equal(t, "document_ingest", rec.TaskType)
	assert.Equal(t, "ws", rec.WorkspaceID)
	assert.Equal(t, float64(1000), rec.CreatedAt)
	assert.Equal(t, "a.pdf", rec.Metadata["filename"])
	assert.Empty(t, rec.Message, "message is replaced wholesale")
}

func TestDuplicateObservationIsIdempotent(t *testing.T) {
	tb := NewTable()
	obs := tk("T", task.StatusProcessing, 55)
	first, _ := tb.Apply(obs, SourcePush)
	second, _ := tb.Apply(obs, SourcePush)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, tb.Len())
}

func TestListFiltersByWorkspaceAndKeepsOrder(t *testing.T) {
	tb := NewTable()
	a := tk("a", task.StatusPending, 0)
	a.WorkspaceID = "w1"
	b := tk("b", task.StatusCompleted, 100)
	b.WorkspaceID = "w2"
	c := tk("c", task.StatusProcessing, 10)
	tb.Apply(a, SourcePoll)
	tb.Apply(b, SourcePoll)
	tb.Apply(c, SourcePoll)

	ids := func(rs []Record) []string {
		out := make([]string, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(tb.List("")))
	assert.Equal(t, []string{"a", "c"}, ids(tb.List("w1")))
	assert.Equal(t, []string{"a", "c"}, tb.Active())

	assert.True(t, tb.Remove("a"))
	assert.False(t, tb.Remove("a"))
	assert.Equal(t, []string{"b", "c"}, ids(tb.List("")))
}

func TestRecordsAreCopies(t *testing.T) {
	tb := NewTable()
	obs := tk("T", task.StatusPending, 0)
	obs.Metadata = map[string]any{"k": "v"}
	rec, _ := tb.Apply(obs, SourcePoll)
	rec.Metadata["k"] = "changed"
	obs.Metadata["k"] = "changed too"

	got, _ := tb.Get("T")
	assert.Equal(t, "v", got.Metadata["k"])
}

func TestEmptyIDIsIgnored(t *testing.T) {
	tb := NewTable()
	_, decision := tb.Apply(task.Task{Status: task.StatusPending}, SourcePush)
	assert.Equal(t, DecisionIgnored, decision)
	assert.Equal(t, 0, tb.Len())
}

func TestRecordDecodesViewFields(t *testing.T) {
	in := NewRecord(task.Task{ID: "a", Status: task.StatusProcessing, Progress: 100, Message: "indexing"}, SourcePersisted)
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Record
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	require.NoError(t, json.Unmarshal([]byte(`{"task_id":"b","status":"processing","progress":33.6,"effective_status":"processing","source":"push"}`), &out))
	assert.Equal(t, 34, out.Progress)
	assert.Equal(t, SourcePush, out.Source)
	assert.False(t, out.Provisional)
}

