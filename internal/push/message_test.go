package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/task"
)

func TestParseInitialStatus(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"initial_status","tasks":[
		{"task_id":"a","status":"processing","progress":140,"workspace_id":"w"},
		{"task_id":"","status":"pending"},
		{"task_id":"b","status":"weird"}
	],"queue_stats":{"total":3,"max_concurrent":4}}`))
	require.NoError(t, err)

	snap, ok := msg.(InitialStatus)
	require.True(t, ok)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "a", snap.Tasks[0].ID)
	assert.Equal(t, 100, snap.Tasks[0].Progress)
	assert.Equal(t, 4, snap.QueueStats.MaxConcurrent)
}

func TestParseTaskUpdate(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"task_update","task_id":"T1","status":"completed","stage":"indexing",
		"progress":99.6,"message":"done","details":{"chunks":12},"workspace_id":"w1","timestamp":1700000000.5}`))
	require.NoError(t, err)

	upd, ok := msg.(TaskUpdate)
	require.True(t, ok)
	assert.Equal(t, TypeTaskUpdate, upd.Type())

	got := upd.Task()
	assert.Equal(t, "T1", got.ID)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, task.StageIndexing, got.Stage)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, float64(12), got.Metadata["chunks"])
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1700000000.5, *got.CompletedAt)
}

func TestParseRejectsBadFrames(t *testing.T) {
	frames := []string{
		`garbage`,
		`{}`,
		`{"type":"heartbeat"}`,
		`{"type":"task_update","status":"processing"}`,
		`{"type":"task_update","task_id":"x","status":"exploded"}`,
		`{"type":"task_update","task_id":"x","status":"processing","progress":"half"}`,
	}
	for _, f := range frames {
		_, err := ParseMessage([]byte(f))
		assert.Equal(t, xerrors.CodeMalformed, xerrors.CodeOf(err), "frame %s", f)
	}
}

func TestParseInitialStatusAcceptsFractionalProgress(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"initial_status","tasks":[
		{"task_id":"a","status":"processing","progress":45.5},
		{"task_id":"b","status":"pending","progress":0}
	],"queue_stats":{"total":2}}`))
	require.NoError(t, err)

	snap, ok := msg.(InitialStatus)
	require.True(t, ok)
	require.Len(t, snap.Tasks, 2)
	assert.Equal(t, 46, snap.Tasks[0].Progress)
	assert.Equal(t, 0, snap.Tasks[1].Progress)
}
