package task

import (
	"encoding/json"
	stdErrors "errors"
	"math"

	xerrors "consult-tasktrack/internal/errors"
)

// Status is the lifecycle state of a server-side job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Stage labels a sub-step while a task is processing.
type Stage string

const (
	StageUploading   Stage = "uploading"
	StageParsing     Stage = "parsing"
	StageChunking    Stage = "chunking"
	StageVectorizing Stage = "vectorizing"
	StageIndexing    Stage = "indexing"
	StageGenerating  Stage = "generating"
)

// Task is one tracked server-side job as reported by the backend.
type Task struct {
	ID           string         `json:"task_id"`
	TaskType     string         `json:"task_type,omitempty"`
	Status       Status         `json:"status"`
	Stage        Stage          `json:"stage,omitempty"`
	Progress     int            `json:"progress"`
	Message      string         `json:"message,omitempty"`
	WorkspaceID  string         `json:"workspace_id,omitempty"`
	CreatedAt    float64        `json:"created_at,omitempty"`
	StartedAt    *float64       `json:"started_at,omitempty"`
	CompletedAt  *float64       `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts fractional progress, which some backends compute as
// a raw percentage. It is rounded and clamped to 0..100.
func (t *Task) UnmarshalJSON(data []byte) error {
	type plain Task
	aux := struct {
		*plain
		Progress *float64 `json:"progress"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Progress != nil {
		t.Progress = ClampProgress(int(math.Round(*aux.Progress)))
	}
	return nil
}

// ClampProgress bounds p to 0..100.
func ClampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// QueueStats describes the server-side queue as a whole. It is always
// replaced wholesale, never merged.
type QueueStats struct {
	Total         int `json:"total"`
	Pending       int `json:"pending"`
	Processing    int `json:"processing"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`
	MaxConcurrent int `json:"max_concurrent"`
	Running       int `json:"running"`
}

// List is the payload of a full task list fetch.
type List struct {
	Tasks      []Task     `json:"tasks"`
	QueueStats QueueStats `json:"queue_stats"`
}

var (
	// ErrTaskNotFound means the backend no longer knows the task. Callers
	// discard cached state for the id instead of retrying.
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
)

const (
	CodeTaskNotFound     xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskFetchFailed  xerrors.Code = "TASK_FETCH_FAILED"
	CodeTaskLookupFailed xerrors.Code = "TASK_LOOKUP_FAILED"
	CodeTaskSubmitFailed xerrors.Code = "TASK_SUBMIT_FAILED"
	CodeTaskCancelFailed xerrors.Code = "TASK_CANCEL_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Surface:   false,
	})
	xerrors.Register(CodeTaskFetchFailed, xerrors.Attributes{
		Message:   "failed to fetch tasks",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Surface:   true,
	})
	xerrors.Register(CodeTaskLookupFailed, xerrors.Attributes{
		Message:   "failed to look up task",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Surface:   true,
	})
	xerrors.Register(CodeTaskSubmitFailed, xerrors.Attributes{
		Message:   "failed to submit job",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Surface:   true,
	})
	xerrors.Register(CodeTaskCancelFailed, xerrors.Attributes{
		Message:   "failed to cancel task",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Surface:   true,
	})
}

// IsNotFound reports whether err signals a task the backend no longer knows.
func IsNotFound(err error) bool {
	return err != nil && stdErrors.Is(err, ErrTaskNotFound)
}

// IsValidStatus checks status against the supported enum.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Rank orders statuses along the forward-only lifecycle. All terminal
// statuses share the highest rank.
func Rank(status Status) int {
	switch status {
	case StatusPending:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether moving from one status to another keeps the
// lifecycle moving forward.
func CanTransition(from, to Status) bool {
	if IsTerminal(from) {
		return from == to
	}
	return Rank(to) >= Rank(from)
}

// EffectiveStatus returns the status consumers should display.
//
// Workaround: the backend can report progress 100 a moment before it flips
// status to completed. A non-terminal task at 100% is treated as completed.
func EffectiveStatus(t Task) Status {
	if !IsTerminal(t.Status) && t.Progress >= 100 {
		return StatusCompleted
	}
	return t.Status
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	clone := t
	if t.StartedAt != nil {
		v := *t.StartedAt
		clone.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		clone.CompletedAt = &v
	}
	clone.Metadata = cloneMetadata(t.Metadata)
	return clone
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}
