package push

import (
	"encoding/json"
	"math"
	"strings"

	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/task"
)

// Wire message types.
const (
	TypeInitialStatus = "initial_status"
	TypeTaskUpdate    = "task_update"
)

// Message is a parsed push payload: either InitialStatus or TaskUpdate.
type Message interface {
	Type() string
}

// InitialStatus is the full snapshot sent right after a connection opens.
type InitialStatus struct {
	Tasks      []task.Task     `json:"tasks"`
	QueueStats task.QueueStats `json:"queue_stats"`
}

func (InitialStatus) Type() string { return TypeInitialStatus }

// TaskUpdate is a single-task delta.
type TaskUpdate struct {
	TaskID       string         `json:"task_id"`
	TaskType     string         `json:"task_type,omitempty"`
	Status       task.Status    `json:"status"`
	Stage        task.Stage     `json:"stage,omitempty"`
	Progress     float64        `json:"progress"`
	Message      string         `json:"message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	WorkspaceID  string         `json:"workspace_id,omitempty"`
	Timestamp    float64        `json:"timestamp,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

func (TaskUpdate) Type() string { return TypeTaskUpdate }

// Task converts the delta into a task record. Details become metadata.
func (u TaskUpdate) Task() task.Task {
	t := task.Task{
		ID:           u.TaskID,
		TaskType:     u.TaskType,
		Status:       u.Status,
		Stage:        u.Stage,
		Progress:     int(math.Round(u.Progress)),
		Message:      u.Message,
		WorkspaceID:  u.WorkspaceID,
		ErrorMessage: u.ErrorMessage,
	}
	if len(u.Details) > 0 {
		t.Metadata = make(map[string]any, len(u.Details))
		for k, v := range u.Details {
			t.Metadata[k] = v
		}
	}
	if task.IsTerminal(u.Status) && u.Timestamp > 0 {
		ts := u.Timestamp
		t.CompletedAt = &ts
	}
	return t
}

type envelope struct {
	Type string `json:"type"`
}

// ParseMessage decodes a raw frame. Frames with an unknown type or missing
// required fields are rejected with a MALFORMED error.
func ParseMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformed, err, "decode push envelope")
	}

	switch strings.TrimSpace(env.Type) {
	case TypeInitialStatus:
		var msg InitialStatus
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeMalformed, err, "decode initial status")
		}
		tasks := make([]task.Task, 0, len(msg.Tasks))
		for _, t := range msg.Tasks {
			if t.ID == "" || !task.IsValidStatus(t.Status) {
				continue
			}
			tasks = append(tasks, t)
		}
		msg.Tasks = tasks
		return msg, nil
	case TypeTaskUpdate:
		var msg TaskUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeMalformed, err, "decode task update")
		}
		if strings.TrimSpace(msg.TaskID) == "" {
			return nil, xerrors.New(xerrors.CodeMalformed, "task update without task_id")
		}
		if !task.IsValidStatus(msg.Status) {
			return nil, xerrors.New(xerrors.CodeMalformed, "task update with unknown status "+string(msg.Status),
				xerrors.WithMetadata("task_id", msg.TaskID))
		}
		msg.Progress = math.Max(0, math.Min(100, msg.Progress))
		return msg, nil
	case "":
		return nil, xerrors.New(xerrors.CodeMalformed, "push message without type")
	default:
		return nil, xerrors.New(xerrors.CodeMalformed, "unknown push message type "+env.Type)
	}
}
