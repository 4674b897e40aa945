package progress

import "time"

// EventType 进度事件类型
type EventType string

const (
	EventAgentStarted   EventType = "agent_started"
	EventSubtaskNoted   EventType = "subtask_noted"
	EventAgentCompleted EventType = "agent_completed"
	EventAgentFailed    EventType = "agent_failed"
	EventRunCompleted   EventType = "run_completed"
)

// Event 一条带时间戳的进度事件，附加到记录后不再修改。
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent"`
	Type      EventType      `json:"event_type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EntryStatus 执行时间线条目状态
type EntryStatus string

const (
	StatusRunning   EntryStatus = "running"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
)

// ExecutionEntry 单个 agent 调用的时间线条目。
// 条目只会从 running 迁移到终态（completed/failed），不会回退。
type ExecutionEntry struct {
	Agent     string      `json:"agent"`
	StartTime time.Time   `json:"start_time"`
	EndTime   *time.Time  `json:"end_time"`
	Status    EntryStatus `json:"status"`
}

// Record 一次工作流运行的完整进度状态，由所属 Tracker 独占持有。
type Record struct {
	SessionID      string              `json:"session_id"`
	TransactionID  string              `json:"transaction_id"`
	CurrentAgent   string              `json:"current_agent"`
	CurrentTasks   map[string][]string `json:"current_tasks"`
	Events         []Event             `json:"events"`
	ExecutionOrder []ExecutionEntry    `json:"execution_order"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// UpdateType 推送消息的固定 type 字段值。
const UpdateType = "progress_update"

// Update 推送给订阅端的进度快照（spec 的 push message）。
// 消费方须忽略未知字段以保证向前兼容。
type Update struct {
	Type           string              `json:"type"`
	SessionID      string              `json:"session_id"`
	TransactionID  string              `json:"transaction_id"`
	CurrentAgent   string              `json:"current_agent"`
	CurrentTasks   map[string][]string `json:"current_tasks"`
	ProgressEvents []Event             `json:"progress_events"`
	ExecutionOrder []ExecutionEntry    `json:"execution_order"`
	Timestamp      time.Time           `json:"timestamp"`
}

func copyTasks(src map[string][]string) map[string][]string {
	dst := make(map[string][]string, len(src))
	for k, v := range src {
		tasks := make([]string, len(v))
		copy(tasks, v)
		dst[k] = tasks
	}
	return dst
}

func copyEvents(src []Event) []Event {
	dst := make([]Event, len(src))
	copy(dst, src)
	return dst
}

func copyEntries(src []ExecutionEntry) []ExecutionEntry {
	dst := make([]ExecutionEntry, len(src))
	for i, e := range src {
		if e.EndTime != nil {
			end := *e.EndTime
			e.EndTime = &end
		}
		dst[i] = e
	}
	return dst
}
