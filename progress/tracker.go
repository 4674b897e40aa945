package progress

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/finflow/types"
)

// Notifier 接收跟踪器的变更通知。Notify 必须在有界时间内返回，
// 不得阻塞调用方（工作流 goroutine）——参见 Bridge。
type Notifier interface {
	Notify(update *Update)
}

// TrackerConfig 跟踪器配置
type TrackerConfig struct {
	// 每次推送携带的事件窗口大小（只推最近 N 条）
	EventWindow int `yaml:"event_window" json:"event_window"`

	// 记录内保留的事件上限，超出后从最旧端截断
	MaxEvents int `yaml:"max_events" json:"max_events"`
}

// DefaultTrackerConfig 返回默认跟踪器配置
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		EventWindow: 10,
		MaxEvents:   1000,
	}
}

// Tracker 独占持有一次工作流运行的进度记录，串行化全部变更。
// 每次成功变更恰好追加一条事件、刷新 updated_at，并向 Notifier
// 发出恰好一次通知。Tracker 自身不做任何网络 I/O，可以安全地
// 从阻塞的工作流 goroutine 调用。
type Tracker struct {
	mu       sync.Mutex
	rec      Record
	cfg      TrackerConfig
	notifier Notifier
	logger   *zap.Logger

	finished   bool
	finishedAt time.Time
	onFinish   func()
}

// NewTracker 创建跟踪器。notifier 为 nil 时变更仅落在记录上（测试用）。
func NewTracker(sessionID, transactionID string, cfg TrackerConfig, notifier Notifier, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventWindow <= 0 {
		cfg.EventWindow = DefaultTrackerConfig().EventWindow
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultTrackerConfig().MaxEvents
	}
	return &Tracker{
		rec: Record{
			SessionID:     sessionID,
			TransactionID: transactionID,
			CurrentTasks:  make(map[string][]string),
		},
		cfg:      cfg,
		notifier: notifier,
		logger: logger.With(
			zap.String("component", "progress_tracker"),
			zap.String("transaction_id", transactionID),
		),
	}
}

// SessionID 返回所属会话 ID。
func (t *Tracker) SessionID() string { return t.rec.SessionID }

// TransactionID 返回事务 ID。
func (t *Tracker) TransactionID() string { return t.rec.TransactionID }

// StartStep 标记一个 agent 开始执行，可附带初始子任务列表。
// 同名 agent 已在运行时返回 INVALID_TRANSITION（不同名的 agent 可以并发运行）。
func (t *Tracker) StartStep(name string, tasks ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runningEntry(name) != nil {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("agent %q is already running", name))
	}

	now := t.touch()
	t.rec.ExecutionOrder = append(t.rec.ExecutionOrder, ExecutionEntry{
		Agent:     name,
		StartTime: now,
		Status:    StatusRunning,
	})
	t.rec.CurrentAgent = name
	t.rec.CurrentTasks[name] = append([]string(nil), tasks...)

	t.appendEvent(Event{
		Timestamp: now,
		Agent:     name,
		Type:      EventAgentStarted,
		Message:   fmt.Sprintf("%s started execution", name),
	})

	t.logger.Debug("agent started", zap.String("agent", name))
	t.notifyLocked()
	return nil
}

// NoteSubtask 记录一个正在运行的 agent 的子任务。
// agent 未在运行时返回 INVALID_TRANSITION。
func (t *Tracker) NoteSubtask(step, description string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runningEntry(step) == nil {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("agent %q is not running", step))
	}

	now := t.touch()
	t.rec.CurrentTasks[step] = append(t.rec.CurrentTasks[step], description)

	t.appendEvent(Event{
		Timestamp: now,
		Agent:     step,
		Type:      EventSubtaskNoted,
		Message:   fmt.Sprintf("%s: %s", step, description),
		Metadata:  map[string]any{"subtask": description},
	})

	t.notifyLocked()
	return nil
}

// CompleteStep 标记一个正在运行的 agent 执行完成。
func (t *Tracker) CompleteStep(name string) error {
	return t.finishStep(name, StatusCompleted, "")
}

// FailStep 标记一个正在运行的 agent 执行失败。
func (t *Tracker) FailStep(name, reason string) error {
	return t.finishStep(name, StatusFailed, reason)
}

func (t *Tracker) finishStep(name string, status EntryStatus, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.runningEntry(name)
	if entry == nil {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("agent %q is not running", name))
	}

	now := t.touch()
	end := now
	if end.Before(entry.StartTime) {
		end = entry.StartTime
	}
	entry.EndTime = &end
	entry.Status = status

	ev := Event{Timestamp: now, Agent: name}
	if status == StatusFailed {
		ev.Type = EventAgentFailed
		ev.Message = fmt.Sprintf("%s failed: %s", name, reason)
		ev.Metadata = map[string]any{"error": reason}
	} else {
		ev.Type = EventAgentCompleted
		ev.Message = fmt.Sprintf("%s completed execution", name)
	}
	t.appendEvent(ev)

	if t.rec.CurrentAgent == name {
		t.rec.CurrentAgent = ""
	}
	delete(t.rec.CurrentTasks, name)

	t.logger.Debug("agent finished",
		zap.String("agent", name),
		zap.String("status", string(status)),
	)
	t.notifyLocked()
	return nil
}

// FinishRun 标记整个工作流运行结束。重复调用返回 INVALID_TRANSITION。
func (t *Tracker) FinishRun() error {
	t.mu.Lock()

	if t.finished {
		t.mu.Unlock()
		return types.NewError(types.ErrInvalidTransition, "run already finished")
	}

	now := t.touch()
	t.finished = true
	t.finishedAt = now
	t.rec.CurrentAgent = ""

	t.appendEvent(Event{
		Timestamp: now,
		Type:      EventRunCompleted,
		Message:   "workflow run completed",
	})

	t.logger.Debug("run finished")
	t.notifyLocked()

	onFinish := t.onFinish
	t.mu.Unlock()

	// 终态回调在锁外执行，Registry 用它启动宽限期清理
	if onFinish != nil {
		onFinish()
	}
	return nil
}

// Finished 返回运行是否已到达终态。
func (t *Tracker) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Snapshot 返回当前记录的推送快照（深拷贝，事件截取最近 EventWindow 条）。
func (t *Tracker) Snapshot() *Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() *Update {
	events := t.rec.Events
	if len(events) > t.cfg.EventWindow {
		events = events[len(events)-t.cfg.EventWindow:]
	}
	return &Update{
		Type:           UpdateType,
		SessionID:      t.rec.SessionID,
		TransactionID:  t.rec.TransactionID,
		CurrentAgent:   t.rec.CurrentAgent,
		CurrentTasks:   copyTasks(t.rec.CurrentTasks),
		ProgressEvents: copyEvents(events),
		ExecutionOrder: copyEntries(t.rec.ExecutionOrder),
		Timestamp:      time.Now().UTC(),
	}
}

// runningEntry 返回同名 agent 最近一次仍在运行的条目。
// 同一 agent 同时至多一个 running 条目由 StartStep 保证。
func (t *Tracker) runningEntry(name string) *ExecutionEntry {
	for i := len(t.rec.ExecutionOrder) - 1; i >= 0; i-- {
		e := &t.rec.ExecutionOrder[i]
		if e.Agent == name && e.Status == StatusRunning {
			return e
		}
	}
	return nil
}

// touch 刷新 updated_at 并返回本次变更时间，保证单调不减。
func (t *Tracker) touch() time.Time {
	now := time.Now().UTC()
	if now.Before(t.rec.UpdatedAt) {
		now = t.rec.UpdatedAt
	}
	t.rec.UpdatedAt = now
	return now
}

func (t *Tracker) appendEvent(ev Event) {
	t.rec.Events = append(t.rec.Events, ev)
	// 内存上界：只从最旧端截断，保持顺序
	if len(t.rec.Events) > t.cfg.MaxEvents {
		t.rec.Events = t.rec.Events[len(t.rec.Events)-t.cfg.MaxEvents:]
	}
}

// notifyLocked 在持锁状态下发出通知，保证通知顺序与变更顺序一致。
// Notifier 的 Notify 契约是有界时间返回，因此持锁调用不会成为瓶颈。
func (t *Tracker) notifyLocked() {
	if t.notifier == nil {
		return
	}
	t.notifier.Notify(t.snapshotLocked())
}
