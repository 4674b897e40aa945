package workflow

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/finflow/progress"
)

// trackerKey context key 类型
type trackerKey struct{}

// WithTracker 把跟踪器挂到上下文，供步骤内部上报子任务。
func WithTracker(ctx context.Context, tracker *progress.Tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, tracker)
}

// TrackerFrom 取出上下文里的跟踪器，没有时返回 nil。
func TrackerFrom(ctx context.Context) *progress.Tracker {
	if t, ok := ctx.Value(trackerKey{}).(*progress.Tracker); ok {
		return t
	}
	return nil
}

// NoteSubtask 上报当前步骤的一个子任务。上下文里没有跟踪器时是 no-op，
// 步骤逻辑不必关心自己是否被跟踪。
func NoteSubtask(ctx context.Context, step, description string) {
	if t := TrackerFrom(ctx); t != nil {
		_ = t.NoteSubtask(step, description)
	}
}

// TrackedStep 包装一个 Step，在步骤边界上驱动进度跟踪器：
// 开始时 StartStep（附带初始子任务列表），结束时按结果
// CompleteStep 或 FailStep。跟踪器本身不做网络 I/O，因此
// 包装不会引入阻塞。
type TrackedStep struct {
	step  Step
	tasks []string
}

// Tracked 包装步骤，tasks 是开始时公布的初始子任务列表。
func Tracked(step Step, tasks ...string) *TrackedStep {
	return &TrackedStep{step: step, tasks: tasks}
}

func (s *TrackedStep) Name() string { return s.step.Name() }

func (s *TrackedStep) Execute(ctx context.Context, input any) (any, error) {
	tracker := TrackerFrom(ctx)
	if tracker == nil {
		return s.step.Execute(ctx, input)
	}

	if err := tracker.StartStep(s.step.Name(), s.tasks...); err != nil {
		return nil, err
	}

	result, err := s.step.Execute(ctx, input)
	if err != nil {
		_ = tracker.FailStep(s.step.Name(), err.Error())
		return nil, err
	}

	_ = tracker.CompleteStep(s.step.Name())
	return result, nil
}

// Runner 在一个新事务下执行工作流并广播进度。
// 工作流在调用方的 goroutine 里同步执行，进度投递完全异步。
type Runner struct {
	registry *progress.Registry
	logger   *zap.Logger
}

// NewRunner 创建执行器。
func NewRunner(registry *progress.Registry, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry: registry,
		logger:   logger.With(zap.String("component", "workflow_runner")),
	}
}

// Run 为会话创建事务与跟踪器，执行工作流，结束时标记运行终态。
// 返回事务 ID，调用方可用它查询进度快照。
func (r *Runner) Run(ctx context.Context, sessionID string, wf Workflow, input any) (any, string, error) {
	transactionID := uuid.NewString()
	tracker := r.registry.CreateTracker(sessionID, transactionID)
	ctx = WithTracker(ctx, tracker)

	r.logger.Info("workflow run started",
		zap.String("workflow", wf.Name()),
		zap.String("session_id", sessionID),
		zap.String("transaction_id", transactionID),
	)

	result, err := wf.Execute(ctx, input)

	if finishErr := tracker.FinishRun(); finishErr != nil {
		r.logger.Warn("finish run", zap.Error(finishErr))
	}

	if err != nil {
		r.logger.Warn("workflow run failed",
			zap.String("transaction_id", transactionID),
			zap.Error(err),
		)
		return nil, transactionID, err
	}

	r.logger.Info("workflow run completed", zap.String("transaction_id", transactionID))
	return result, transactionID, nil
}
