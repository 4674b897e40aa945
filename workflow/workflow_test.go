package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/finflow/progress"
)

// --- ChainWorkflow ---

func TestChainWorkflow_Execute(t *testing.T) {
	wf := NewChainWorkflow("pipeline", "test pipeline",
		NewFuncStep("double", func(ctx context.Context, input any) (any, error) {
			return input.(int) * 2, nil
		}),
		NewFuncStep("stringify", func(ctx context.Context, input any) (any, error) {
			return fmt.Sprintf("v=%d", input.(int)), nil
		}),
	)

	result, err := wf.Execute(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, "v=42", result)
}

func TestChainWorkflow_StepFailureStopsChain(t *testing.T) {
	reached := false
	wf := NewChainWorkflow("pipeline", "",
		NewFuncStep("boom", func(ctx context.Context, input any) (any, error) {
			return nil, errors.New("boom")
		}),
		NewFuncStep("never", func(ctx context.Context, input any) (any, error) {
			reached = true
			return input, nil
		}),
	)

	_, err := wf.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, reached)
}

func TestChainWorkflow_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	wf := NewChainWorkflow("pipeline", "",
		NewFuncStep("skipped", func(ctx context.Context, input any) (any, error) {
			return input, nil
		}),
	)
	_, err := wf.Execute(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// --- TrackedStep ---

func newWorkflowRegistry(t *testing.T) *progress.Registry {
	t.Helper()
	authority := staticAuthority{}
	return progress.NewRegistry(authority, progress.DefaultRegistryConfig(), nil, nil)
}

type staticAuthority struct{}

func (staticAuthority) IsValid(string) bool { return true }
func (staticAuthority) ConnectionCap() int  { return 0 }

func TestTrackedStep_DrivesTracker(t *testing.T) {
	registry := newWorkflowRegistry(t)
	tracker := registry.CreateTracker("sess-1", "txn-1")
	ctx := WithTracker(context.Background(), tracker)

	step := Tracked(NewFuncStep("Research", func(ctx context.Context, input any) (any, error) {
		NoteSubtask(ctx, "Research", "fetch price")
		return "report", nil
	}), "initial task")

	result, err := step.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "report", result)

	snap := tracker.Snapshot()
	require.Len(t, snap.ExecutionOrder, 1)
	assert.Equal(t, "Research", snap.ExecutionOrder[0].Agent)
	assert.Equal(t, progress.StatusCompleted, snap.ExecutionOrder[0].Status)

	types := make([]progress.EventType, 0, len(snap.ProgressEvents))
	for _, ev := range snap.ProgressEvents {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []progress.EventType{
		progress.EventAgentStarted,
		progress.EventSubtaskNoted,
		progress.EventAgentCompleted,
	}, types)
}

func TestTrackedStep_FailureMarksFailed(t *testing.T) {
	registry := newWorkflowRegistry(t)
	tracker := registry.CreateTracker("sess-1", "txn-1")
	ctx := WithTracker(context.Background(), tracker)

	step := Tracked(NewFuncStep("Analyst", func(ctx context.Context, input any) (any, error) {
		return nil, errors.New("upstream timeout")
	}))

	_, err := step.Execute(ctx, nil)
	require.Error(t, err)

	snap := tracker.Snapshot()
	require.Len(t, snap.ExecutionOrder, 1)
	assert.Equal(t, progress.StatusFailed, snap.ExecutionOrder[0].Status)
}

func TestTrackedStep_NoTrackerIsTransparent(t *testing.T) {
	step := Tracked(NewFuncStep("Research", func(ctx context.Context, input any) (any, error) {
		return "ok", nil
	}))

	result, err := step.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestNoteSubtask_NoTrackerIsNoop(t *testing.T) {
	NoteSubtask(context.Background(), "Research", "fetch price")
}

// --- Runner ---

func TestRunner_Run(t *testing.T) {
	registry := newWorkflowRegistry(t)
	runner := NewRunner(registry, nil)

	wf := NewChainWorkflow("analysis", "stock analysis",
		Tracked(NewFuncStep("Research", func(ctx context.Context, input any) (any, error) {
			NoteSubtask(ctx, "Research", "fetch fundamentals")
			return input, nil
		})),
		Tracked(NewFuncStep("Analyst", func(ctx context.Context, input any) (any, error) {
			return "analysis done", nil
		})),
	)

	result, transactionID, err := runner.Run(context.Background(), "sess-1", wf, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "analysis done", result)
	require.NotEmpty(t, transactionID)

	tracker, ok := registry.Tracker(transactionID)
	require.True(t, ok, "state is retained for the grace period after the run")
	assert.True(t, tracker.Finished())

	snap := tracker.Snapshot()
	require.Len(t, snap.ExecutionOrder, 2)
	assert.Equal(t, "Research", snap.ExecutionOrder[0].Agent)
	assert.Equal(t, "Analyst", snap.ExecutionOrder[1].Agent)
	for _, entry := range snap.ExecutionOrder {
		assert.Equal(t, progress.StatusCompleted, entry.Status)
	}
}

func TestRunner_Run_WorkflowError(t *testing.T) {
	registry := newWorkflowRegistry(t)
	runner := NewRunner(registry, nil)

	wf := NewChainWorkflow("analysis", "",
		Tracked(NewFuncStep("Research", func(ctx context.Context, input any) (any, error) {
			return nil, errors.New("data source down")
		})),
	)

	_, transactionID, err := runner.Run(context.Background(), "sess-1", wf, nil)
	require.Error(t, err)

	tracker, ok := registry.Tracker(transactionID)
	require.True(t, ok)
	assert.True(t, tracker.Finished(), "the run reaches a terminal state even on failure")
	snap := tracker.Snapshot()
	assert.Equal(t, progress.StatusFailed, snap.ExecutionOrder[0].Status)
}
