package progress

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/finflow/types"
)

// --- Helpers ---

// recordingNotifier captures every snapshot handed to Notify, in order.
type recordingNotifier struct {
	mu      sync.Mutex
	updates []*Update
}

func (n *recordingNotifier) Notify(update *Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, update)
}

func (n *recordingNotifier) all() []*Update {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Update(nil), n.updates...)
}

func newTestTracker(t *testing.T, notifier Notifier) *Tracker {
	t.Helper()
	return NewTracker("sess-1", "txn-1", DefaultTrackerConfig(), notifier, nil)
}

// --- Lifecycle ---

func TestTracker_StartStep(t *testing.T) {
	notifier := &recordingNotifier{}
	tracker := newTestTracker(t, notifier)

	require.NoError(t, tracker.StartStep("Research", "fetch price", "fetch news"))

	snap := tracker.Snapshot()
	assert.Equal(t, "Research", snap.CurrentAgent)
	assert.Equal(t, []string{"fetch price", "fetch news"}, snap.CurrentTasks["Research"])
	require.Len(t, snap.ExecutionOrder, 1)
	assert.Equal(t, StatusRunning, snap.ExecutionOrder[0].Status)
	assert.Nil(t, snap.ExecutionOrder[0].EndTime)

	require.Len(t, notifier.all(), 1)
	assert.Equal(t, EventAgentStarted, notifier.all()[0].ProgressEvents[0].Type)
}

func TestTracker_StartStep_AlreadyRunning(t *testing.T) {
	tracker := newTestTracker(t, nil)
	require.NoError(t, tracker.StartStep("Research"))

	err := tracker.StartStep("Research")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))

	// the rejected call must not leave a second entry behind
	assert.Len(t, tracker.Snapshot().ExecutionOrder, 1)
}

func TestTracker_StartStep_DistinctAgentsRunConcurrently(t *testing.T) {
	tracker := newTestTracker(t, nil)
	require.NoError(t, tracker.StartStep("Research"))
	require.NoError(t, tracker.StartStep("Analyst"))

	snap := tracker.Snapshot()
	assert.Len(t, snap.ExecutionOrder, 2)
	assert.Equal(t, "Analyst", snap.CurrentAgent)
}

func TestTracker_NoteSubtask(t *testing.T) {
	notifier := &recordingNotifier{}
	tracker := newTestTracker(t, notifier)
	require.NoError(t, tracker.StartStep("Research"))

	require.NoError(t, tracker.NoteSubtask("Research", "fetch fundamentals"))

	snap := tracker.Snapshot()
	assert.Equal(t, []string{"fetch fundamentals"}, snap.CurrentTasks["Research"])

	updates := notifier.all()
	require.Len(t, updates, 2)
	last := updates[1].ProgressEvents[len(updates[1].ProgressEvents)-1]
	assert.Equal(t, EventSubtaskNoted, last.Type)
	assert.Equal(t, "fetch fundamentals", last.Metadata["subtask"])
}

func TestTracker_NoteSubtask_NotRunning(t *testing.T) {
	tracker := newTestTracker(t, nil)

	err := tracker.NoteSubtask("Research", "fetch price")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
}

func TestTracker_CompleteStep(t *testing.T) {
	tracker := newTestTracker(t, nil)
	require.NoError(t, tracker.StartStep("Research", "fetch price"))
	require.NoError(t, tracker.CompleteStep("Research"))

	snap := tracker.Snapshot()
	require.Len(t, snap.ExecutionOrder, 1)
	entry := snap.ExecutionOrder[0]
	assert.Equal(t, StatusCompleted, entry.Status)
	require.NotNil(t, entry.EndTime)
	assert.False(t, entry.EndTime.Before(entry.StartTime))

	// completion clears the step's live state
	assert.Empty(t, snap.CurrentAgent)
	assert.NotContains(t, snap.CurrentTasks, "Research")
}

func TestTracker_CompleteStep_WithoutStart(t *testing.T) {
	tracker := newTestTracker(t, nil)
	before := tracker.Snapshot()

	err := tracker.CompleteStep("Research")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))

	after := tracker.Snapshot()
	assert.Equal(t, before.ExecutionOrder, after.ExecutionOrder)
	assert.Equal(t, before.ProgressEvents, after.ProgressEvents)
}

func TestTracker_FailStep(t *testing.T) {
	tracker := newTestTracker(t, nil)
	require.NoError(t, tracker.StartStep("Analyst"))
	require.NoError(t, tracker.FailStep("Analyst", "upstream timeout"))

	snap := tracker.Snapshot()
	entry := snap.ExecutionOrder[0]
	assert.Equal(t, StatusFailed, entry.Status)
	require.NotNil(t, entry.EndTime)

	last := snap.ProgressEvents[len(snap.ProgressEvents)-1]
	assert.Equal(t, EventAgentFailed, last.Type)
	assert.Equal(t, "upstream timeout", last.Metadata["error"])
}

func TestTracker_FinishRun(t *testing.T) {
	var finished bool
	tracker := newTestTracker(t, nil)
	tracker.onFinish = func() { finished = true }

	require.NoError(t, tracker.StartStep("Research"))
	require.NoError(t, tracker.CompleteStep("Research"))
	require.NoError(t, tracker.FinishRun())

	assert.True(t, tracker.Finished())
	assert.True(t, finished)

	err := tracker.FinishRun()
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
}

// --- Snapshot semantics ---

func TestTracker_Snapshot_EventWindow(t *testing.T) {
	cfg := TrackerConfig{EventWindow: 10, MaxEvents: 1000}
	tracker := NewTracker("sess-1", "txn-1", cfg, nil, nil)

	require.NoError(t, tracker.StartStep("Research"))
	for i := 0; i < 20; i++ {
		require.NoError(t, tracker.NoteSubtask("Research", "tick"))
	}

	snap := tracker.Snapshot()
	assert.Len(t, snap.ProgressEvents, 10)
	// the window keeps the most recent events
	assert.Equal(t, EventSubtaskNoted, snap.ProgressEvents[9].Type)
}

func TestTracker_Snapshot_IsDeepCopy(t *testing.T) {
	tracker := newTestTracker(t, nil)
	require.NoError(t, tracker.StartStep("Research", "fetch price"))

	snap := tracker.Snapshot()
	snap.CurrentTasks["Research"][0] = "mutated"
	snap.ExecutionOrder[0].Agent = "mutated"
	snap.ProgressEvents[0].Message = "mutated"

	fresh := tracker.Snapshot()
	assert.Equal(t, "fetch price", fresh.CurrentTasks["Research"][0])
	assert.Equal(t, "Research", fresh.ExecutionOrder[0].Agent)
	assert.NotEqual(t, "mutated", fresh.ProgressEvents[0].Message)
}

func TestTracker_Snapshot_WireFormat(t *testing.T) {
	tracker := newTestTracker(t, nil)
	require.NoError(t, tracker.StartStep("Research"))

	data, err := json.Marshal(tracker.Snapshot())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "progress_update", decoded["type"])
	assert.Equal(t, "sess-1", decoded["session_id"])
	assert.Equal(t, "txn-1", decoded["transaction_id"])
	assert.Equal(t, "Research", decoded["current_agent"])
	assert.Contains(t, decoded, "progress_events")
	assert.Contains(t, decoded, "execution_order")
}

func TestTracker_UpdatedAtMonotonic(t *testing.T) {
	tracker := newTestTracker(t, nil)
	require.NoError(t, tracker.StartStep("Research"))

	var prev time.Time
	for i := 0; i < 50; i++ {
		require.NoError(t, tracker.NoteSubtask("Research", "tick"))
		snap := tracker.Snapshot()
		last := snap.ProgressEvents[len(snap.ProgressEvents)-1].Timestamp
		assert.False(t, last.Before(prev))
		prev = last
	}
}

// --- Notification ordering ---

func TestTracker_NotificationPerMutation(t *testing.T) {
	notifier := &recordingNotifier{}
	tracker := newTestTracker(t, notifier)

	require.NoError(t, tracker.StartStep("Research"))
	require.NoError(t, tracker.NoteSubtask("Research", "fetch price"))
	require.NoError(t, tracker.CompleteStep("Research"))
	require.NoError(t, tracker.FinishRun())

	updates := notifier.all()
	require.Len(t, updates, 4)
	// event counts are non-decreasing, so notifications arrived in mutation order
	for i := 1; i < len(updates); i++ {
		assert.GreaterOrEqual(t,
			len(updates[i].ProgressEvents), len(updates[i-1].ProgressEvents))
	}
}

func TestTracker_ConcurrentMutations(t *testing.T) {
	notifier := &recordingNotifier{}
	tracker := newTestTracker(t, notifier)

	agents := []string{"Research", "Analyst", "Reporter", "Risk"}
	var wg sync.WaitGroup
	for _, agent := range agents {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			assert.NoError(t, tracker.StartStep(name))
			for i := 0; i < 10; i++ {
				assert.NoError(t, tracker.NoteSubtask(name, "tick"))
			}
			assert.NoError(t, tracker.CompleteStep(name))
		}(agent)
	}
	wg.Wait()

	snap := tracker.Snapshot()
	require.Len(t, snap.ExecutionOrder, len(agents))
	for _, entry := range snap.ExecutionOrder {
		assert.Equal(t, StatusCompleted, entry.Status)
	}
	// one notification per successful mutation
	assert.Len(t, notifier.all(), len(agents)*12)
}

// --- State machine property ---

// TestTracker_StateMachine drives a random interleaving of operations and
// checks the execution-order bookkeeping: every start appends exactly one
// entry, and an entry is terminal iff a matching complete/fail succeeded.
func TestTracker_StateMachine(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tracker := NewTracker("sess-p", "txn-p", DefaultTrackerConfig(), nil, nil)
		agents := []string{"a", "b", "c"}

		running := map[string]bool{}
		starts := 0
		terminals := 0

		ops := rapid.IntRange(1, 60).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			agent := rapid.SampledFrom(agents).Draw(rt, "agent")
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				err := tracker.StartStep(agent)
				if running[agent] {
					if err == nil {
						rt.Fatalf("start of running agent %q succeeded", agent)
					}
				} else {
					if err != nil {
						rt.Fatalf("start of idle agent %q failed: %v", agent, err)
					}
					running[agent] = true
					starts++
				}
			case 1:
				err := tracker.NoteSubtask(agent, "tick")
				if running[agent] != (err == nil) {
					rt.Fatalf("subtask on %q: running=%v err=%v", agent, running[agent], err)
				}
			case 2:
				err := tracker.CompleteStep(agent)
				if running[agent] {
					if err != nil {
						rt.Fatalf("complete of running agent %q failed: %v", agent, err)
					}
					running[agent] = false
					terminals++
				} else if err == nil {
					rt.Fatalf("complete of idle agent %q succeeded", agent)
				}
			case 3:
				err := tracker.FailStep(agent, "boom")
				if running[agent] {
					if err != nil {
						rt.Fatalf("fail of running agent %q failed: %v", agent, err)
					}
					running[agent] = false
					terminals++
				} else if err == nil {
					rt.Fatalf("fail of idle agent %q succeeded", agent)
				}
			}
		}

		snap := tracker.Snapshot()
		if len(snap.ExecutionOrder) != starts {
			rt.Fatalf("expected %d entries, got %d", starts, len(snap.ExecutionOrder))
		}
		gotTerminals := 0
		for _, entry := range snap.ExecutionOrder {
			switch entry.Status {
			case StatusCompleted, StatusFailed:
				gotTerminals++
				if entry.EndTime == nil {
					rt.Fatalf("terminal entry %q has nil end time", entry.Agent)
				}
				if entry.EndTime.Before(entry.StartTime) {
					rt.Fatalf("entry %q ends before it starts", entry.Agent)
				}
			case StatusRunning:
				if entry.EndTime != nil {
					rt.Fatalf("running entry %q has end time", entry.Agent)
				}
			}
		}
		if gotTerminals != terminals {
			rt.Fatalf("expected %d terminal entries, got %d", terminals, gotTerminals)
		}
	})
}
