package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/gateway"
	"github.com/missionctl/missionctl/internal/gateway/gatewaytest"
	"github.com/missionctl/missionctl/internal/lifecycle"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
	"github.com/missionctl/missionctl/internal/task/repository/sqlite"
)

type fixture struct {
	store    repository.Store
	gw       *gatewaytest.Fake
	machine  *lifecycle.Machine
	registry *Registry
}

func newFixture(t *testing.T, cfg config.MonitorConfig) *fixture {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.New().String())
	db, err := sqlx.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := sqlite.NewWithDB(db, db)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	machine := lifecycle.NewMachine(store, eventBus, log)
	gw := gatewaytest.New()

	registry := NewRegistry(store, gw, machine, eventBus, cfg, log)
	t.Cleanup(registry.StopAll)

	return &fixture{store: store, gw: gw, machine: machine, registry: registry}
}

// seedDispatched creates a task carrying a live dispatch claim and returns it
// together with the StartRequest a dispatcher would have issued.
func (f *fixture) seedDispatched(t *testing.T, baseline int) (*models.Task, StartRequest) {
	t.Helper()
	ctx := context.Background()

	task := &models.Task{Title: "work", Priority: models.PriorityHigh, Status: models.StatusInbox}
	require.NoError(t, f.store.CreateTask(ctx, task))

	startedAt := time.Now().UTC()
	task.Status = models.StatusAssigned
	task.AssignedAgentID = "alpha"
	task.SessionKey = fmt.Sprintf("missionctl:alpha:task:%s", task.ID)
	task.DispatchID = uuid.New().String()
	task.DispatchStartedAt = &startedAt
	task.DispatchMessageCountStart = baseline
	require.NoError(t, f.store.UpdateTask(ctx, task))

	return task, StartRequest{
		TaskID:                 task.ID,
		SessionKey:             task.SessionKey,
		AgentID:                "alpha",
		DispatchID:             task.DispatchID,
		DispatchStartedAt:      startedAt,
		BaselineAssistantCount: baseline,
	}
}

func (f *fixture) taskStatus(t *testing.T, id string) models.TaskStatus {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func TestMonitorHappyPath(t *testing.T) {
	f := newFixture(t, config.MonitorConfig{PollIntervalMs: 20, IdleTimeoutMs: 60_000, AckTimeoutMs: 60_000})
	ctx := context.Background()
	task, req := f.seedDispatched(t, 0)

	f.registry.StartMonitoring(req)

	// First reply: progress, not a completion claim.
	f.gw.AppendAssistant(task.SessionKey, "working on it", time.Now())
	require.Eventually(t, func() bool {
		return f.taskStatus(t, task.ID) == models.StatusInProgress
	}, 2*time.Second, 10*time.Millisecond)

	// No gate-rejection noise for a reply that never claimed completion.
	rejections, err := f.store.ListActivityByType(ctx, models.ActivityGateRejected, 10)
	require.NoError(t, err)
	assert.Empty(t, rejections)

	// Second reply: marked completion with the live dispatch id.
	f.gw.AppendAssistant(task.SessionKey,
		fmt.Sprintf("TASK_COMPLETE dispatch_id=%s: done.", task.DispatchID), time.Now())

	require.Eventually(t, func() bool {
		return f.taskStatus(t, task.ID) == models.StatusReview
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, f.registry.ActiveFor(task.ID, "alpha"))

	reviews, err := f.store.ListActivityByType(ctx, models.ActivityReview, 10)
	require.NoError(t, err)
	assert.Len(t, reviews, 1)

	comments, err := f.store.ListComments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, models.CommentAuthorAgent, comments[0].AuthorType)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.DispatchID)
	assert.Nil(t, got.DispatchStartedAt)
}

func TestEventAndPollAckOnce(t *testing.T) {
	f := newFixture(t, config.MonitorConfig{PollIntervalMs: 20, IdleTimeoutMs: 60_000, AckTimeoutMs: 60_000})
	ctx := context.Background()
	task, req := f.seedDispatched(t, 0)

	f.registry.StartMonitoring(req)

	// Event-based ack, then a poll-visible assistant message racing it.
	f.gw.PushEvent(&gateway.Event{
		Event:   "chat.message",
		Payload: gateway.EventPayload{SessionKey: task.SessionKey, Role: gateway.RoleAssistant},
	})
	f.gw.AppendAssistant(task.SessionKey, "on it", time.Now())

	require.Eventually(t, func() bool {
		return f.taskStatus(t, task.ID) == models.StatusInProgress
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond) // let a few more polls run

	acks, err := f.store.ListActivityByType(ctx, models.ActivityFirstActivityAck, 10)
	require.NoError(t, err)
	assert.Len(t, acks, 1, "ack must latch exactly once")

	changes, err := f.store.ListActivityByType(ctx, models.ActivityStatusChanged, 20)
	require.NoError(t, err)
	toInProgress := 0
	for _, e := range changes {
		if e.Metadata["to"] == string(models.StatusInProgress) {
			toInProgress++
		}
	}
	assert.Equal(t, 1, toInProgress)
}

func TestGateRejectionLoggedOncePerReply(t *testing.T) {
	f := newFixture(t, config.MonitorConfig{PollIntervalMs: 20, IdleTimeoutMs: 60_000, AckTimeoutMs: 60_000})
	ctx := context.Background()

	// The spoofed completion was already in the history when the dispatcher
	// captured the task baseline, so the gate sees no new evidence while the
	// dispatch is seconds old.
	task, req := f.seedDispatched(t, 1)
	f.gw.AppendAssistant(task.SessionKey,
		fmt.Sprintf("TASK_COMPLETE dispatch_id=%s: done", task.DispatchID), time.Time{})
	req.BaselineAssistantCount = 0
	f.registry.StartMonitoring(req)

	require.Eventually(t, func() bool {
		entries, err := f.store.ListActivityByType(ctx, models.ActivityGateRejected, 10)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond) // several more polls see the same reply

	entries, err := f.store.ListActivityByType(ctx, models.ActivityGateRejected, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, lifecycle.ReasonSuspiciousInstant, entries[0].Metadata["completion_reason"])

	assert.NotEqual(t, models.StatusReview, f.taskStatus(t, task.ID))
	assert.True(t, f.registry.ActiveFor(task.ID, "alpha"), "monitor keeps watching after a rejection")
}

func TestAckTimeoutRevertsToAssigned(t *testing.T) {
	f := newFixture(t, config.MonitorConfig{PollIntervalMs: 60_000, IdleTimeoutMs: 60_000, AckTimeoutMs: 60})
	ctx := context.Background()
	task, req := f.seedDispatched(t, 0)

	f.registry.StartMonitoring(req)

	require.Eventually(t, func() bool {
		return !f.registry.ActiveFor(task.ID, "alpha")
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.StatusAssigned, f.taskStatus(t, task.ID))

	timeouts, err := f.store.ListActivityByType(ctx, models.ActivityAckTimeout, 10)
	require.NoError(t, err)
	assert.Len(t, timeouts, 1)

	comments, err := f.store.ListComments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, models.CommentAuthorSystem, comments[0].AuthorType)
}

func TestIdleTimeoutKeepsTaskInProgress(t *testing.T) {
	f := newFixture(t, config.MonitorConfig{PollIntervalMs: 20, IdleTimeoutMs: 80, AckTimeoutMs: 60_000})
	ctx := context.Background()
	task, req := f.seedDispatched(t, 0)

	// The agent acked long ago and went quiet.
	_, err := f.machine.Transition(ctx, task.ID, models.StatusInProgress, lifecycle.TransitionOptions{
		Actor: "monitor", Reason: "first_agent_activity", AgentID: "alpha",
	})
	require.NoError(t, err)

	f.registry.StartMonitoring(req)

	require.Eventually(t, func() bool {
		return !f.registry.ActiveFor(task.ID, "alpha")
	}, 2*time.Second, 10*time.Millisecond)

	// No forced review: the task waits for a re-dispatch or rework.
	assert.Equal(t, models.StatusInProgress, f.taskStatus(t, task.ID))

	comments, err := f.store.ListComments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Content, "completion monitor timeout")
}

func TestStartMonitoringReplacesExisting(t *testing.T) {
	f := newFixture(t, config.MonitorConfig{PollIntervalMs: 60_000, IdleTimeoutMs: 60_000, AckTimeoutMs: 60_000})
	task, req := f.seedDispatched(t, 0)

	f.registry.StartMonitoring(req)
	req2 := req
	req2.DispatchID = uuid.New().String()
	f.registry.StartMonitoring(req2)

	snapshot := f.registry.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, req2.DispatchID, snapshot[0].DispatchID)
	assert.True(t, f.registry.ActiveFor(task.ID, "alpha"))

	f.registry.StopMonitoring(req.SessionKey)
	f.registry.StopMonitoring(req.SessionKey) // idempotent
	assert.Empty(t, f.registry.Snapshot())
}

func TestHandoffPrefersTestingForTestableDeliverable(t *testing.T) {
	f := newFixture(t, config.MonitorConfig{PollIntervalMs: 20, IdleTimeoutMs: 60_000, AckTimeoutMs: 60_000})
	ctx := context.Background()
	task, req := f.seedDispatched(t, 0)

	require.NoError(t, f.store.AddDeliverable(ctx, &models.Deliverable{
		TaskID: task.ID, Type: models.DeliverableFile, Title: "patch", Path: "fix.diff",
	}))

	triggered := make(chan string, 1)
	f.registry.SetTestRunner(testRunnerFunc(func(taskID string) { triggered <- taskID }))

	f.registry.StartMonitoring(req)
	f.gw.AppendAssistant(task.SessionKey, "making progress on the fix", time.Now())
	f.gw.AppendAssistant(task.SessionKey,
		fmt.Sprintf("TASK_COMPLETE dispatch_id=%s: done.", task.DispatchID), time.Now())

	require.Eventually(t, func() bool {
		return f.taskStatus(t, task.ID) == models.StatusTesting
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case id := <-triggered:
		assert.Equal(t, task.ID, id)
	case <-time.After(time.Second):
		t.Fatal("test pipeline was not triggered")
	}
}

type testRunnerFunc func(taskID string)

func (f testRunnerFunc) Trigger(taskID string) { f(taskID) }
