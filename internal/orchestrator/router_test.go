package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/dispatch"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/gateway/gatewaytest"
	"github.com/missionctl/missionctl/internal/lifecycle"
	"github.com/missionctl/missionctl/internal/monitor"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
	"github.com/missionctl/missionctl/internal/task/repository/sqlite"
)

type fixture struct {
	store    repository.Store
	gw       *gatewaytest.Fake
	machine  *lifecycle.Machine
	monitors *monitor.Registry
	router   *Router
}

func newFixture(t *testing.T) *fixture {
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

	monCfg := config.MonitorConfig{PollIntervalMs: 60_000, IdleTimeoutMs: 600_000, AckTimeoutMs: 90_000}
	monitors := monitor.NewRegistry(store, gw, machine, eventBus, monCfg, log)
	t.Cleanup(monitors.StopAll)

	dispatcher := dispatch.NewDispatcher(store, gw, machine, monitors, eventBus, monCfg, log)

	orchCfg := config.OrchestratorConfig{PollIntervalMs: 5, TimeoutMs: 200}
	router := NewRouter(store, gw, machine, monitors, dispatcher, eventBus, orchCfg, log)

	return &fixture{store: store, gw: gw, machine: machine, monitors: monitors, router: router}
}

func (f *fixture) saveSettings(t *testing.T, s models.WorkflowSettings) {
	t.Helper()
	require.NoError(t, f.store.SaveWorkflowSettings(context.Background(), &s))
}

func (f *fixture) seedTask(t *testing.T, mutate func(*models.Task)) *models.Task {
	t.Helper()
	ctx := context.Background()
	task := &models.Task{Title: "work", Priority: models.PriorityMedium, Status: models.StatusInbox}
	require.NoError(t, f.store.CreateTask(ctx, task))
	if mutate != nil {
		mutate(task)
		require.NoError(t, f.store.UpdateTask(ctx, task))
	}
	return task
}

// scriptReplies answers each send on an orchestrate session with the next
// scripted reply.
func (f *fixture) scriptReplies(replies ...string) {
	var mu sync.Mutex
	i := 0
	f.gw.OnSend(func(sessionKey, text string) {
		if !strings.Contains(sessionKey, ":orchestrate:") {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if i < len(replies) {
			f.gw.AppendAssistant(sessionKey, replies[i], time.Now())
			i++
		}
	})
}

func activeClaim(agentID string) func(*models.Task) {
	now := time.Now().UTC()
	return func(task *models.Task) {
		task.Status = models.StatusInProgress
		task.AssignedAgentID = agentID
		task.DispatchID = uuid.New().String()
		task.DispatchStartedAt = &now
	}
}

func TestAfterCompletionSendsToTester(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveSettings(t, models.WorkflowSettings{
		OrchestratorAgentID: "orch", TesterAgentID: "tess", MaxReworkCycles: 2,
	})
	task := f.seedTask(t, activeClaim("prog"))
	priorDispatch := task.DispatchID

	f.scriptReplies(`{"action": "send_to_testing", "reasoning": "artifact present"}`)

	require.NoError(t, f.router.AfterCompletion(ctx, task.ID))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTesting, got.Status)
	assert.Equal(t, "prog", got.AssignedAgentID)
	assert.Equal(t, TesterSessionKey("tess", task.ID), got.TesterSessionKey)
	assert.Equal(t, SessionKey("orch", task.ID), got.OrchestratorSessionKey)
	assert.NotEqual(t, priorDispatch, got.DispatchID)
	assert.True(t, got.HasDispatchClaim())

	sent := f.gw.Sent(got.TesterSessionKey)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "TASK_COMPLETE dispatch_id="+got.DispatchID)

	assert.True(t, f.monitors.ActiveFor(task.ID, "prog"))
}

func TestAfterCompletionReviewWithoutTester(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveSettings(t, models.WorkflowSettings{OrchestratorAgentID: "orch", MaxReworkCycles: 2})
	task := f.seedTask(t, activeClaim("prog"))

	// send_to_testing without a configured tester degrades to review.
	f.scriptReplies(`{"action": "send_to_testing", "reasoning": "try testing"}`)

	require.NoError(t, f.router.AfterCompletion(ctx, task.ID))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReview, got.Status)
	assert.Empty(t, got.DispatchID)
	assert.Nil(t, got.DispatchStartedAt)
}

func TestAfterCompletionNudgesThenFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveSettings(t, models.WorkflowSettings{OrchestratorAgentID: "orch", MaxReworkCycles: 2})
	task := f.seedTask(t, activeClaim("prog"))

	f.scriptReplies(
		"I would route this to testing, probably.",
		"Still thinking in prose.",
	)

	require.NoError(t, f.router.AfterCompletion(ctx, task.ID))

	orchKey := SessionKey("orch", task.ID)
	sent := f.gw.Sent(orchKey)
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1], "ONLY a JSON object")

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReview, got.Status)

	decisions, err := f.store.ListActivityByType(ctx, models.ActivityOrchestrator, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionFallback, decisions[0].Metadata["action"])
}

func TestAfterCompletionTimeoutFallsBackToReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveSettings(t, models.WorkflowSettings{OrchestratorAgentID: "orch", MaxReworkCycles: 2})
	task := f.seedTask(t, activeClaim("prog"))

	// No scripted replies: the orchestrator never answers.
	require.NoError(t, f.router.AfterCompletion(ctx, task.ID))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReview, got.Status)
}

func TestAfterTestingReworkRedispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveSettings(t, models.WorkflowSettings{
		OrchestratorAgentID: "orch", TesterAgentID: "tess", MaxReworkCycles: 2,
	})
	now := time.Now().UTC()
	task := f.seedTask(t, func(task *models.Task) {
		task.Status = models.StatusTesting
		task.AssignedAgentID = "prog"
		task.TesterSessionKey = TesterSessionKey("tess", task.ID)
		task.DispatchID = uuid.New().String()
		task.DispatchStartedAt = &now
	})

	f.scriptReplies(`{"action": "send_to_programmer", "reasoning": "tests failed", "feedback": "fix the nil check in the parser"}`)

	require.NoError(t, f.router.AfterTesting(ctx, task.ID))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, got.Status)
	assert.Equal(t, 1, got.ReworkCount)
	assert.Equal(t, "prog", got.AssignedAgentID)
	assert.True(t, got.HasDispatchClaim())

	var sawSystem bool
	comments, err := f.store.ListComments(ctx, task.ID)
	require.NoError(t, err)
	for _, c := range comments {
		if c.AuthorType == models.CommentAuthorSystem && strings.Contains(c.Content, "fix the nil check") {
			sawSystem = true
		}
	}
	assert.True(t, sawSystem, "expected a system comment carrying the orchestrator feedback")

	progKey := dispatch.SessionKey("prog", task.ID)
	sent := f.gw.Sent(progKey)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "fix the nil check")
	assert.True(t, f.monitors.ActiveFor(task.ID, "prog"))
}

func TestAfterTestingEscalatesAtMaxRework(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveSettings(t, models.WorkflowSettings{
		OrchestratorAgentID: "orch", TesterAgentID: "tess", MaxReworkCycles: 2,
	})
	now := time.Now().UTC()
	task := f.seedTask(t, func(task *models.Task) {
		task.Status = models.StatusTesting
		task.AssignedAgentID = "prog"
		task.ReworkCount = 2
		task.DispatchID = uuid.New().String()
		task.DispatchStartedAt = &now
	})

	f.scriptReplies(`{"action": "send_to_programmer", "reasoning": "still failing", "feedback": "more fixes"}`)

	require.NoError(t, f.router.AfterTesting(ctx, task.ID))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReview, got.Status)
	assert.Equal(t, 2, got.ReworkCount)

	var sawEscalation bool
	comments, err := f.store.ListComments(ctx, task.ID)
	require.NoError(t, err)
	for _, c := range comments {
		if strings.Contains(c.Content, "max rework cycles reached") {
			sawEscalation = true
		}
	}
	assert.True(t, sawEscalation)

	progKey := dispatch.SessionKey("prog", task.ID)
	assert.Empty(t, f.gw.Sent(progKey))
}

func TestAfterPlanningDispatchesProgrammer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveSettings(t, models.WorkflowSettings{OrchestratorAgentID: "orch", MaxReworkCycles: 2})
	task := f.seedTask(t, func(task *models.Task) {
		task.AssignedAgentID = "prog"
		task.PlanningComplete = true
		task.PlanningSpec = "build the widget"
	})

	f.scriptReplies(`{"action": "dispatch_to_programmer", "reasoning": "spec is ready"}`)

	require.NoError(t, f.router.AfterPlanning(ctx, task.ID))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, got.Status)
	assert.True(t, got.HasDispatchClaim())

	progKey := dispatch.SessionKey("prog", task.ID)
	sent := f.gw.Sent(progKey)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "build the widget")
}

func TestAfterPlanningNeedsMorePlanning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveSettings(t, models.WorkflowSettings{OrchestratorAgentID: "orch", MaxReworkCycles: 2})
	task := f.seedTask(t, func(task *models.Task) {
		task.Status = models.StatusPlanning
		task.AssignedAgentID = "prog"
	})

	f.scriptReplies(`{"action": "needs_more_planning", "reasoning": "the spec has open questions"}`)

	require.NoError(t, f.router.AfterPlanning(ctx, task.ID))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlanning, got.Status)
	assert.Empty(t, got.DispatchID)

	comments, err := f.store.ListComments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Content, "more planning")
}

func TestRouterRequiresConfiguredOrchestrator(t *testing.T) {
	f := newFixture(t)
	task := f.seedTask(t, nil)

	err := f.router.AfterCompletion(context.Background(), task.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no orchestrator agent configured")
}
