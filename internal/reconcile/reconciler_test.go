package reconcile

import (
	"context"
	"fmt"
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
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/gateway/gatewaytest"
	"github.com/missionctl/missionctl/internal/lifecycle"
	"github.com/missionctl/missionctl/internal/monitor"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
	"github.com/missionctl/missionctl/internal/task/repository/sqlite"
)

type fixture struct {
	store      repository.Store
	gw         *gatewaytest.Fake
	monitors   *monitor.Registry
	reconciler *Reconciler
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

	cfg := config.MonitorConfig{PollIntervalMs: 60_000, IdleTimeoutMs: 600_000, AckTimeoutMs: 90_000}
	monitors := monitor.NewRegistry(store, gw, machine, eventBus, cfg, log)
	t.Cleanup(monitors.StopAll)

	return &fixture{
		store:      store,
		gw:         gw,
		monitors:   monitors,
		reconciler: NewReconciler(store, gw, machine, monitors, log),
	}
}

func (f *fixture) seedDispatched(t *testing.T, status models.TaskStatus, baseline int, startedAt time.Time) *models.Task {
	t.Helper()
	ctx := context.Background()
	task := &models.Task{Title: "work", Priority: models.PriorityMedium, Status: models.StatusInbox}
	require.NoError(t, f.store.CreateTask(ctx, task))

	task.Status = status
	task.AssignedAgentID = "alpha"
	task.SessionKey = fmt.Sprintf("missionctl:alpha:task:%s", task.ID)
	task.DispatchID = uuid.New().String()
	task.DispatchStartedAt = &startedAt
	task.DispatchMessageCountStart = baseline
	require.NoError(t, f.store.UpdateTask(ctx, task))
	return task
}

func TestRunPromotesAssignedWithEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Minute)
	task := f.seedDispatched(t, models.StatusAssigned, 0, started)

	f.gw.AppendAssistant(task.SessionKey, "starting on it", started.Add(10*time.Second))

	require.NoError(t, f.reconciler.Run(ctx))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)

	entries, err := f.store.ListActivityByType(ctx, models.ActivityReconciled, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunDemotesInProgressWithoutEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedDispatched(t, models.StatusInProgress, 0, time.Now().UTC().Add(-time.Minute))

	// No assistant messages past the baseline.
	require.NoError(t, f.reconciler.Run(ctx))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, got.Status)
}

func TestRunIgnoresPreDispatchMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := time.Now().UTC()
	task := f.seedDispatched(t, models.StatusAssigned, 0, started)

	// An old reply from a previous session on the same key is not progress.
	f.gw.AppendAssistant(task.SessionKey, "from last time", started.Add(-time.Hour))

	require.NoError(t, f.reconciler.Run(ctx))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, got.Status)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Minute)
	task := f.seedDispatched(t, models.StatusAssigned, 0, started)
	f.gw.AppendAssistant(task.SessionKey, "working", started.Add(5*time.Second))

	require.NoError(t, f.reconciler.Run(ctx))
	first, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, f.reconciler.Run(ctx))
	second, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt, "second run must not write")

	entries, err := f.store.ListActivityByType(ctx, models.ActivityReconciled, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunSkipsTasksWithoutClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := &models.Task{Title: "unclaimed", Priority: models.PriorityLow, Status: models.StatusInbox}
	require.NoError(t, f.store.CreateTask(ctx, task))
	task.Status = models.StatusAssigned
	require.NoError(t, f.store.UpdateTask(ctx, task))

	require.NoError(t, f.reconciler.Run(ctx))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, got.Status)
}

func TestCheckCompletionsAcceptsMarkedReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Minute)
	task := f.seedDispatched(t, models.StatusInProgress, 0, started)

	f.gw.AppendAssistant(task.SessionKey, "implemented the parser and all tests pass", started.Add(20*time.Second))
	f.gw.AppendAssistant(task.SessionKey,
		fmt.Sprintf("TASK_COMPLETE dispatch_id=%s: wrote the parser, added tests, all green.", task.DispatchID),
		started.Add(40*time.Second))

	report, err := f.reconciler.CheckCompletions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, []string{task.ID}, report.Completed)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReview, got.Status)
	assert.Empty(t, got.DispatchID)

	comments, err := f.store.ListComments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, models.CommentAuthorAgent, comments[0].AuthorType)
}

func TestCheckCompletionsSweepsTesterSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Minute)
	task := f.seedDispatched(t, models.StatusTesting, 0, started)

	task.TesterSessionKey = fmt.Sprintf("missionctl:tester:test:%s", task.ID)
	require.NoError(t, f.store.UpdateTask(ctx, task))

	// The completion evidence lives in the tester session, not the
	// programmer session.
	f.gw.AppendAssistant(task.TesterSessionKey,
		fmt.Sprintf("TASK_COMPLETE dispatch_id=%s: ran the suite, everything passes.", task.DispatchID),
		started.Add(30*time.Second))

	report, err := f.reconciler.CheckCompletions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, []string{task.ID}, report.Completed)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReview, got.Status)
}

// routeRecorder captures which orchestrator phase a handoff picked.
type routeRecorder struct {
	mu  sync.Mutex
	got string
}

func (r *routeRecorder) AfterCompletion(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = "after_completion"
	return nil
}

func (r *routeRecorder) AfterTesting(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = "after_testing"
	return nil
}

func (r *routeRecorder) phase() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got
}

func TestCheckCompletionsReworkIgnoresLingeringTesterKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Minute)
	task := f.seedDispatched(t, models.StatusInProgress, 0, started)

	// A tester key survives from the previous round; the programmer is back
	// at work, so the completion is a programmer completion.
	task.TesterSessionKey = fmt.Sprintf("missionctl:tester:test:%s", task.ID)
	require.NoError(t, f.store.UpdateTask(ctx, task))

	require.NoError(t, f.store.SaveWorkflowSettings(ctx, &models.WorkflowSettings{
		OrchestratorAgentID: "orchestrator",
		MaxReworkCycles:     2,
	}))
	rec := &routeRecorder{}
	f.monitors.SetOrchestrator(rec)

	f.gw.AppendAssistant(task.SessionKey,
		fmt.Sprintf("TASK_COMPLETE dispatch_id=%s: reworked the handler and re-ran the suite.", task.DispatchID),
		started.Add(30*time.Second))

	report, err := f.reconciler.CheckCompletions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, report.Completed)

	require.Eventually(t, func() bool { return rec.phase() != "" }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "after_completion", rec.phase())
}

func TestCheckCompletionsRejectsStaleDispatchID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Minute)
	task := f.seedDispatched(t, models.StatusInProgress, 0, started)

	f.gw.AppendAssistant(task.SessionKey,
		"TASK_COMPLETE dispatch_id=00000000-0000-0000-0000-000000000000: finished, implemented and tested everything thoroughly across the whole module as requested.",
		started.Add(30*time.Second))

	report, err := f.reconciler.CheckCompletions(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Completed)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)

	rejections, err := f.store.ListActivityByType(ctx, models.ActivityGateRejected, 10)
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	assert.Equal(t, lifecycle.ReasonStaleDispatchID, rejections[0].Metadata["completion_reason"])
}

func TestCheckCompletionsSuppressesThinRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Minute)
	task := f.seedDispatched(t, models.StatusInProgress, 0, started)

	// A short "done" with a stale id: rejected, but not substantive enough to
	// clutter the audit trail.
	f.gw.AppendAssistant(task.SessionKey,
		"TASK_COMPLETE dispatch_id=00000000-0000-0000-0000-000000000000: done",
		started.Add(30*time.Second))

	report, err := f.reconciler.CheckCompletions(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Completed)
	_ = task

	rejections, err := f.store.ListActivityByType(ctx, models.ActivityGateRejected, 10)
	require.NoError(t, err)
	assert.Empty(t, rejections)
}
