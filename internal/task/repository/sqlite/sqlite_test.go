package sqlite

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

	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.New().String())
	db, err := sqlx.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := NewWithDB(db, db)
	require.NoError(t, err)
	return repo
}

func newTask(title string) *models.Task {
	return &models.Task{
		Title:    title,
		Priority: models.PriorityMedium,
		Status:   models.StatusInbox,
	}
}

func TestTaskCRUD(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	task := newTask("build the thing")
	require.NoError(t, repo.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "build the thing", got.Title)
	assert.Equal(t, models.StatusInbox, got.Status)
	assert.Nil(t, got.DispatchStartedAt)

	got.Description = "now with details"
	got.Status = models.StatusAssigned
	got.AssignedAgentID = "alpha"
	got.SessionKey = "missionctl:alpha:task:" + task.ID
	now := time.Now().UTC()
	got.DispatchID = uuid.New().String()
	got.DispatchStartedAt = &now
	require.NoError(t, repo.UpdateTask(ctx, got))

	got2, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "now with details", got2.Description)
	assert.True(t, got2.HasDispatchClaim())
	assert.WithinDuration(t, now, *got2.DispatchStartedAt, time.Second)

	require.NoError(t, repo.DeleteTask(ctx, task.ID))
	_, err = repo.GetTask(ctx, task.ID)
	assert.True(t, repository.IsNotFound(err))
}

func TestTaskNotFound(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	_, err := repo.GetTask(ctx, "missing")
	assert.True(t, repository.IsNotFound(err))

	err = repo.UpdateTask(ctx, &models.Task{ID: "missing", Title: "x"})
	assert.True(t, repository.IsNotFound(err))

	err = repo.DeleteTask(ctx, "missing")
	assert.True(t, repository.IsNotFound(err))
}

func TestListTasksFilter(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	a := newTask("a")
	b := newTask("b")
	b.Status = models.StatusReview
	b.AssignedAgentID = "alpha"
	require.NoError(t, repo.CreateTask(ctx, a))
	require.NoError(t, repo.CreateTask(ctx, b))

	all, err := repo.ListTasks(ctx, repository.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	inbox, err := repo.ListTasks(ctx, repository.TaskFilter{Status: models.StatusInbox})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "a", inbox[0].Title)

	byAgent, err := repo.ListTasks(ctx, repository.TaskFilter{AgentID: "alpha"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, "b", byAgent[0].Title)
}

func TestNextSortOrder(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	n, err := repo.NextSortOrder(ctx, models.StatusInbox)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task := newTask("first")
	task.SortOrder = n
	require.NoError(t, repo.CreateTask(ctx, task))

	n, err = repo.NextSortOrder(ctx, models.StatusInbox)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCascadeDelete(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	task := newTask("with children")
	require.NoError(t, repo.CreateTask(ctx, task))

	require.NoError(t, repo.AddComment(ctx, &models.Comment{
		TaskID: task.ID, AuthorType: models.CommentAuthorAgent, AgentID: "alpha", Content: "note",
	}))
	require.NoError(t, repo.AddDeliverable(ctx, &models.Deliverable{
		TaskID: task.ID, Type: models.DeliverableFile, Title: "report", Path: "/tmp/report.md",
	}))

	require.NoError(t, repo.DeleteTask(ctx, task.ID))

	comments, err := repo.ListComments(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, comments)

	deliverables, err := repo.ListDeliverables(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, deliverables)
}

func TestActivityLog(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.LogActivity(ctx, &models.ActivityEntry{
		Type:    models.ActivityStatusChanged,
		TaskID:  "t-1",
		Message: "inbox -> assigned",
		Metadata: map[string]any{
			"from": "inbox", "to": "assigned",
		},
	}))
	require.NoError(t, repo.LogActivity(ctx, &models.ActivityEntry{
		Type:    models.ActivityGateRejected,
		TaskID:  "t-1",
		Message: "rejected",
	}))

	all, err := repo.ListActivity(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	changes, err := repo.ListActivityByType(ctx, models.ActivityStatusChanged, 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "assigned", changes[0].Metadata["to"])
}

func TestWithTxRollback(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	task := newTask("tx")
	require.NoError(t, repo.CreateTask(ctx, task))

	err := repo.WithTx(ctx, func(tx repository.Tx) error {
		got, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		got.Status = models.StatusDone
		if err := tx.UpdateTask(ctx, got); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInbox, got.Status)
}

func TestWithTxCommitPairsStatusAndActivity(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	task := newTask("tx-commit")
	require.NoError(t, repo.CreateTask(ctx, task))

	err := repo.WithTx(ctx, func(tx repository.Tx) error {
		got, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		got.Status = models.StatusPlanning
		if err := tx.UpdateTask(ctx, got); err != nil {
			return err
		}
		return tx.LogActivity(ctx, &models.ActivityEntry{
			Type:    models.ActivityStatusChanged,
			TaskID:  task.ID,
			Message: "inbox -> planning",
		})
	})
	require.NoError(t, err)

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlanning, got.Status)

	entries, err := repo.ListActivityByType(ctx, models.ActivityStatusChanged, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWorkflowSettings(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	s, err := repo.GetWorkflowSettings(ctx)
	require.NoError(t, err)
	assert.False(t, s.OrchestratorEnabled())
	assert.Equal(t, 2, s.MaxReworkCycles)

	s.OrchestratorAgentID = "orchestrator"
	s.TesterAgentID = "tester"
	s.MaxReworkCycles = 99
	require.NoError(t, repo.SaveWorkflowSettings(ctx, s))

	got, err := repo.GetWorkflowSettings(ctx)
	require.NoError(t, err)
	assert.True(t, got.OrchestratorEnabled())
	assert.Equal(t, models.MaxReworkCeiling, got.MaxReworkCycles)
}

func TestPluginToggle(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	p := &models.Plugin{Name: "linter"}
	require.NoError(t, repo.UpsertPlugin(ctx, p))

	toggled, err := repo.SetPluginEnabled(ctx, p.ID, true)
	require.NoError(t, err)
	assert.True(t, toggled.Enabled)

	_, err = repo.SetPluginEnabled(ctx, "missing", true)
	assert.True(t, repository.IsNotFound(err))
}

func TestSessionsUpsert(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	s := &models.Session{
		OpenClawSessionID: "missionctl:alpha:task:t-1",
		SessionType:       "task",
		TaskID:            "t-1",
		AgentID:           "alpha",
		Status:            "active",
	}
	require.NoError(t, repo.UpsertSession(ctx, s))

	s.Status = "completed"
	require.NoError(t, repo.UpsertSession(ctx, s))

	sessions, err := repo.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "completed", sessions[0].Status)
}
