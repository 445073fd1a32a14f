// Package repository defines the persistence contract for the task lifecycle
// engine.
package repository

import (
	"context"
	"errors"

	"github.com/missionctl/missionctl/internal/task/models"
)

// ErrNotFound marks lookups for ids that do not exist. Wrap with context:
// fmt.Errorf("task %s: %w", id, repository.ErrNotFound).
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status    models.TaskStatus
	AgentID   string
	MissionID string
}

// Tx is the transactional subset available inside WithTx. Reads inside a
// transaction observe the latest committed state plus the transaction's own
// writes.
type Tx interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	AddComment(ctx context.Context, comment *models.Comment) error
	LogActivity(ctx context.Context, entry *models.ActivityEntry) error
}

// Store is the persistence surface consumed by the lifecycle engine. All
// mutations touch updated_at automatically.
type Store interface {
	// Tasks.
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, id string) error
	NextSortOrder(ctx context.Context, status models.TaskStatus) (int, error)

	// Append-only task children.
	AddComment(ctx context.Context, comment *models.Comment) error
	ListComments(ctx context.Context, taskID string) ([]*models.Comment, error)
	AddDeliverable(ctx context.Context, d *models.Deliverable) error
	ListDeliverables(ctx context.Context, taskID string) ([]*models.Deliverable, error)
	DeleteDeliverable(ctx context.Context, id string) error
	LogActivity(ctx context.Context, entry *models.ActivityEntry) error
	ListActivity(ctx context.Context, limit int) ([]*models.ActivityEntry, error)
	ListActivityByType(ctx context.Context, activityType string, limit int) ([]*models.ActivityEntry, error)

	// Gateway session bookkeeping.
	UpsertSession(ctx context.Context, s *models.Session) error
	ListSessions(ctx context.Context) ([]*models.Session, error)

	// Workflow settings singleton.
	GetWorkflowSettings(ctx context.Context) (*models.WorkflowSettings, error)
	SaveWorkflowSettings(ctx context.Context, s *models.WorkflowSettings) error

	// Missions.
	CreateMission(ctx context.Context, m *models.Mission) error
	GetMission(ctx context.Context, id string) (*models.Mission, error)
	ListMissions(ctx context.Context) ([]*models.Mission, error)
	DeleteMission(ctx context.Context, id string) error

	// Plugins.
	UpsertPlugin(ctx context.Context, p *models.Plugin) error
	ListPlugins(ctx context.Context) ([]*models.Plugin, error)
	SetPluginEnabled(ctx context.Context, id string, enabled bool) (*models.Plugin, error)

	// WithTx runs fn inside a single-writer transaction. fn returning an
	// error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
