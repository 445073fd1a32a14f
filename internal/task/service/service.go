// Package service provides the CRUD façade over the store, publishing bus
// events for every mutation. Status changes are delegated to the lifecycle
// machine; this package never writes the status column directly.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/lifecycle"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
)

// Service is the task CRUD façade.
type Service struct {
	store   repository.Store
	bus     bus.EventBus
	machine *lifecycle.Machine
	logger  *logger.Logger
}

// NewService creates the façade.
func NewService(store repository.Store, eventBus bus.EventBus, machine *lifecycle.Machine, log *logger.Logger) *Service {
	return &Service{
		store:   store,
		bus:     eventBus,
		machine: machine,
		logger:  log.WithFields(zap.String("component", "task-service")),
	}
}

// CreateTaskRequest carries the user-supplied fields of a new task.
type CreateTaskRequest struct {
	Title           string              `json:"title"`
	Description     string              `json:"description"`
	Priority        models.TaskPriority `json:"priority"`
	AssignedAgentID string              `json:"assigned_agent_id"`
	MissionID       string              `json:"mission_id"`
}

// CreateTask creates a task in inbox at the bottom of the column.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	if !models.ValidPriority(req.Priority) {
		return nil, fmt.Errorf("invalid priority %q", req.Priority)
	}

	sortOrder, err := s.store.NextSortOrder(ctx, models.StatusInbox)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		MissionID:       req.MissionID,
		Title:           req.Title,
		Description:     req.Description,
		Priority:        req.Priority,
		Status:          models.StatusInbox,
		AssignedAgentID: req.AssignedAgentID,
		SortOrder:       sortOrder,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.publish(ctx, events.SubjectTaskCreated, map[string]any{"task_id": task.ID})
	s.logger.Info("Task created", zap.String("task_id", task.ID), zap.String("title", task.Title))
	return task, nil
}

// GetTask returns a single task.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filter.
func (s *Service) ListTasks(ctx context.Context, filter repository.TaskFilter) ([]*models.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// UpdateTask applies a partial update. When newStatus is non-empty the change
// routes through the lifecycle machine; a guard rejection surfaces in the
// returned result.
func (s *Service) UpdateTask(ctx context.Context, id string, patch models.TaskPatch, newStatus models.TaskStatus) (*lifecycle.TransitionResult, error) {
	if newStatus != "" {
		if !models.ValidStatus(newStatus) {
			return nil, fmt.Errorf("invalid status %q", newStatus)
		}
		return s.machine.Transition(ctx, id, newStatus, lifecycle.TransitionOptions{
			Actor:  "api",
			Reason: "user_update",
			Patch:  patch,
		})
	}

	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !patch.IsEmpty() {
		patch.Apply(task)
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
		s.publish(ctx, events.SubjectTaskUpdated, map[string]any{"task_id": id})
	}
	return &lifecycle.TransitionResult{OK: true, NoOp: patch.IsEmpty(), Task: task}, nil
}

// DeleteTask removes a task; comments and deliverables cascade.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, events.SubjectTaskDeleted, map[string]any{"task_id": id})
	return nil
}

// AddComment appends a comment to a task.
func (s *Service) AddComment(ctx context.Context, comment *models.Comment) error {
	if comment.Content == "" {
		return fmt.Errorf("content is required")
	}
	if _, err := s.store.GetTask(ctx, comment.TaskID); err != nil {
		return err
	}
	if err := s.store.AddComment(ctx, comment); err != nil {
		return err
	}
	s.publish(ctx, events.SubjectCommentAdded, map[string]any{
		"task_id": comment.TaskID, "comment_id": comment.ID,
	})
	return nil
}

// ListComments returns a task's comments in order.
func (s *Service) ListComments(ctx context.Context, taskID string) ([]*models.Comment, error) {
	return s.store.ListComments(ctx, taskID)
}

// AddDeliverable attaches an artifact to a task.
func (s *Service) AddDeliverable(ctx context.Context, d *models.Deliverable) error {
	switch d.Type {
	case models.DeliverableFile, models.DeliverableURL, models.DeliverableArtifact:
	default:
		return fmt.Errorf("invalid deliverable type %q", d.Type)
	}
	if d.Title == "" {
		return fmt.Errorf("title is required")
	}
	if _, err := s.store.GetTask(ctx, d.TaskID); err != nil {
		return err
	}
	if err := s.store.AddDeliverable(ctx, d); err != nil {
		return err
	}
	s.publish(ctx, events.SubjectDeliverableAdded, map[string]any{
		"task_id": d.TaskID, "deliverable_id": d.ID,
	})
	return nil
}

// ListDeliverables returns a task's deliverables.
func (s *Service) ListDeliverables(ctx context.Context, taskID string) ([]*models.Deliverable, error) {
	return s.store.ListDeliverables(ctx, taskID)
}

// DeleteDeliverable removes one deliverable.
func (s *Service) DeleteDeliverable(ctx context.Context, id string) error {
	return s.store.DeleteDeliverable(ctx, id)
}

// LogActivityEntry appends an audit entry and publishes the activity event.
func (s *Service) LogActivityEntry(ctx context.Context, entry *models.ActivityEntry) error {
	if err := s.store.LogActivity(ctx, entry); err != nil {
		return err
	}
	s.publish(ctx, events.SubjectActivityLogged, map[string]any{
		"task_id": entry.TaskID, "type": entry.Type,
	})
	return nil
}

// ListActivity returns the newest activity entries, optionally by type.
func (s *Service) ListActivity(ctx context.Context, activityType string, limit int) ([]*models.ActivityEntry, error) {
	if activityType != "" {
		return s.store.ListActivityByType(ctx, activityType, limit)
	}
	return s.store.ListActivity(ctx, limit)
}

// GetWorkflowSettings returns the singleton settings.
func (s *Service) GetWorkflowSettings(ctx context.Context) (*models.WorkflowSettings, error) {
	return s.store.GetWorkflowSettings(ctx)
}

// SaveWorkflowSettings replaces the singleton settings.
func (s *Service) SaveWorkflowSettings(ctx context.Context, settings *models.WorkflowSettings) error {
	return s.store.SaveWorkflowSettings(ctx, settings)
}

// CreateMission creates a mission.
func (s *Service) CreateMission(ctx context.Context, m *models.Mission) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	return s.store.CreateMission(ctx, m)
}

// ListMissions returns all missions.
func (s *Service) ListMissions(ctx context.Context) ([]*models.Mission, error) {
	return s.store.ListMissions(ctx)
}

// DeleteMission removes a mission.
func (s *Service) DeleteMission(ctx context.Context, id string) error {
	return s.store.DeleteMission(ctx, id)
}

// ListPlugins returns registered plugins.
func (s *Service) ListPlugins(ctx context.Context) ([]*models.Plugin, error) {
	return s.store.ListPlugins(ctx)
}

// TogglePlugin flips a plugin's enabled bit and publishes the toggle event.
func (s *Service) TogglePlugin(ctx context.Context, id string, enabled bool) (*models.Plugin, error) {
	p, err := s.store.SetPluginEnabled(ctx, id, enabled)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.SubjectPluginToggled, map[string]any{
		"plugin_id": p.ID, "enabled": p.Enabled,
	})
	return p, nil
}

// ListSessions returns the known gateway sessions.
func (s *Service) ListSessions(ctx context.Context) ([]*models.Session, error) {
	return s.store.ListSessions(ctx)
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]any) {
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "task-service", data)); err != nil {
		s.logger.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
