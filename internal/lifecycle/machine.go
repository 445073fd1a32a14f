// Package lifecycle implements the task state machine and the completion
// gate. Every status write in the system goes through Machine.Transition,
// which pairs the write with an audit entry in the same transaction.
package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
)

// Blocked reasons returned in TransitionResult.
const (
	BlockedTaskNotFound      = "task_not_found"
	BlockedInvalidTransition = "invalid_transition"
)

// allowedTransitions is the guarded move graph. Moves not listed are
// rejected unless BypassGuards is set.
var allowedTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.StatusInbox:      {models.StatusPlanning, models.StatusAssigned, models.StatusDone},
	models.StatusPlanning:   {models.StatusInbox, models.StatusAssigned},
	models.StatusAssigned:   {models.StatusInbox, models.StatusInProgress, models.StatusTesting, models.StatusReview, models.StatusDone},
	models.StatusInProgress: {models.StatusAssigned, models.StatusTesting, models.StatusReview, models.StatusDone},
	models.StatusTesting:    {models.StatusAssigned, models.StatusInProgress, models.StatusReview, models.StatusDone},
	models.StatusReview:     {models.StatusAssigned, models.StatusInProgress, models.StatusDone},
	models.StatusDone:       {models.StatusReview},
}

// CanTransition reports whether the guarded graph allows from -> to.
func CanTransition(from, to models.TaskStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionOptions parameterize one status change.
type TransitionOptions struct {
	Actor        string
	Reason       string
	AgentID      string
	Patch        models.TaskPatch
	Metadata     map[string]any
	BypassGuards bool
}

// TransitionResult reports what Transition did.
type TransitionResult struct {
	OK      bool
	NoOp    bool
	Blocked string
	Task    *models.Task
}

// Machine owns all status writes.
type Machine struct {
	store  repository.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewMachine creates the state machine.
func NewMachine(store repository.Store, eventBus bus.EventBus, log *logger.Logger) *Machine {
	return &Machine{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "lifecycle")),
	}
}

// Transition moves a task to a new status, applying the patch and writing the
// audit entry in the same transaction. Guard rejections are reported in the
// result, not as errors; errors mean the store failed.
func (m *Machine) Transition(ctx context.Context, taskID string, to models.TaskStatus, opts TransitionOptions) (*TransitionResult, error) {
	if !models.ValidStatus(to) {
		return nil, fmt.Errorf("invalid target status %q", to)
	}

	result := &TransitionResult{}
	var publishUpdate bool
	var activityType string

	err := m.store.WithTx(ctx, func(tx repository.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if repository.IsNotFound(err) {
			result.Blocked = BlockedTaskNotFound
			return nil
		}
		if err != nil {
			return err
		}

		from := task.Status

		if from == to && opts.Patch.IsEmpty() {
			result.OK = true
			result.NoOp = true
			result.Task = task
			return nil
		}

		if from == to {
			opts.Patch.Apply(task)
			if err := tx.UpdateTask(ctx, task); err != nil {
				return err
			}
			activityType = models.ActivityStatusReaffirmed
			if err := tx.LogActivity(ctx, m.entry(activityType, task, opts, from, to)); err != nil {
				return err
			}
			result.OK = true
			result.Task = task
			publishUpdate = true
			return nil
		}

		if !CanTransition(from, to) && !opts.BypassGuards {
			activityType = models.ActivityTransitionBlocked
			if err := tx.LogActivity(ctx, m.entry(activityType, task, opts, from, to)); err != nil {
				return err
			}
			result.Blocked = BlockedInvalidTransition
			result.Task = task
			return nil
		}

		opts.Patch.Apply(task)
		task.Status = to
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}

		activityType = models.ActivityStatusChanged
		if err := tx.LogActivity(ctx, m.entry(activityType, task, opts, from, to)); err != nil {
			return err
		}

		result.OK = true
		result.Task = task
		publishUpdate = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if activityType != "" {
		m.publish(ctx, events.SubjectActivityLogged, map[string]any{
			"type":    activityType,
			"task_id": taskID,
		})
	}
	if publishUpdate {
		m.publish(ctx, events.SubjectTaskUpdated, map[string]any{
			"task_id": taskID,
			"status":  string(result.Task.Status),
		})
		m.logger.Info("Task transition",
			zap.String("task_id", taskID),
			zap.String("to", string(to)),
			zap.String("actor", opts.Actor),
			zap.String("reason", opts.Reason))
	}

	return result, nil
}

func (m *Machine) entry(activityType string, task *models.Task, opts TransitionOptions, from, to models.TaskStatus) *models.ActivityEntry {
	metadata := map[string]any{
		"from":    string(from),
		"to":      string(to),
		"actor":   opts.Actor,
		"reason":  opts.Reason,
		"guarded": !opts.BypassGuards,
	}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	return &models.ActivityEntry{
		Type:     activityType,
		TaskID:   task.ID,
		AgentID:  opts.AgentID,
		Message:  fmt.Sprintf("%s: %s -> %s (%s)", activityType, from, to, opts.Reason),
		Metadata: metadata,
	}
}

func (m *Machine) publish(ctx context.Context, subject string, data map[string]any) {
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(subject, "lifecycle", data)); err != nil {
		m.logger.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
