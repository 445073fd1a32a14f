// Package dispatch claims a dispatch slot on a task and sends the opening
// prompt to the agent, registering a monitor on success.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/common/tracing"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/gateway"
	"github.com/missionctl/missionctl/internal/lifecycle"
	"github.com/missionctl/missionctl/internal/monitor"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
)

// errClaimLost signals the atomic claim found a live claim by the same agent.
var errClaimLost = errors.New("dispatch claim already held")

// ErrNotDispatchable signals the task's current status refuses a dispatch,
// e.g. a task already done. Surfaces as a conflict to the HTTP layer.
var ErrNotDispatchable = errors.New("task is not dispatchable")

// Request asks for a task to be sent to an agent. Feedback marks a rework
// dispatch.
type Request struct {
	TaskID   string `json:"taskId"`
	AgentID  string `json:"agentId"`
	Feedback string `json:"feedback,omitempty"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Result reports the dispatch outcome. Deduped results are idempotent
// successes carrying the live dispatch id.
type Result struct {
	Status     string `json:"status"`
	Deduped    bool   `json:"deduped,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DispatchID string `json:"dispatchId"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// Dispatcher claims dispatch slots and sends opening prompts.
type Dispatcher struct {
	store    repository.Store
	gw       gateway.Client
	machine  *lifecycle.Machine
	monitors *monitor.Registry
	bus      bus.EventBus
	cfg      config.MonitorConfig
	logger   *logger.Logger
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(store repository.Store, gw gateway.Client, machine *lifecycle.Machine, monitors *monitor.Registry, eventBus bus.EventBus, cfg config.MonitorConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		gw:       gw,
		machine:  machine,
		monitors: monitors,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "dispatcher")),
	}
}

// SessionKey returns the canonical session key for an (agent, task) pair.
func SessionKey(agentID, taskID string) string {
	return fmt.Sprintf("missionctl:%s:task:%s", agentID, taskID)
}

// Dispatch runs the full claim-and-send cycle.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracing.Tracer("missionctl-dispatch").Start(ctx, "dispatch")
	defer span.End()

	if req.TaskID == "" || req.AgentID == "" {
		return nil, fmt.Errorf("taskId and agentId are required")
	}

	log := d.logger.WithTaskID(req.TaskID).WithAgentID(req.AgentID)

	task, err := d.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	sessionKey := task.SessionKey
	if sessionKey == "" {
		sessionKey = SessionKey(req.AgentID, req.TaskID)
	}

	isRework := req.Feedback != ""
	if isRework {
		if err := d.recordRework(ctx, task, req); err != nil {
			return nil, err
		}
	}

	dispatchID := uuid.New().String()
	startedAt := time.Now().UTC()

	deduped, reason := ShouldDedupe(DedupeInput{
		RequestedAgentID:  req.AgentID,
		AssignedAgentID:   task.AssignedAgentID,
		Status:            task.Status,
		MonitorActive:     d.monitors.ActiveFor(req.TaskID, req.AgentID),
		DispatchStartedAt: task.DispatchStartedAt,
		Now:               startedAt,
		AckTimeout:        d.cfg.AckTimeout(),
	})
	if deduped {
		log.Info("Dispatch deduped", zap.String("reason", reason))
		return &Result{Deduped: true, Reason: reason, DispatchID: task.DispatchID, SessionKey: sessionKey}, nil
	}

	priorStatus := task.Status
	var winnerDispatchID string

	err = d.store.WithTx(ctx, func(tx repository.Tx) error {
		current, err := tx.GetTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		// A live claim by the same agent means a concurrent dispatch won the
		// slot between the dedupe check and this transaction.
		if current.DispatchID != "" && current.AssignedAgentID == req.AgentID {
			winnerDispatchID = current.DispatchID
			return errClaimLost
		}
		priorStatus = current.Status
		current.DispatchID = dispatchID
		current.DispatchStartedAt = &startedAt
		current.AssignedAgentID = req.AgentID
		current.SessionKey = sessionKey
		return tx.UpdateTask(ctx, current)
	})
	if errors.Is(err, errClaimLost) {
		log.Info("Dispatch lost claim race", zap.String("winner", winnerDispatchID))
		return &Result{Deduped: true, Reason: DedupeConcurrentRace, DispatchID: winnerDispatchID, SessionKey: sessionKey}, nil
	}
	if err != nil {
		return nil, err
	}

	baseline := 0
	if history, err := d.gw.ChatHistory(ctx, sessionKey); err == nil {
		baseline = gateway.AssistantCount(history)
	} else {
		log.Warn("Baseline history read failed, using 0", zap.Error(err))
	}

	transitionReason := "dispatched"
	if isRework {
		transitionReason = "rework_dispatched"
	}
	res, err := d.machine.Transition(ctx, req.TaskID, models.StatusAssigned, lifecycle.TransitionOptions{
		Actor:   "dispatcher",
		Reason:  transitionReason,
		AgentID: req.AgentID,
		Patch: models.TaskPatch{
			DispatchMessageCountStart: models.IntPtr(baseline),
		},
		Metadata: map[string]any{"dispatch_id": dispatchID},
	})
	if err != nil {
		d.revertClaim(ctx, req.TaskID, priorStatus)
		return nil, err
	}
	if !res.OK {
		d.revertClaim(ctx, req.TaskID, priorStatus)
		return nil, fmt.Errorf("status %s (%s): %w", priorStatus, res.Blocked, ErrNotDispatchable)
	}

	if req.Model != "" || req.Provider != "" {
		if err := d.gw.PatchSession(ctx, sessionKey, gateway.SessionPatch{
			Model: req.Model, Provider: req.Provider,
		}); err != nil {
			log.Warn("Session patch failed", zap.Error(err))
		}
	}

	prompt := buildPrompt(task, req.Feedback, dispatchID)
	if err := d.gw.SendMessage(ctx, sessionKey, prompt); err != nil {
		// A stale claim causes false dedupes, so the revert must clear it.
		log.Error("Dispatch send failed, reverting claim", zap.Error(err))
		d.revertClaim(ctx, req.TaskID, priorStatus)
		return nil, err
	}

	if err := d.store.UpsertSession(ctx, &models.Session{
		OpenClawSessionID: sessionKey,
		SessionType:       "task",
		TaskID:            req.TaskID,
		AgentID:           req.AgentID,
		Status:            "active",
	}); err != nil {
		log.Warn("Session record failed", zap.Error(err))
	}

	d.monitors.StartMonitoring(monitor.StartRequest{
		TaskID:                 req.TaskID,
		SessionKey:             sessionKey,
		AgentID:                req.AgentID,
		DispatchID:             dispatchID,
		DispatchStartedAt:      startedAt,
		BaselineAssistantCount: baseline,
	})

	d.publish(ctx, events.SubjectAgentSpawned, map[string]any{
		"task_id": req.TaskID, "agent_id": req.AgentID, "dispatch_id": dispatchID,
	})
	d.publish(ctx, events.SubjectTaskUpdated, map[string]any{"task_id": req.TaskID})

	log.Info("Task dispatched",
		zap.String("dispatch_id", dispatchID),
		zap.String("session_key", sessionKey),
		zap.Int("baseline", baseline),
		zap.Bool("rework", isRework))

	return &Result{Status: "dispatched", DispatchID: dispatchID, SessionKey: sessionKey}, nil
}

func (d *Dispatcher) recordRework(ctx context.Context, task *models.Task, req Request) error {
	if err := d.store.AddComment(ctx, &models.Comment{
		TaskID:     task.ID,
		AuthorType: models.CommentAuthorUser,
		Content:    req.Feedback,
	}); err != nil {
		return err
	}
	return d.store.LogActivity(ctx, &models.ActivityEntry{
		Type:    models.ActivityRework,
		TaskID:  task.ID,
		AgentID: req.AgentID,
		Message: "rework dispatch with feedback",
		Metadata: map[string]any{
			"rework_count": task.ReworkCount,
		},
	})
}

// revertClaim restores the pre-dispatch status and clears the claim fields.
func (d *Dispatcher) revertClaim(ctx context.Context, taskID string, priorStatus models.TaskStatus) {
	_, err := d.machine.Transition(ctx, taskID, priorStatus, lifecycle.TransitionOptions{
		Actor:        "dispatcher",
		Reason:       "dispatch_send_failed",
		BypassGuards: true,
		Patch: models.TaskPatch{
			DispatchID:                models.StringPtr(""),
			ClearDispatchStartedAt:    true,
			DispatchMessageCountStart: models.IntPtr(0),
		},
	})
	if err != nil {
		d.logger.WithTaskID(taskID).Error("Claim revert failed", zap.Error(err))
	}
}

func (d *Dispatcher) publish(ctx context.Context, subject string, data map[string]any) {
	if err := d.bus.Publish(ctx, subject, bus.NewEvent(subject, "dispatcher", data)); err != nil {
		d.logger.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// buildPrompt composes the opening message. The trailing instruction is what
// the completion gate's marker detector expects back.
func buildPrompt(task *models.Task, feedback, dispatchID string) string {
	var body string
	if feedback != "" {
		body = fmt.Sprintf("Rework requested for task %q.\n\nOriginal description:\n%s\n\nFeedback:\n%s",
			task.Title, task.Description, feedback)
	} else {
		body = fmt.Sprintf("You are assigned task %q.\n\n%s", task.Title, task.Description)
		if task.PlanningSpec != "" {
			body += "\n\nAgreed spec:\n" + task.PlanningSpec
		}
	}
	return body + fmt.Sprintf(
		"\n\nWhen you are completely done, reply exactly:\nTASK_COMPLETE dispatch_id=%s: <one-paragraph summary of what you did>",
		dispatchID)
}
