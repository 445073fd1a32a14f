// Package planning drives the pre-dispatch question/answer loop that turns a
// task description into an agreed spec.
package planning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/dispatch"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/gateway"
	"github.com/missionctl/missionctl/internal/lifecycle"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrAlreadyStarted  = errors.New("planning already started")
	ErrNotStarted      = errors.New("planning not started")
	ErrNoPlannerAgent  = errors.New("no planner agent configured")
	ErrNotComplete     = errors.New("planning is not complete")
	ErrNoAssignedAgent = errors.New("no agent assigned")
)

// TaskDispatcher is the dispatcher slice the auto-dispatch path uses.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Router is the orchestrator slice invoked when planning completes with an
// orchestrator configured.
type Router interface {
	AfterPlanning(ctx context.Context, taskID string) error
}

// Snapshot is the read model returned by Get and Poll.
type Snapshot struct {
	TaskID          string            `json:"task_id"`
	Status          models.TaskStatus `json:"status"`
	SessionKey      string            `json:"session_key,omitempty"`
	Messages        Transcript        `json:"messages"`
	Complete        bool              `json:"complete"`
	Spec            string            `json:"spec,omitempty"`
	QuestionWaiting bool              `json:"question_waiting"`
	DispatchError   string            `json:"dispatch_error,omitempty"`
}

// Controller owns the planning loop for all tasks.
type Controller struct {
	store      repository.Store
	gw         gateway.Client
	machine    *lifecycle.Machine
	dispatcher TaskDispatcher
	router     Router // may be nil
	bus        bus.EventBus
	logger     *logger.Logger
}

// NewController creates the planning controller. router may be nil when no
// orchestrator is wired.
func NewController(store repository.Store, gw gateway.Client, machine *lifecycle.Machine, dispatcher TaskDispatcher, router Router, eventBus bus.EventBus, log *logger.Logger) *Controller {
	return &Controller{
		store:      store,
		gw:         gw,
		machine:    machine,
		dispatcher: dispatcher,
		router:     router,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "planning")),
	}
}

// SessionKey returns the planner session key for a task.
func SessionKey(plannerAgentID, taskID string) string {
	return fmt.Sprintf("missionctl:%s:plan:%s", plannerAgentID, taskID)
}

// Start opens a planning session for the task and sends the planner prompt.
func (c *Controller) Start(ctx context.Context, taskID string) (*Snapshot, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.PlanningSessionKey != "" {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrAlreadyStarted)
	}

	settings, err := c.store.GetWorkflowSettings(ctx)
	if err != nil {
		return nil, err
	}
	if settings.PlannerAgentID == "" {
		return nil, ErrNoPlannerAgent
	}

	sessionKey := SessionKey(settings.PlannerAgentID, taskID)
	prompt := plannerPrompt(task)

	// The session key is deterministic, so a restarted round shares its
	// session with earlier rounds. Freeze the assistant count now and poll
	// only past it, or stale planner replies would replay into this round.
	baseline := 0
	if history, err := c.gw.ChatHistory(ctx, sessionKey); err == nil {
		baseline = gateway.AssistantCount(history)
	} else {
		c.logger.WithTaskID(taskID).Warn("Planner baseline read failed, using 0", zap.Error(err))
	}

	if err := c.gw.SendMessage(ctx, sessionKey, prompt); err != nil {
		return nil, err
	}

	transcript := Transcript{}.append("user", prompt)
	res, err := c.machine.Transition(ctx, taskID, models.StatusPlanning, lifecycle.TransitionOptions{
		Actor:  "planning",
		Reason: "planning_started",
		Patch: models.TaskPatch{
			PlanningSessionKey:        models.StringPtr(sessionKey),
			PlanningMessages:          models.StringPtr(transcript.encode()),
			PlanningComplete:          models.BoolPtr(false),
			PlanningSpec:              models.StringPtr(""),
			PlanningDispatchError:     models.StringPtr(""),
			PlanningQuestionWaiting:   models.BoolPtr(false),
			PlanningMessageCountStart: models.IntPtr(baseline),
		},
	})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, fmt.Errorf("task %s: cannot start planning from %s", taskID, task.Status)
	}

	if err := c.store.UpsertSession(ctx, &models.Session{
		OpenClawSessionID: sessionKey,
		SessionType:       "planning",
		TaskID:            taskID,
		AgentID:           settings.PlannerAgentID,
		Status:            "active",
	}); err != nil {
		c.logger.WithTaskID(taskID).Warn("Planner session record failed", zap.Error(err))
	}

	c.logger.WithTaskID(taskID).Info("Planning started", zap.String("session_key", sessionKey))
	return c.snapshot(res.Task), nil
}

// Get returns the current planning state without polling the gateway.
func (c *Controller) Get(ctx context.Context, taskID string) (*Snapshot, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return c.snapshot(task), nil
}

// Poll pulls new planner replies from the gateway and advances the loop:
// questions set the waiting flag, a complete reply stores the spec and
// triggers the auto-dispatch path.
func (c *Controller) Poll(ctx context.Context, taskID string) (*Snapshot, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.PlanningSessionKey == "" {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotStarted)
	}

	history, err := c.gw.ChatHistory(ctx, task.PlanningSessionKey)
	if err != nil {
		return nil, err
	}

	transcript := parseTranscript(task.PlanningMessages)
	known := task.PlanningMessageCountStart + transcript.assistantCount()

	var fresh []string
	seen := 0
	for _, msg := range history {
		if msg.Role != gateway.RoleAssistant {
			continue
		}
		seen++
		if seen > known {
			fresh = append(fresh, msg.Text())
		}
	}
	if len(fresh) == 0 {
		return c.snapshot(task), nil
	}

	patch := models.TaskPatch{}
	becameComplete := false
	for _, text := range fresh {
		transcript = transcript.append("assistant", text)
		if spec, ok := parseSpec(text); ok {
			patch.PlanningComplete = models.BoolPtr(true)
			patch.PlanningSpec = models.StringPtr(spec.Raw)
			patch.PlanningQuestionWaiting = models.BoolPtr(false)
			becameComplete = !task.PlanningComplete
			continue
		}
		if _, ok := parseQuestion(text); ok {
			patch.PlanningQuestionWaiting = models.BoolPtr(true)
		}
	}
	patch.PlanningMessages = models.StringPtr(transcript.encode())

	err = c.store.WithTx(ctx, func(tx repository.Tx) error {
		current, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		patch.Apply(current)
		return tx.UpdateTask(ctx, current)
	})
	if err != nil {
		return nil, err
	}

	task, err = c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if becameComplete {
		if task.AssignedAgentID != "" {
			c.autoDispatch(task)
		} else {
			res, err := c.machine.Transition(ctx, taskID, models.StatusInbox, lifecycle.TransitionOptions{
				Actor:        "planning",
				Reason:       "planning_complete_awaiting_dispatch",
				BypassGuards: true,
			})
			if err == nil && res.OK {
				task = res.Task
			}
		}
	}

	return c.snapshot(task), nil
}

// Answer forwards the user's reply to the planner and clears the waiting
// flag.
func (c *Controller) Answer(ctx context.Context, taskID, answer, otherText string) (*Snapshot, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.PlanningSessionKey == "" {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotStarted)
	}
	if strings.TrimSpace(answer) == "" && strings.TrimSpace(otherText) == "" {
		return nil, fmt.Errorf("answer is required")
	}

	text := answer
	if otherText != "" {
		if text != "" {
			text += ": "
		}
		text += otherText
	}

	if err := c.gw.SendMessage(ctx, task.PlanningSessionKey, text); err != nil {
		return nil, err
	}

	transcript := parseTranscript(task.PlanningMessages).append("user", text)
	patch := models.TaskPatch{
		PlanningMessages:        models.StringPtr(transcript.encode()),
		PlanningQuestionWaiting: models.BoolPtr(false),
	}
	err = c.store.WithTx(ctx, func(tx repository.Tx) error {
		current, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		patch.Apply(current)
		return tx.UpdateTask(ctx, current)
	})
	if err != nil {
		return nil, err
	}

	task, err = c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return c.snapshot(task), nil
}

// Approve confirms the finished spec and dispatches to the assigned agent.
func (c *Controller) Approve(ctx context.Context, taskID string) (*Snapshot, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.PlanningComplete {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotComplete)
	}
	if task.AssignedAgentID == "" {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNoAssignedAgent)
	}

	c.autoDispatch(task)
	return c.snapshot(task), nil
}

// Cancel abandons planning, clearing every planning field and returning the
// task to the inbox.
func (c *Controller) Cancel(ctx context.Context, taskID string) (*Snapshot, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.PlanningSessionKey == "" {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotStarted)
	}

	res, err := c.machine.Transition(ctx, taskID, models.StatusInbox, lifecycle.TransitionOptions{
		Actor:        "planning",
		Reason:       "planning_cancelled",
		BypassGuards: true,
		Patch: models.TaskPatch{
			PlanningSessionKey:        models.StringPtr(""),
			PlanningMessages:          models.StringPtr(""),
			PlanningComplete:          models.BoolPtr(false),
			PlanningSpec:              models.StringPtr(""),
			PlanningDispatchError:     models.StringPtr(""),
			PlanningQuestionWaiting:   models.BoolPtr(false),
			PlanningMessageCountStart: models.IntPtr(0),
		},
	})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, fmt.Errorf("task %s: cancel blocked: %s", taskID, res.Blocked)
	}

	c.logger.WithTaskID(taskID).Info("Planning cancelled")
	return c.snapshot(res.Task), nil
}

// autoDispatch hands a completed plan to the orchestrator or the dispatcher
// in the background. Failures land in planning_dispatch_error and the event
// stream, never in the caller's request path.
func (c *Controller) autoDispatch(task *models.Task) {
	settings, err := c.store.GetWorkflowSettings(context.Background())
	if err != nil {
		c.logger.WithTaskID(task.ID).Error("Auto-dispatch settings read failed", zap.Error(err))
		return
	}

	go func() {
		ctx := context.Background()
		var err error
		if settings.OrchestratorEnabled() && c.router != nil {
			err = c.router.AfterPlanning(ctx, task.ID)
		} else {
			_, err = c.dispatcher.Dispatch(ctx, dispatch.Request{
				TaskID:  task.ID,
				AgentID: task.AssignedAgentID,
			})
		}
		if err == nil {
			return
		}

		c.logger.WithTaskID(task.ID).Warn("Auto-dispatch after planning failed", zap.Error(err))
		storeErr := c.store.WithTx(ctx, func(tx repository.Tx) error {
			current, err := tx.GetTask(ctx, task.ID)
			if err != nil {
				return err
			}
			current.PlanningDispatchError = err.Error()
			return tx.UpdateTask(ctx, current)
		})
		if storeErr != nil {
			c.logger.WithTaskID(task.ID).Error("Failed to record dispatch error", zap.Error(storeErr))
		}
		c.publish(ctx, events.SubjectTaskUpdated, map[string]any{
			"task_id": task.ID, "planning_dispatch_error": err.Error(),
		})
	}()
}

func (c *Controller) snapshot(task *models.Task) *Snapshot {
	return &Snapshot{
		TaskID:          task.ID,
		Status:          task.Status,
		SessionKey:      task.PlanningSessionKey,
		Messages:        parseTranscript(task.PlanningMessages),
		Complete:        task.PlanningComplete,
		Spec:            task.PlanningSpec,
		QuestionWaiting: task.PlanningQuestionWaiting,
		DispatchError:   task.PlanningDispatchError,
	}
}

func (c *Controller) publish(ctx context.Context, subject string, data map[string]any) {
	if err := c.bus.Publish(ctx, subject, bus.NewEvent(subject, "planning", data)); err != nil {
		c.logger.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func plannerPrompt(task *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan the following task before any code is written.\n\nTitle: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", task.Description)
	}
	b.WriteString(`
Ask one clarifying question at a time as {"question": "...", "options": ["..."]}.
When the plan is settled, reply with {"complete": true, "spec": {...}} where spec
describes the agreed scope, approach, and acceptance criteria.
Reply with ONLY a JSON object each turn.`)
	return b.String()
}
