// Package orchestrator delegates workflow routing decisions to a configured
// orchestrator agent over the gateway, one single-turn JSON exchange per
// phase boundary.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/common/tracing"
	"github.com/missionctl/missionctl/internal/dispatch"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/gateway"
	"github.com/missionctl/missionctl/internal/lifecycle"
	"github.com/missionctl/missionctl/internal/monitor"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
)

// TaskDispatcher is the slice of the dispatcher the router needs for the
// rework and post-planning paths.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Router invokes the orchestrator agent at phase boundaries and applies its
// decision. It satisfies the monitor's Orchestrator interface.
type Router struct {
	store      repository.Store
	gw         gateway.Client
	machine    *lifecycle.Machine
	monitors   *monitor.Registry
	dispatcher TaskDispatcher
	bus        bus.EventBus
	cfg        config.OrchestratorConfig
	logger     *logger.Logger
}

// NewRouter creates the orchestrator router.
func NewRouter(store repository.Store, gw gateway.Client, machine *lifecycle.Machine, monitors *monitor.Registry, dispatcher TaskDispatcher, eventBus bus.EventBus, cfg config.OrchestratorConfig, log *logger.Logger) *Router {
	return &Router{
		store:      store,
		gw:         gw,
		machine:    machine,
		monitors:   monitors,
		dispatcher: dispatcher,
		bus:        eventBus,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
	}
}

// SessionKey returns the dedicated orchestration session key for a task.
func SessionKey(orchestratorAgentID, taskID string) string {
	return fmt.Sprintf("missionctl:%s:orchestrate:%s", orchestratorAgentID, taskID)
}

// TesterSessionKey returns the session key a tester dispatch runs on.
func TesterSessionKey(testerAgentID, taskID string) string {
	return fmt.Sprintf("missionctl:%s:test:%s", testerAgentID, taskID)
}

// AfterPlanning routes a task whose planning phase produced a spec. The
// default (and fallback) action dispatches to the assigned programmer.
func (r *Router) AfterPlanning(ctx context.Context, taskID string) error {
	task, settings, err := r.load(ctx, taskID)
	if err != nil {
		return err
	}

	decision := r.invoke(ctx, task, settings, promptAfterPlanning(task))
	r.logDecision(ctx, task, "after_planning", decision)

	if decision.Action == ActionNeedsMorePlanning {
		return r.systemComment(ctx, task.ID, "orchestrator requested more planning: "+decision.Reasoning)
	}

	if task.AssignedAgentID == "" {
		return fmt.Errorf("task %s: orchestrator chose dispatch but no agent is assigned", task.ID)
	}
	_, err = r.dispatcher.Dispatch(ctx, dispatch.Request{TaskID: task.ID, AgentID: task.AssignedAgentID})
	return err
}

// AfterCompletion routes an accepted programmer completion: to the tester
// agent when configured and chosen, to review otherwise.
func (r *Router) AfterCompletion(ctx context.Context, taskID string) error {
	task, settings, err := r.load(ctx, taskID)
	if err != nil {
		return err
	}

	decision := r.invoke(ctx, task, settings, promptAfterCompletion(task))
	r.logDecision(ctx, task, "after_completion", decision)

	if decision.Action == ActionSendToTesting && settings.TesterAgentID != "" {
		return r.dispatchToTesterAgent(ctx, task, settings)
	}
	return r.transitionToReview(ctx, task, "orchestrator_send_to_review")
}

// AfterTesting routes an accepted tester completion: back to the programmer
// as bounded rework, or on to review.
func (r *Router) AfterTesting(ctx context.Context, taskID string) error {
	task, settings, err := r.load(ctx, taskID)
	if err != nil {
		return err
	}

	decision := r.invoke(ctx, task, settings, promptAfterTesting(task))
	r.logDecision(ctx, task, "after_testing", decision)

	if decision.Action != ActionSendToProgrammer {
		return r.transitionToReview(ctx, task, "orchestrator_send_to_review")
	}

	if task.ReworkCount >= settings.MaxReworkCycles {
		if err := r.systemComment(ctx, task.ID, fmt.Sprintf(
			"max rework cycles reached (%d), escalating to review", settings.MaxReworkCycles)); err != nil {
			return err
		}
		return r.transitionToReview(ctx, task, "orchestrator_max_rework")
	}

	feedback := decision.Feedback
	if feedback == "" {
		feedback = decision.Reasoning
	}

	// Release the tester claim and count the cycle before the re-dispatch
	// claims a fresh slot.
	err = r.store.WithTx(ctx, func(tx repository.Tx) error {
		current, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		current.DispatchID = ""
		current.DispatchStartedAt = nil
		current.ReworkCount++
		return tx.UpdateTask(ctx, current)
	})
	if err != nil {
		return err
	}

	if err := r.systemComment(ctx, task.ID, "orchestrator requested rework: "+feedback); err != nil {
		return err
	}

	_, err = r.dispatcher.Dispatch(ctx, dispatch.Request{
		TaskID:   task.ID,
		AgentID:  task.AssignedAgentID,
		Feedback: feedback,
	})
	return err
}

// invoke runs the single-turn JSON protocol against the orchestrator agent.
// It never fails: timeouts and unparseable replies degrade to the fallback
// action, which every phase router maps to its safe default.
func (r *Router) invoke(ctx context.Context, task *models.Task, settings *models.WorkflowSettings, prompt string) *Decision {
	ctx, span := tracing.Tracer("missionctl-orchestrator").Start(ctx, "orchestrator.invoke")
	defer span.End()

	log := r.logger.WithTaskID(task.ID)

	sessionKey := SessionKey(settings.OrchestratorAgentID, task.ID)
	if err := r.recordSessionKey(ctx, task.ID, sessionKey); err != nil {
		log.Warn("Failed to record orchestrator session key", zap.Error(err))
	}

	baseline := 0
	if history, err := r.gw.ChatHistory(ctx, sessionKey); err == nil {
		baseline = gateway.AssistantCount(history)
	}

	if err := r.gw.SendMessage(ctx, sessionKey, prompt); err != nil {
		log.Warn("Orchestrator prompt send failed, using fallback", zap.Error(err))
		return &Decision{Action: ActionFallback, Reasoning: "orchestrator unreachable: " + err.Error()}
	}

	nudged := false
	deadline := time.Now().Add(r.cfg.Timeout())
	ticker := time.NewTicker(r.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return &Decision{Action: ActionFallback, Reasoning: "orchestrator poll cancelled"}
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			log.Warn("Orchestrator decision timed out, using fallback")
			return &Decision{Action: ActionFallback, Reasoning: "orchestrator timed out"}
		}

		history, err := r.gw.ChatHistory(ctx, sessionKey)
		if err != nil {
			log.Debug("Orchestrator history poll failed", zap.Error(err))
			continue
		}
		if gateway.AssistantCount(history) <= baseline {
			continue
		}

		reply := gateway.LatestAssistant(history)
		decision, err := parseDecision(reply.Text())
		if err == nil {
			log.Info("Orchestrator decision received", zap.String("action", decision.Action))
			return decision
		}

		if nudged {
			log.Warn("Orchestrator reply unparseable after nudge, using fallback",
				zap.Error(err))
			return &Decision{Action: ActionFallback, Reasoning: "orchestrator reply unparseable"}
		}
		nudged = true
		baseline = gateway.AssistantCount(history)
		if err := r.gw.SendMessage(ctx, sessionKey,
			`Reply with ONLY a JSON object: {"action": "...", "reasoning": "...", "feedback": "..."}`); err != nil {
			log.Warn("Orchestrator nudge send failed, using fallback", zap.Error(err))
			return &Decision{Action: ActionFallback, Reasoning: "orchestrator unreachable: " + err.Error()}
		}
	}
}

// dispatchToTesterAgent sends the task to the tester on a dedicated session,
// claiming a fresh dispatch slot while keeping the programmer as the assigned
// agent for attribution.
func (r *Router) dispatchToTesterAgent(ctx context.Context, task *models.Task, settings *models.WorkflowSettings) error {
	log := r.logger.WithTaskID(task.ID)

	sessionKey := TesterSessionKey(settings.TesterAgentID, task.ID)
	dispatchID := uuid.New().String()
	startedAt := time.Now().UTC()

	baseline := 0
	if history, err := r.gw.ChatHistory(ctx, sessionKey); err == nil {
		baseline = gateway.AssistantCount(history)
	}

	res, err := r.machine.Transition(ctx, task.ID, models.StatusTesting, lifecycle.TransitionOptions{
		Actor:   "orchestrator",
		Reason:  "orchestrator_send_to_testing",
		AgentID: task.AssignedAgentID,
		Patch: models.TaskPatch{
			TesterSessionKey:          models.StringPtr(sessionKey),
			DispatchID:                models.StringPtr(dispatchID),
			DispatchStartedAt:         models.TimePtr(startedAt),
			DispatchMessageCountStart: models.IntPtr(baseline),
		},
		Metadata: map[string]any{"dispatch_id": dispatchID, "tester_agent_id": settings.TesterAgentID},
	})
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("task %s: cannot enter testing: %s", task.ID, res.Blocked)
	}

	if err := r.gw.SendMessage(ctx, sessionKey, testPrompt(task, dispatchID)); err != nil {
		return err
	}

	if err := r.store.UpsertSession(ctx, &models.Session{
		OpenClawSessionID: sessionKey,
		SessionType:       "test",
		TaskID:            task.ID,
		AgentID:           settings.TesterAgentID,
		Status:            "active",
	}); err != nil {
		log.Warn("Tester session record failed", zap.Error(err))
	}

	r.monitors.StartMonitoring(monitor.StartRequest{
		TaskID:                 task.ID,
		SessionKey:             sessionKey,
		AgentID:                task.AssignedAgentID,
		DispatchID:             dispatchID,
		DispatchStartedAt:      startedAt,
		BaselineAssistantCount: baseline,
		TesterSession:          true,
	})

	r.publish(ctx, events.SubjectAgentSpawned, map[string]any{
		"task_id": task.ID, "agent_id": settings.TesterAgentID, "dispatch_id": dispatchID, "role": "tester",
	})
	r.publish(ctx, events.SubjectTaskUpdated, map[string]any{"task_id": task.ID})

	log.Info("Task dispatched to tester",
		zap.String("tester_agent_id", settings.TesterAgentID),
		zap.String("dispatch_id", dispatchID))
	return nil
}

func (r *Router) load(ctx context.Context, taskID string) (*models.Task, *models.WorkflowSettings, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	settings, err := r.store.GetWorkflowSettings(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !settings.OrchestratorEnabled() {
		return nil, nil, fmt.Errorf("task %s: no orchestrator agent configured", taskID)
	}
	return task, settings, nil
}

func (r *Router) transitionToReview(ctx context.Context, task *models.Task, reason string) error {
	res, err := r.machine.Transition(ctx, task.ID, models.StatusReview, lifecycle.TransitionOptions{
		Actor:   "orchestrator",
		Reason:  reason,
		AgentID: task.AssignedAgentID,
		Patch: models.TaskPatch{
			DispatchID:             models.StringPtr(""),
			ClearDispatchStartedAt: true,
		},
	})
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("task %s: cannot enter review: %s", task.ID, res.Blocked)
	}
	return nil
}

func (r *Router) recordSessionKey(ctx context.Context, taskID, sessionKey string) error {
	return r.store.WithTx(ctx, func(tx repository.Tx) error {
		current, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if current.OrchestratorSessionKey == sessionKey {
			return nil
		}
		current.OrchestratorSessionKey = sessionKey
		return tx.UpdateTask(ctx, current)
	})
}

func (r *Router) logDecision(ctx context.Context, task *models.Task, phase string, d *Decision) {
	if err := r.store.LogActivity(ctx, &models.ActivityEntry{
		Type:    models.ActivityOrchestrator,
		TaskID:  task.ID,
		AgentID: task.AssignedAgentID,
		Message: fmt.Sprintf("orchestrator %s decision: %s", phase, d.Action),
		Metadata: map[string]any{
			"phase":     phase,
			"action":    d.Action,
			"reasoning": d.Reasoning,
			"feedback":  d.Feedback,
		},
	}); err != nil {
		r.logger.WithTaskID(task.ID).Error("Failed to log orchestrator decision", zap.Error(err))
	}
}

func (r *Router) systemComment(ctx context.Context, taskID, content string) error {
	return r.store.AddComment(ctx, &models.Comment{
		TaskID:     taskID,
		AuthorType: models.CommentAuthorSystem,
		Content:    content,
	})
}

func (r *Router) publish(ctx context.Context, subject string, data map[string]any) {
	if err := r.bus.Publish(ctx, subject, bus.NewEvent(subject, "orchestrator", data)); err != nil {
		r.logger.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func promptAfterPlanning(task *models.Task) string {
	var b strings.Builder
	writeTaskContext(&b, task)
	b.WriteString("\nPlanning has produced the spec above. Decide the next step.\n")
	writeProtocol(&b, ActionDispatchToProgrammer, ActionNeedsMorePlanning)
	return b.String()
}

func promptAfterCompletion(task *models.Task) string {
	var b strings.Builder
	writeTaskContext(&b, task)
	b.WriteString("\nThe programmer reported this task complete and the completion was verified. Decide the next step.\n")
	writeProtocol(&b, ActionSendToTesting, ActionSendToReview)
	return b.String()
}

func promptAfterTesting(task *models.Task) string {
	var b strings.Builder
	writeTaskContext(&b, task)
	fmt.Fprintf(&b, "\nThe tester finished its pass (rework cycle %d so far). Decide the next step.\n", task.ReworkCount)
	writeProtocol(&b, ActionSendToReview, ActionSendToProgrammer)
	return b.String()
}

func writeTaskContext(b *strings.Builder, task *models.Task) {
	fmt.Fprintf(b, "Task: %s\nPriority: %s\nStatus: %s\n", task.Title, task.Priority, task.Status)
	if task.Description != "" {
		fmt.Fprintf(b, "\nDescription:\n%s\n", task.Description)
	}
	if task.PlanningSpec != "" {
		fmt.Fprintf(b, "\nSpec:\n%s\n", task.PlanningSpec)
	}
}

func writeProtocol(b *strings.Builder, actions ...string) {
	fmt.Fprintf(b,
		"\nReply with ONLY a JSON object:\n{\"action\": \"%s\", \"reasoning\": \"...\", \"feedback\": \"...\"}\nAllowed actions: %s.",
		actions[0], strings.Join(actions, ", "))
}

func testPrompt(task *models.Task, dispatchID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Test the implementation of task %q.\n\n%s\n", task.Title, task.Description)
	if task.PlanningSpec != "" {
		b.WriteString("\nSpec:\n" + task.PlanningSpec + "\n")
	}
	fmt.Fprintf(&b,
		"\nRun the relevant checks and report what passed and what failed.\nWhen you are completely done, reply exactly:\nTASK_COMPLETE dispatch_id=%s: <one-paragraph summary of the test results>",
		dispatchID)
	return b.String()
}
