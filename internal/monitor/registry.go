// Package monitor supervises dispatched agent sessions: first-activity
// acknowledgement, completion detection through the gate, and idle/ack
// timeouts. One monitor runs per session key; the registry is process-wide.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/gateway"
	"github.com/missionctl/missionctl/internal/lifecycle"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
)

// Orchestrator is the slice of the orchestrator router the monitor calls on
// accepted completions. Defined here so the router can depend on the monitor
// without a cycle.
type Orchestrator interface {
	AfterCompletion(ctx context.Context, taskID string) error
	AfterTesting(ctx context.Context, taskID string) error
}

// TestRunner triggers the external test pipeline for a task. Fire-and-forget;
// failures are the runner's to log.
type TestRunner interface {
	Trigger(taskID string)
}

// StartRequest registers a monitor for a fresh dispatch.
type StartRequest struct {
	TaskID                 string
	SessionKey             string
	AgentID                string
	DispatchID             string
	DispatchStartedAt      time.Time
	BaselineAssistantCount int
	TesterSession          bool // tester dispatch: activity is not programmer progress
}

// Info is a read-only snapshot of one monitor.
type Info struct {
	TaskID             string    `json:"task_id"`
	SessionKey         string    `json:"session_key"`
	AgentID            string    `json:"agent_id"`
	DispatchID         string    `json:"dispatch_id"`
	StartedAt          time.Time `json:"started_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	LastMessageCount   int       `json:"last_message_count"`
	FirstActivityAcked bool      `json:"first_activity_acked"`
}

// Registry owns all running monitors, keyed by session key.
type Registry struct {
	store   repository.Store
	gw      gateway.Client
	machine *lifecycle.Machine
	bus     bus.EventBus
	cfg     config.MonitorConfig
	logger  *logger.Logger

	mu       sync.Mutex
	monitors map[string]*monitor

	orchestrator Orchestrator
	testRunner   TestRunner
}

// NewRegistry creates the monitor registry.
func NewRegistry(store repository.Store, gw gateway.Client, machine *lifecycle.Machine, eventBus bus.EventBus, cfg config.MonitorConfig, log *logger.Logger) *Registry {
	return &Registry{
		store:    store,
		gw:       gw,
		machine:  machine,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "monitor")),
		monitors: make(map[string]*monitor),
	}
}

// SetOrchestrator wires the orchestrator router in after construction, since
// the router itself depends on this registry.
func (r *Registry) SetOrchestrator(o Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orchestrator = o
}

// SetTestRunner wires the external test pipeline trigger.
func (r *Registry) SetTestRunner(t TestRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.testRunner = t
}

// StartMonitoring starts a monitor for a dispatch, replacing any existing
// monitor on the same session key.
func (r *Registry) StartMonitoring(req StartRequest) {
	r.StopMonitoring(req.SessionKey)

	m := newMonitor(r, req)

	r.mu.Lock()
	r.monitors[req.SessionKey] = m
	r.mu.Unlock()

	go m.run()

	r.logger.Info("Monitoring started",
		zap.String("task_id", req.TaskID),
		zap.String("session_key", req.SessionKey),
		zap.String("dispatch_id", req.DispatchID))
}

// StopMonitoring stops the monitor on a session key. Idempotent.
func (r *Registry) StopMonitoring(sessionKey string) {
	r.mu.Lock()
	m, ok := r.monitors[sessionKey]
	if ok {
		delete(r.monitors, sessionKey)
	}
	r.mu.Unlock()

	if ok {
		m.stop()
		r.logger.Debug("Monitoring stopped", zap.String("session_key", sessionKey))
	}
}

// detach removes a monitor that is stopping itself. Returns false when the
// registry entry was already replaced or removed, in which case the caller
// must not act on the task (completion acceptance is one-shot).
func (r *Registry) detach(m *monitor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.monitors[m.sessionKey]
	if !ok || current != m {
		return false
	}
	delete(r.monitors, m.sessionKey)
	return true
}

// ActiveFor reports whether a monitor is running for the (task, agent) pair.
func (r *Registry) ActiveFor(taskID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.monitors {
		if m.taskID == taskID && m.agentID == agentID {
			return true
		}
	}
	return false
}

// Snapshot returns the running monitors.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.monitors))
	for _, m := range r.monitors {
		out = append(out, m.info())
	}
	return out
}

// StopAll tears down every monitor, for shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	monitors := make([]*monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		monitors = append(monitors, m)
	}
	r.monitors = make(map[string]*monitor)
	r.mu.Unlock()

	for _, m := range monitors {
		m.stop()
	}
}

// Handoff routes an accepted completion: orchestrator when configured,
// testing when a testable deliverable exists, review otherwise. Also used by
// the completion sweep, which accepts completions without a live monitor.
func (r *Registry) Handoff(ctx context.Context, task *models.Task, decision lifecycle.Decision, wasTesting bool) {
	r.mu.Lock()
	orch := r.orchestrator
	runner := r.testRunner
	r.mu.Unlock()

	meta := map[string]any{
		"dispatch_id":         decision.DispatchID,
		"payload_dispatch_id": decision.PayloadDispatchID,
		"evidence_timestamp":  decision.EvidenceTimestamp,
		"completion_reason":   decision.CompletionReason,
	}

	settings, err := r.store.GetWorkflowSettings(ctx)
	if err != nil {
		r.logger.Error("Handoff settings read failed", zap.String("task_id", task.ID), zap.Error(err))
		settings = &models.WorkflowSettings{}
	}

	if err := r.bus.Publish(ctx, events.SubjectAgentCompleted, bus.NewEvent(
		events.SubjectAgentCompleted, "monitor", map[string]any{
			"task_id":     task.ID,
			"agent_id":    task.AssignedAgentID,
			"dispatch_id": decision.DispatchID,
		})); err != nil {
		r.logger.Warn("Failed to publish completion event", zap.String("task_id", task.ID), zap.Error(err))
	}

	if settings.OrchestratorEnabled() && orch != nil {
		meta["decision"] = "orchestrator"
		r.logHandoff(ctx, task, meta)

		go func() {
			var err error
			if wasTesting {
				err = orch.AfterTesting(context.Background(), task.ID)
			} else {
				err = orch.AfterCompletion(context.Background(), task.ID)
			}
			if err != nil {
				r.logger.Warn("Orchestrator handoff failed, falling back to review",
					zap.String("task_id", task.ID), zap.Error(err))
				r.moveToReview(context.Background(), task, meta, true)
			}
		}()
		return
	}

	if !wasTesting {
		deliverables, err := r.store.ListDeliverables(ctx, task.ID)
		if err != nil {
			r.logger.Error("Handoff deliverable read failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		for _, d := range deliverables {
			if !d.Testable() {
				continue
			}
			meta["decision"] = "testing"
			res, err := r.machine.Transition(ctx, task.ID, models.StatusTesting, lifecycle.TransitionOptions{
				Actor:    "monitor",
				Reason:   "completion_accepted_testable_deliverable",
				AgentID:  task.AssignedAgentID,
				Patch:    clearDispatchClaim(),
				Metadata: meta,
			})
			if err != nil || !res.OK {
				r.logger.Error("Transition to testing failed", zap.String("task_id", task.ID), zap.Error(err))
				return
			}
			if runner != nil {
				runner.Trigger(task.ID)
			}
			return
		}
	}

	meta["decision"] = "review"
	r.moveToReview(ctx, task, meta, false)
}

func (r *Registry) moveToReview(ctx context.Context, task *models.Task, meta map[string]any, bypass bool) {
	res, err := r.machine.Transition(ctx, task.ID, models.StatusReview, lifecycle.TransitionOptions{
		Actor:        "monitor",
		Reason:       "completion_accepted",
		AgentID:      task.AssignedAgentID,
		Patch:        clearDispatchClaim(),
		Metadata:     meta,
		BypassGuards: bypass,
	})
	if err != nil || !res.OK {
		r.logger.Error("Transition to review failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	if err := r.store.LogActivity(ctx, &models.ActivityEntry{
		Type:     models.ActivityReview,
		TaskID:   task.ID,
		AgentID:  task.AssignedAgentID,
		Message:  "task moved to review after accepted completion",
		Metadata: meta,
	}); err != nil {
		r.logger.Error("Failed to log review activity", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (r *Registry) logHandoff(ctx context.Context, task *models.Task, meta map[string]any) {
	if err := r.store.LogActivity(ctx, &models.ActivityEntry{
		Type:     models.ActivityOrchestrator,
		TaskID:   task.ID,
		AgentID:  task.AssignedAgentID,
		Message:  "completion accepted, delegating routing to orchestrator",
		Metadata: meta,
	}); err != nil {
		r.logger.Error("Failed to log handoff activity", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// clearDispatchClaim releases the claim. The frozen baseline count is left
// alone; only a send-failure revert zeroes it.
func clearDispatchClaim() models.TaskPatch {
	return models.TaskPatch{
		DispatchID:             models.StringPtr(""),
		ClearDispatchStartedAt: true,
	}
}
