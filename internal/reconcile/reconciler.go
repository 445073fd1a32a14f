// Package reconcile realigns board state with runtime evidence from the
// gateway, and runs the on-demand completion sweep.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/common/tracing"
	"github.com/missionctl/missionctl/internal/gateway"
	"github.com/missionctl/missionctl/internal/lifecycle"
	"github.com/missionctl/missionctl/internal/monitor"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
)

// Report summarizes one completion sweep.
type Report struct {
	Checked   int      `json:"checked"`
	Completed []string `json:"completed"`
}

// Reconciler derives the expected status of active tasks from session
// evidence and corrects drift. Idempotent: with unchanged inputs a second run
// writes nothing.
type Reconciler struct {
	store    repository.Store
	gw       gateway.Client
	machine  *lifecycle.Machine
	monitors *monitor.Registry
	logger   *logger.Logger
}

// NewReconciler creates the reconciler.
func NewReconciler(store repository.Store, gw gateway.Client, machine *lifecycle.Machine, monitors *monitor.Registry, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		gw:       gw,
		machine:  machine,
		monitors: monitors,
		logger:   log.WithFields(zap.String("component", "reconciler")),
	}
}

// Run performs one reconcile pass over all active tasks. Per-task errors are
// logged and skipped; the pass itself only fails when the store does.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx, span := tracing.Tracer("missionctl-reconcile").Start(ctx, "reconcile.run")
	defer span.End()

	for _, status := range models.ActiveStatuses {
		tasks, err := r.store.ListTasks(ctx, repository.TaskFilter{Status: status})
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if err := r.reconcileTask(ctx, task); err != nil {
				r.logger.WithTaskID(task.ID).Warn("Reconcile skipped task", zap.Error(err))
			}
		}
	}
	return nil
}

func (r *Reconciler) reconcileTask(ctx context.Context, task *models.Task) error {
	if task.SessionKey == "" || !task.HasDispatchClaim() {
		return nil
	}

	history, err := r.gw.ChatHistory(ctx, task.SessionKey)
	if err != nil {
		// Transient gateway failure: leave the task alone.
		return err
	}

	expected := expectedStatus(task, history)
	if expected == task.Status {
		return nil
	}

	res, err := r.machine.Transition(ctx, task.ID, expected, lifecycle.TransitionOptions{
		Actor:   "reconciler",
		Reason:  "evidence_mismatch",
		AgentID: task.AssignedAgentID,
	})
	if err != nil {
		return err
	}
	if !res.OK {
		r.logger.WithTaskID(task.ID).Warn("Reconcile transition blocked",
			zap.String("expected", string(expected)), zap.String("blocked", res.Blocked))
		return nil
	}

	return r.store.LogActivity(ctx, &models.ActivityEntry{
		Type:    models.ActivityReconciled,
		TaskID:  task.ID,
		AgentID: task.AssignedAgentID,
		Message: "status corrected from runtime evidence",
		Metadata: map[string]any{
			"observed":        string(task.Status),
			"expected":        string(expected),
			"assistant_count": gateway.AssistantCount(history),
			"baseline":        task.DispatchMessageCountStart,
		},
	})
}

// expectedStatus derives what an active task's status should be from its chat
// history: new assistant messages at-or-after the dispatch mean the agent is
// working.
func expectedStatus(task *models.Task, history []gateway.Message) models.TaskStatus {
	if gateway.AssistantCount(history) <= task.DispatchMessageCountStart {
		return models.StatusAssigned
	}
	latest := gateway.LatestAssistant(history)
	if latest != nil {
		if at, ok := latest.Time(); ok && at.Before(*task.DispatchStartedAt) {
			return models.StatusAssigned
		}
	}
	return models.StatusInProgress
}

// CheckCompletions reconciles, then polls every active session once and runs
// the newest assistant reply through the completion gate. Accepted
// completions are handed off exactly as a monitor would.
func (r *Reconciler) CheckCompletions(ctx context.Context) (*Report, error) {
	ctx, span := tracing.Tracer("missionctl-reconcile").Start(ctx, "reconcile.checkCompletions")
	defer span.End()

	if err := r.Run(ctx); err != nil {
		return nil, err
	}

	report := &Report{Completed: []string{}}
	sweep := append([]models.TaskStatus{}, models.ActiveStatuses...)
	sweep = append(sweep, models.StatusTesting)
	for _, status := range sweep {
		tasks, err := r.store.ListTasks(ctx, repository.TaskFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			if sweepSessionKey(task) == "" || !task.HasDispatchClaim() {
				continue
			}
			report.Checked++
			if r.checkTask(ctx, task) {
				report.Completed = append(report.Completed, task.ID)
			}
		}
	}
	return report, nil
}

// sweepSessionKey picks the session whose replies the gate should read: the
// tester session while the task is in testing, the programmer session
// otherwise.
func sweepSessionKey(task *models.Task) string {
	if task.Status == models.StatusTesting && task.TesterSessionKey != "" {
		return task.TesterSessionKey
	}
	return task.SessionKey
}

func (r *Reconciler) checkTask(ctx context.Context, task *models.Task) bool {
	log := r.logger.WithTaskID(task.ID)

	sessionKey := sweepSessionKey(task)
	history, err := r.gw.ChatHistory(ctx, sessionKey)
	if err != nil {
		log.Debug("Completion check history read failed", zap.Error(err))
		return false
	}

	latest := gateway.LatestAssistant(history)
	if latest == nil {
		return false
	}
	text := latest.Text()
	marker := lifecycle.DetectMarker(text)

	decision := lifecycle.EvaluateCompletion(task, lifecycle.GateInput{
		PayloadDispatchID:     marker.DispatchID,
		HasCompletionMarker:   marker.Present,
		EvidenceTimestamp:     latest.Timestamp,
		AssistantMessageCount: gateway.AssistantCount(history),
		Now:                   time.Now().UTC(),
	})

	if !decision.Accepted {
		// Sweep rejections are only worth an audit entry when the reply
		// reads like a real completion summary.
		if lifecycle.SubstantiveCompletion(text) {
			if err := r.store.LogActivity(ctx, &models.ActivityEntry{
				Type:    models.ActivityGateRejected,
				TaskID:  task.ID,
				AgentID: task.AssignedAgentID,
				Message: "completion sweep rejected reply",
				Metadata: map[string]any{
					"completion_reason":   decision.CompletionReason,
					"payload_dispatch_id": decision.PayloadDispatchID,
				},
			}); err != nil {
				log.Error("Failed to log sweep rejection", zap.Error(err))
			}
		}
		return false
	}

	// The sweep supersedes any live monitor on this session.
	r.monitors.StopMonitoring(sessionKey)

	if err := r.store.AddComment(ctx, &models.Comment{
		TaskID:     task.ID,
		AuthorType: models.CommentAuthorAgent,
		AgentID:    task.AssignedAgentID,
		Content:    text,
	}); err != nil {
		log.Error("Failed to record completion comment", zap.Error(err))
	}

	r.monitors.Handoff(ctx, task, decision, task.Status == models.StatusTesting)

	log.Info("Completion sweep accepted reply", zap.String("dispatch_id", decision.DispatchID))
	return true
}
