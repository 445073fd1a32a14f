package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/missionctl/missionctl/internal/common/errors"
	"github.com/missionctl/missionctl/internal/dispatch"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/task/models"
)

// DispatchTask claims a dispatch slot and sends the opening prompt. A deduped
// dispatch is an idempotent success and returns 200 instead of 202.
// POST /api/v1/tasks/dispatch
func (h *Handler) DispatchTask(c *gin.Context) {
	var req dispatch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if req.TaskID == "" || req.AgentID == "" {
		h.respondError(c, apperrors.BadRequest("taskId and agentId are required"))
		return
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if result.Deduped {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// CheckCompletions reconciles all active tasks, then sweeps their latest
// replies through the completion gate.
// GET /api/v1/tasks/check-completion
func (h *Handler) CheckCompletions(c *gin.Context) {
	report, err := h.reconciler.CheckCompletions(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Reconcile realigns every active task's status with its session evidence.
// POST /api/v1/tasks/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	if err := h.reconciler.Run(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reconciled"})
}

// orchestrateRequest names the lifecycle phase to route.
type orchestrateRequest struct {
	Phase string `json:"phase" binding:"required"`
}

// Orchestrate invokes the orchestrator for a task at a given phase. The call
// is fire-and-forget: the orchestrator conversation can take minutes.
// POST /api/v1/tasks/:id/orchestrate
func (h *Handler) Orchestrate(c *gin.Context) {
	var req orchestrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	settings, err := h.service.GetWorkflowSettings(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !settings.OrchestratorEnabled() || h.router == nil {
		h.respondError(c, apperrors.BadRequest("no orchestrator agent configured"))
		return
	}

	taskID := c.Param("id")
	if _, err := h.service.GetTask(c.Request.Context(), taskID); err != nil {
		h.respondError(c, err)
		return
	}

	var run func(context.Context, string) error
	switch req.Phase {
	case "after_planning":
		run = h.router.AfterPlanning
	case "after_completion":
		run = h.router.AfterCompletion
	case "after_testing":
		run = h.router.AfterTesting
	default:
		h.respondError(c, apperrors.BadRequest("phase must be after_planning, after_completion or after_testing"))
		return
	}

	go func() {
		if err := run(context.Background(), taskID); err != nil {
			h.logger.Warn("Orchestration failed",
				zap.String("task_id", taskID),
				zap.String("phase", req.Phase),
				zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "orchestrating", "phase": req.Phase})
}

// TriggerTest records a test-pipeline trigger for a task. The pipeline itself
// runs out of process and reports back through the gateway session.
// POST /api/v1/tasks/:id/test
func (h *Handler) TriggerTest(c *gin.Context) {
	taskID := c.Param("id")
	task, err := h.service.GetTask(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.service.LogActivityEntry(c.Request.Context(), &models.ActivityEntry{
		Type:    models.ActivityTestTriggered,
		TaskID:  task.ID,
		AgentID: task.AssignedAgentID,
		Message: "test pipeline triggered",
		Metadata: map[string]any{
			"status": string(task.Status),
		},
	}); err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.bus.Publish(c.Request.Context(), events.SubjectAgentSpawned, bus.NewEvent(
		events.SubjectAgentSpawned, "api", map[string]any{
			"task_id": task.ID,
			"role":    "test-pipeline",
		})); err != nil {
		h.logger.Warn("Failed to publish test trigger event", zap.String("task_id", task.ID), zap.Error(err))
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "test_triggered", "task_id": task.ID})
}

// ListMonitors returns the running completion monitors.
// GET /api/v1/monitors
func (h *Handler) ListMonitors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"monitors": h.monitors.Snapshot()})
}
