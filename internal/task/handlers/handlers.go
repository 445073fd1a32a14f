// Package handlers exposes the HTTP surface of the lifecycle engine.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/missionctl/missionctl/internal/common/errors"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/dispatch"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/gateway"
	"github.com/missionctl/missionctl/internal/lifecycle"
	"github.com/missionctl/missionctl/internal/monitor"
	"github.com/missionctl/missionctl/internal/orchestrator"
	"github.com/missionctl/missionctl/internal/planning"
	"github.com/missionctl/missionctl/internal/reconcile"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
	"github.com/missionctl/missionctl/internal/task/service"
)

// Handler contains the HTTP handlers for the lifecycle engine API.
type Handler struct {
	service    *service.Service
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler
	planner    *planning.Controller
	router     *orchestrator.Router // nil when no orchestrator is wired
	monitors   *monitor.Registry
	bus        bus.EventBus
	logger     *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(svc *service.Service, dispatcher *dispatch.Dispatcher, reconciler *reconcile.Reconciler, planner *planning.Controller, router *orchestrator.Router, monitors *monitor.Registry, eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		service:    svc,
		dispatcher: dispatcher,
		reconciler: reconciler,
		planner:    planner,
		router:     router,
		monitors:   monitors,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "api")),
	}
}

// respondError maps domain errors onto the wire error shape.
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError

	switch {
	case errors.As(err, &appErr):
	case repository.IsNotFound(err):
		appErr = apperrors.NotFound("resource", c.Param("id"))
	case errors.Is(err, planning.ErrAlreadyStarted),
		errors.Is(err, planning.ErrNotStarted),
		errors.Is(err, dispatch.ErrNotDispatchable):
		appErr = apperrors.Conflict(err.Error())
	case errors.Is(err, planning.ErrNoPlannerAgent),
		errors.Is(err, planning.ErrNotComplete),
		errors.Is(err, planning.ErrNoAssignedAgent):
		appErr = apperrors.BadRequest(err.Error())
	case isSendError(err):
		appErr = apperrors.BadGateway("gateway send failed", err)
	default:
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		appErr = apperrors.InternalError("internal error", err)
	}

	c.JSON(appErr.HTTPStatus, appErr)
}

func isSendError(err error) bool {
	var sendErr *gateway.SendError
	return errors.As(err, &sendErr)
}

// CreateTask creates a new task in the inbox.
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req service.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	task, err := h.service.CreateTask(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, task)
}

// ListTasks lists tasks, optionally filtered.
// GET /api/v1/tasks?status=&mission_id=&agent=
func (h *Handler) ListTasks(c *gin.Context) {
	filter := repository.TaskFilter{
		Status:    models.TaskStatus(c.Query("status")),
		AgentID:   c.Query("agent"),
		MissionID: c.Query("mission_id"),
	}
	if filter.Status != "" && !models.ValidStatus(filter.Status) {
		h.respondError(c, apperrors.BadRequest("invalid status filter"))
		return
	}

	tasks, err := h.service.ListTasks(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// GetTask returns one task.
// GET /api/v1/tasks/:id
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// updateTaskRequest is the PATCH body: the task id plus any updatable fields.
type updateTaskRequest struct {
	ID              string  `json:"id" binding:"required"`
	Title           *string `json:"title"`
	Description     *string `json:"description"`
	Priority        *string `json:"priority"`
	Status          *string `json:"status"`
	AssignedAgentID *string `json:"assigned_agent_id"`
	MissionID       *string `json:"mission_id"`
	SortOrder       *int    `json:"sort_order"`
}

// UpdateTask applies a partial update; status changes route through the
// lifecycle machine and may be rejected by its guards.
// PATCH /api/v1/tasks
func (h *Handler) UpdateTask(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	patch := models.TaskPatch{
		Title:           req.Title,
		Description:     req.Description,
		AssignedAgentID: req.AssignedAgentID,
		MissionID:       req.MissionID,
		SortOrder:       req.SortOrder,
	}
	if req.Priority != nil {
		p := models.TaskPriority(*req.Priority)
		if !models.ValidPriority(p) {
			h.respondError(c, apperrors.BadRequest("invalid priority"))
			return
		}
		patch.Priority = &p
	}

	var newStatus models.TaskStatus
	if req.Status != nil {
		newStatus = models.TaskStatus(*req.Status)
	}

	res, err := h.service.UpdateTask(c.Request.Context(), req.ID, patch, newStatus)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !res.OK {
		if res.Blocked == lifecycle.BlockedTaskNotFound {
			h.respondError(c, apperrors.NotFound("task", req.ID))
			return
		}
		h.respondError(c, apperrors.Conflict("transition blocked: "+res.Blocked))
		return
	}
	c.JSON(http.StatusOK, res.Task)
}

// DeleteTask deletes a task and cascades to its comments and deliverables.
// DELETE /api/v1/tasks?id=
func (h *Handler) DeleteTask(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		h.respondError(c, apperrors.BadRequest("id is required"))
		return
	}
	if err := h.service.DeleteTask(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// commentRequest is the POST body for comments.
type commentRequest struct {
	TaskID  string `json:"taskId" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// AddComment appends a user comment to a task.
// POST /api/v1/tasks/comments
func (h *Handler) AddComment(c *gin.Context) {
	var req commentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	comment := &models.Comment{
		TaskID:     req.TaskID,
		AuthorType: models.CommentAuthorUser,
		Content:    req.Content,
	}
	if err := h.service.AddComment(c.Request.Context(), comment); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

// ListComments lists a task's comments.
// GET /api/v1/tasks/comments?taskId=
func (h *Handler) ListComments(c *gin.Context) {
	taskID := c.Query("taskId")
	if taskID == "" {
		h.respondError(c, apperrors.BadRequest("taskId is required"))
		return
	}
	comments, err := h.service.ListComments(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

// deliverableRequest is the POST body for deliverables.
type deliverableRequest struct {
	Type        string `json:"deliverable_type" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// AddDeliverable attaches an artifact to a task.
// POST /api/v1/tasks/:id/deliverables
func (h *Handler) AddDeliverable(c *gin.Context) {
	var req deliverableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	d := &models.Deliverable{
		TaskID:      c.Param("id"),
		Type:        models.DeliverableType(req.Type),
		Title:       req.Title,
		Path:        req.Path,
		Description: req.Description,
	}
	if err := h.service.AddDeliverable(c.Request.Context(), d); err != nil {
		if repository.IsNotFound(err) {
			h.respondError(c, err)
		} else {
			h.respondError(c, apperrors.BadRequest(err.Error()))
		}
		return
	}
	c.JSON(http.StatusCreated, d)
}

// ListDeliverables lists a task's deliverables.
// GET /api/v1/tasks/:id/deliverables
func (h *Handler) ListDeliverables(c *gin.Context) {
	deliverables, err := h.service.ListDeliverables(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliverables": deliverables})
}

// DeleteDeliverable removes one deliverable.
// DELETE /api/v1/tasks/:id/deliverables?deliverableId=
func (h *Handler) DeleteDeliverable(c *gin.Context) {
	id := c.Query("deliverableId")
	if id == "" {
		h.respondError(c, apperrors.BadRequest("deliverableId is required"))
		return
	}
	if err := h.service.DeleteDeliverable(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ListActivity returns the newest audit entries.
// GET /api/v1/activity?type=&limit=
func (h *Handler) ListActivity(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respondError(c, apperrors.BadRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := h.service.ListActivity(c.Request.Context(), c.Query("type"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries})
}

// ListSessions returns the known gateway sessions.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.service.ListSessions(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetWorkflowSettings returns the routing settings singleton.
// GET /api/v1/workflow/settings
func (h *Handler) GetWorkflowSettings(c *gin.Context) {
	settings, err := h.service.GetWorkflowSettings(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// SaveWorkflowSettings replaces the routing settings singleton.
// PUT /api/v1/workflow/settings
func (h *Handler) SaveWorkflowSettings(c *gin.Context) {
	var settings models.WorkflowSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	settings.Clamp()

	if err := h.service.SaveWorkflowSettings(c.Request.Context(), &settings); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// ListPlugins returns the registered plugins.
// GET /api/v1/plugins
func (h *Handler) ListPlugins(c *gin.Context) {
	plugins, err := h.service.ListPlugins(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugins": plugins})
}

// togglePluginRequest is the PATCH body for the plugin toggle.
type togglePluginRequest struct {
	ID      string `json:"id" binding:"required"`
	Enabled *bool  `json:"enabled" binding:"required"`
}

// TogglePlugin flips a plugin's enabled bit.
// PATCH /api/v1/plugins
func (h *Handler) TogglePlugin(c *gin.Context) {
	var req togglePluginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	plugin, err := h.service.TogglePlugin(c.Request.Context(), req.ID, *req.Enabled)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, plugin)
}

// CreateMission creates a mission.
// POST /api/v1/missions
func (h *Handler) CreateMission(c *gin.Context) {
	var m models.Mission
	if err := c.ShouldBindJSON(&m); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := h.service.CreateMission(c.Request.Context(), &m); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, m)
}

// ListMissions lists missions.
// GET /api/v1/missions
func (h *Handler) ListMissions(c *gin.Context) {
	missions, err := h.service.ListMissions(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"missions": missions})
}

// DeleteMission removes a mission.
// DELETE /api/v1/missions/:id
func (h *Handler) DeleteMission(c *gin.Context) {
	if err := h.service.DeleteMission(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}
