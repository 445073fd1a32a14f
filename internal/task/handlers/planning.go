package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/missionctl/missionctl/internal/common/errors"
)

// StartPlanning opens a planning conversation for a task.
// POST /api/v1/tasks/:id/planning
func (h *Handler) StartPlanning(c *gin.Context) {
	snap, err := h.planner.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// GetPlanning returns the stored planning state without polling the gateway.
// GET /api/v1/tasks/:id/planning
func (h *Handler) GetPlanning(c *gin.Context) {
	snap, err := h.planner.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// PollPlanning ingests fresh planner replies and returns the updated state.
// GET /api/v1/tasks/:id/planning/poll
func (h *Handler) PollPlanning(c *gin.Context) {
	snap, err := h.planner.Poll(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// answerRequest carries the user's reply to a planner question. OtherText
// supplements a free-form "other" choice.
type answerRequest struct {
	Answer    string `json:"answer" binding:"required"`
	OtherText string `json:"otherText"`
}

// AnswerPlanning forwards the user's answer into the planning session.
// POST /api/v1/tasks/:id/planning/answer
func (h *Handler) AnswerPlanning(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	snap, err := h.planner.Answer(c.Request.Context(), c.Param("id"), req.Answer, req.OtherText)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ApprovePlanning accepts a completed plan and dispatches the task.
// POST /api/v1/tasks/:id/planning/approve
func (h *Handler) ApprovePlanning(c *gin.Context) {
	snap, err := h.planner.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, snap)
}

// CancelPlanning abandons the planning session and returns the task to inbox.
// DELETE /api/v1/tasks/:id/planning
func (h *Handler) CancelPlanning(c *gin.Context) {
	snap, err := h.planner.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
