package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRoutes mounts the API under the given group.
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("", handler.ListTasks)
		tasks.PATCH("", handler.UpdateTask)
		tasks.DELETE("", handler.DeleteTask)

		tasks.POST("/dispatch", handler.DispatchTask)
		tasks.GET("/check-completion", handler.CheckCompletions)
		tasks.POST("/reconcile", handler.Reconcile)

		tasks.POST("/comments", handler.AddComment)
		tasks.GET("/comments", handler.ListComments)

		tasks.GET("/:id", handler.GetTask)
		tasks.POST("/:id/deliverables", handler.AddDeliverable)
		tasks.GET("/:id/deliverables", handler.ListDeliverables)
		tasks.DELETE("/:id/deliverables", handler.DeleteDeliverable)

		tasks.POST("/:id/orchestrate", handler.Orchestrate)
		tasks.POST("/:id/test", handler.TriggerTest)

		tasks.POST("/:id/planning", handler.StartPlanning)
		tasks.GET("/:id/planning", handler.GetPlanning)
		tasks.DELETE("/:id/planning", handler.CancelPlanning)
		tasks.GET("/:id/planning/poll", handler.PollPlanning)
		tasks.POST("/:id/planning/answer", handler.AnswerPlanning)
		tasks.POST("/:id/planning/approve", handler.ApprovePlanning)
	}

	router.GET("/activity", handler.ListActivity)
	router.GET("/sessions", handler.ListSessions)
	router.GET("/monitors", handler.ListMonitors)

	workflow := router.Group("/workflow")
	{
		workflow.GET("/settings", handler.GetWorkflowSettings)
		workflow.PUT("/settings", handler.SaveWorkflowSettings)
	}

	plugins := router.Group("/plugins")
	{
		plugins.GET("", handler.ListPlugins)
		plugins.PATCH("", handler.TogglePlugin)
	}

	missions := router.Group("/missions")
	{
		missions.POST("", handler.CreateMission)
		missions.GET("", handler.ListMissions)
		missions.DELETE("/:id", handler.DeleteMission)
	}

	router.GET("/events/stream", handler.StreamEvents)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
