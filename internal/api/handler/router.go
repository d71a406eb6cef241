package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Handlers struct {
	Workflows   *WorkflowHandler
	Tasks       *TaskHandler
	Definitions *DefinitionHandler
	Activity    *ActivityHandler
}

// NewRouter wires the API routes. requireAuth guards everything under
// /api/v1; health and metrics stay open.
func NewRouter(h Handlers, requireAuth gin.HandlerFunc, log logrus.FieldLogger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1", requireAuth)
	{
		api.POST("/tasks", h.Tasks.CreateTask)
		api.GET("/tasks", h.Tasks.ListTasks)
		api.GET("/tasks/:id", h.Tasks.GetTask)
		api.POST("/tasks/:id/claim", h.Tasks.ClaimTask)
		api.POST("/tasks/:id/complete", h.Tasks.CompleteTask)

		api.POST("/definitions", h.Definitions.CreateDefinition)
		api.GET("/definitions", h.Definitions.ListDefinitions)
		api.GET("/definitions/:name", h.Definitions.GetDefinition)
		api.PUT("/definitions/:name", h.Definitions.UpdateDefinition)
		api.POST("/definitions/:name/deactivate", h.Definitions.DeactivateDefinition)
		api.GET("/definitions/:name/versions", h.Definitions.ListVersions)

		api.POST("/workflows", h.Workflows.StartWorkflow)
		api.GET("/workflows", h.Workflows.ListInstances)
		api.GET("/workflows/:id", h.Workflows.GetInstance)
		api.POST("/workflows/:id/terminate", h.Workflows.Terminate)
		api.POST("/events", h.Workflows.TriggerEvent)

		api.GET("/activity", h.Activity.History)
		api.GET("/notifications", h.Activity.Notifications)
		api.POST("/notifications/:id/read", h.Activity.MarkRead)
	}
	return router
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if len(c.Errors) > 0 {
			entry.WithError(c.Errors.Last().Err).Error("request failed")
			return
		}
		entry.Debug("request handled")
	}
}
