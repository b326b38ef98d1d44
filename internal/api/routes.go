package api

import (
	"github.com/gin-gonic/gin"

	"github.com/jimdaga/postflow/internal/auth"
	"github.com/jimdaga/postflow/internal/health"
)

func registerRoutes(r *gin.Engine, api *API, requireAuth gin.HandlerFunc) {
	r.GET("/health", gin.WrapF(health.Handler))

	authGroup := r.Group("/auth")
	{
		authGroup.GET("/login", auth.HandleLogin)
		authGroup.GET("/callback", auth.HandleCallback(api.db, api.logger, api.authRedirect))
		authGroup.POST("/logout", auth.HandleLogout(api.logger))
	}

	apiGroup := r.Group("/api")
	apiGroup.GET("/stages", api.handleListStages)

	protected := apiGroup.Group("")
	protected.Use(requireAuth)
	{
		protected.GET("/me", auth.HandleMe(api.db))

		protected.GET("/projects", api.handleListProjects)
		protected.POST("/projects", api.handleCreateProject)
		protected.GET("/projects/:id", api.handleGetProject)
		protected.PATCH("/projects/:id", api.handleRenameProject)
		protected.DELETE("/projects/:id", api.handleDeleteProject)
		protected.PUT("/projects/:id/stage", api.handleUpdateStage)

		protected.POST("/projects/:id/process", api.handleProcessProject)
		protected.GET("/projects/:id/events", api.handleProjectEvents)

		protected.GET("/projects/:id/insights", api.handleListInsights)
		protected.GET("/projects/:id/posts", api.handleListPosts)
		protected.PATCH("/posts/:id", api.handleUpdatePost)
	}
}
