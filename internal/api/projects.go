package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jimdaga/postflow/internal/stage"
)

func (a *API) handleListStages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stages": stage.All()})
}

func (a *API) handleListProjects(c *gin.Context) {
	ownerID, ok := currentUser(c)
	if !ok {
		return
	}

	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		respondMessage(c, http.StatusBadRequest, "limit must be a number")
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		respondMessage(c, http.StatusBadRequest, "offset must be a number")
		return
	}

	list, err := a.projects.List(c.Request.Context(), ownerID, limit, offset)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": list})
}

func (a *API) handleCreateProject(c *gin.Context) {
	ownerID, ok := currentUser(c)
	if !ok {
		return
	}

	var payload struct {
		Title      string `json:"title"`
		Transcript string `json:"transcript" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondMessage(c, http.StatusBadRequest, err.Error())
		return
	}

	project, err := a.projects.Create(c.Request.Context(), ownerID, payload.Title, payload.Transcript)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (a *API) handleGetProject(c *gin.Context) {
	ownerID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := a.pathID(c)
	if !ok {
		return
	}

	project, err := a.projects.GetOwned(c.Request.Context(), id, ownerID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (a *API) handleRenameProject(c *gin.Context) {
	ownerID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := a.pathID(c)
	if !ok {
		return
	}

	var payload struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondMessage(c, http.StatusBadRequest, err.Error())
		return
	}

	project, err := a.projects.UpdateTitle(c.Request.Context(), id, ownerID, payload.Title)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (a *API) handleDeleteProject(c *gin.Context) {
	ownerID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := a.pathID(c)
	if !ok {
		return
	}

	if err := a.projects.Delete(c.Request.Context(), id, ownerID); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleUpdateStage moves a project to the stage right after its current one.
func (a *API) handleUpdateStage(c *gin.Context) {
	ownerID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := a.pathID(c)
	if !ok {
		return
	}

	var payload struct {
		NextStage string `json:"nextStage" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondMessage(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	project, err := a.projects.GetOwned(ctx, id, ownerID)
	if err != nil {
		a.respondError(c, err)
		return
	}

	requested, _ := stage.Parse(payload.NextStage)
	if err := stage.Validate(project.CurrentStage, requested); err != nil {
		a.respondError(c, err)
		return
	}

	updated, err := a.projects.AdvanceStage(ctx, id, ownerID, project.CurrentStage, requested)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": updated})
}

func (a *API) handleListInsights(c *gin.Context) {
	ownerID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := a.pathID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := a.projects.GetOwned(ctx, id, ownerID); err != nil {
		a.respondError(c, err)
		return
	}
	insights, err := a.content.ListInsights(ctx, id)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"insights": insights})
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
