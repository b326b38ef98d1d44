package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jimdaga/postflow/internal/content"
)

func (a *API) handleListPosts(c *gin.Context) {
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
	posts, err := a.content.ListPosts(ctx, id, c.Query("status"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

// handleUpdatePost edits a draft or moves it through review. Omitted fields are
// left unchanged.
func (a *API) handleUpdatePost(c *gin.Context) {
	ownerID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := a.pathID(c)
	if !ok {
		return
	}

	var payload struct {
		Content      *string    `json:"content"`
		Status       *string    `json:"status"`
		ScheduledFor *time.Time `json:"scheduledFor"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondMessage(c, http.StatusBadRequest, err.Error())
		return
	}

	post, err := a.content.UpdatePost(c.Request.Context(), id, ownerID, content.PostUpdate{
		Content:      payload.Content,
		Status:       payload.Status,
		ScheduledFor: payload.ScheduledFor,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, post)
}
