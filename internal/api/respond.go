package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jimdaga/postflow/internal/apperr"
	"github.com/jimdaga/postflow/internal/auth"
	"github.com/jimdaga/postflow/internal/stage"
)

// respondError maps err to a status through its apperr marker. Server-side
// failures are logged and answered with a generic message.
func (a *API) respondError(c *gin.Context, err error) {
	var te *stage.TransitionError
	if errors.As(err, &te) {
		var allowedNext any
		if te.AllowedNext != "" {
			allowedNext = te.AllowedNext
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":       "illegal stage transition",
			"from":        te.From,
			"to":          te.To,
			"allowedNext": allowedNext,
		})
		return
	}

	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		respondMessage(c, status, http.StatusText(status))
		return
	}
	respondMessage(c, status, err.Error())
}

func respondMessage(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// currentUser returns the authenticated user's ID or answers 401.
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	id, ok := auth.UserID(c)
	if !ok {
		respondMessage(c, http.StatusUnauthorized, "authentication required")
		return uuid.Nil, false
	}
	return id, true
}

// pathID parses the :id parameter. Malformed IDs cannot name a row, so they
// answer 404.
func (a *API) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		a.respondError(c, apperr.Wrap(apperr.ErrNotFound, "api", "", "no such resource", nil))
		return uuid.Nil, false
	}
	return id, true
}
