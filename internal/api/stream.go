package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jimdaga/postflow/internal/apperr"
	"github.com/jimdaga/postflow/internal/pipeline"
	"github.com/jimdaga/postflow/internal/stage"
	"github.com/jimdaga/postflow/internal/streams"
)

var (
	errStreamClosed = errors.New("event stream closed")
	errRunEnded     = errors.New("run no longer holds the project")
)

// handleProcessProject runs the processing pipeline and streams its events. All
// precondition failures are answered as JSON before the stream opens. With
// ?mode=background the run is queued for the worker instead.
func (a *API) handleProcessProject(c *gin.Context) {
	ownerID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := a.pathID(c)
	if !ok {
		return
	}

	if c.Query("mode") == "background" {
		a.enqueueProcessing(c, id, ownerID)
		return
	}

	run, err := a.orchestrator.Start(c.Request.Context(), id, ownerID)
	if err != nil {
		a.respondError(c, err)
		return
	}

	ctx, cancel := a.streamContext(c.Request.Context())
	defer cancel()
	openStream(c)

	var mirror pipeline.Emitter
	if a.mirror != nil {
		mirror = a.mirror.Emitter(id)
	}
	outcome := run.Execute(ctx, pipeline.Tee(sseEmitter(c), mirror))

	a.logger.Info("Processing stream closed",
		"project_id", id.String(),
		"run_id", run.ID(),
		"outcome", string(outcome),
	)
}

func (a *API) enqueueProcessing(c *gin.Context, id, ownerID uuid.UUID) {
	if a.enqueuer == nil {
		respondMessage(c, http.StatusServiceUnavailable, "background processing unavailable")
		return
	}

	ctx := c.Request.Context()
	project, err := a.projects.GetOwned(ctx, id, ownerID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if project.CurrentStage != stage.Processing {
		a.respondError(c, apperr.Wrap(apperr.ErrUnprocessable, "api", "process", "not in processing stage", nil))
		return
	}
	if project.Running() && project.RunStartedAt != nil &&
		time.Since(*project.RunStartedAt) < a.orchestrator.StaleAfter() {
		a.respondError(c, apperr.Wrap(apperr.ErrConflict, "api", "process", "processing already in progress", nil))
		return
	}

	taskID, err := a.enqueuer.EnqueueProcessProject(ctx, id, ownerID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"projectId": project.ID, "taskId": taskID})
}

// handleProjectEvents replays the mirrored events of a project's latest run.
// While the run holds the project the stream is followed until a terminal
// event or until the lock is gone; otherwise only stored entries are sent.
// Last-Event-ID resumes after that entry.
func (a *API) handleProjectEvents(c *gin.Context) {
	ownerID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := a.pathID(c)
	if !ok {
		return
	}
	if a.events == nil {
		respondMessage(c, http.StatusServiceUnavailable, "event replay unavailable")
		return
	}

	ctx := c.Request.Context()
	project, err := a.projects.GetOwned(ctx, id, ownerID)
	if err != nil {
		a.respondError(c, err)
		return
	}

	lastID := c.GetHeader("Last-Event-ID")
	running := project.Running()
	if lastID == "" && !running {
		latest, err := a.events.Latest(ctx, id)
		if err != nil {
			a.respondError(c, err)
			return
		}
		if latest == nil {
			c.Status(http.StatusNoContent)
			return
		}
	}

	streamCtx, cancel := a.streamContext(ctx)
	defer cancel()
	openStream(c)

	write := func(msg streams.Message) error {
		c.Render(-1, sse.Event{Id: msg.ID, Event: msg.Event.Name, Data: msg.Event.Data})
		if c.IsAborted() {
			return errStreamClosed
		}
		c.Writer.Flush()
		if msg.ID != "" {
			lastID = msg.ID
		}
		return nil
	}

	if !running {
		err = a.events.Replay(streamCtx, id, lastID, write)
	} else {
		err = a.events.Follow(streamCtx, id, lastID, func(msg streams.Message) error {
			if msg.ID == "" {
				// Idle heartbeat. A run that died without a terminal event
				// leaves nothing to wait for once its lock is gone.
				current, err := a.projects.Get(streamCtx, id)
				if err != nil {
					return err
				}
				if !current.Running() {
					return errRunEnded
				}
			}
			return write(msg)
		})
		if errors.Is(err, errRunEnded) {
			err = a.events.Replay(streamCtx, id, lastID, write)
		}
	}
	if err != nil && streamCtx.Err() == nil && !errors.Is(err, errStreamClosed) {
		a.logger.Warn("Event replay failed", "project_id", id.String(), "error", err)
	}
}

func openStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
}

// sseEmitter writes pipeline events to the response, one flushed SSE frame each.
func sseEmitter(c *gin.Context) pipeline.Emitter {
	return pipeline.EmitterFunc(func(ctx context.Context, ev pipeline.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.SSEvent(ev.Name, ev.Data)
		if c.IsAborted() {
			return errStreamClosed
		}
		c.Writer.Flush()
		return nil
	})
}
