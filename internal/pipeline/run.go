package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/jimdaga/postflow/internal/apperr"
	"github.com/jimdaga/postflow/internal/models"
	"github.com/jimdaga/postflow/internal/stage"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeCanceled Outcome = "canceled"
)

// Checkpoint progress values.
const (
	progressStarted   = 0
	progressNormalize = 10
	progressInsights  = 50
	progressPosts     = 80
	progressComplete  = 100
)

const releaseTimeout = 5 * time.Second

// Run is one processing pass over a project. It owns the heartbeat and deadline
// timers, the work goroutine and the run lock for its whole lifetime.
type Run struct {
	id      string
	project *models.Project
	store   Store
	collab  Collaborators
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger

	releaseOnce sync.Once
	mu          sync.Mutex
	executed    bool

	// finalSaved is set once the complete checkpoint is in the database.
	finalSaved atomic.Bool
}

// ID returns the run identifier held in the project's run lock.
func (r *Run) ID() string {
	return r.id
}

// stepError records which step a fatal error came from.
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string {
	return fmt.Sprintf("%s: %v", e.step, e.err)
}

func (e *stepError) Unwrap() error {
	return e.err
}

// Execute runs the pipeline, delivering events to emitter until the run
// completes, fails, times out or ctx is canceled. All events are emitted from
// the calling goroutine and none are emitted after Execute returns. Execute may
// only be called once.
func (r *Run) Execute(ctx context.Context, emitter Emitter) Outcome {
	defer r.release(ctx)

	r.mu.Lock()
	if r.executed {
		r.mu.Unlock()
		return OutcomeCanceled
	}
	r.executed = true
	r.mu.Unlock()

	workCtx, cancelWork := context.WithCancel(ctx)
	events := make(chan Event)
	done := make(chan error, 1)
	go func() {
		done <- r.work(workCtx, events)
	}()

	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	deadline := time.NewTimer(r.cfg.Timeout)
	workFinished := false
	defer func() {
		heartbeat.Stop()
		deadline.Stop()
		cancelWork()
		if !workFinished {
			<-done
		}
	}()

	// stop cancels the work goroutine and waits for it so nothing it does can
	// land after the terminal event.
	stop := func() {
		cancelWork()
		if !workFinished {
			<-done
			workFinished = true
		}
	}

	for {
		select {
		case ev := <-events:
			if err := emitter.Emit(ctx, ev); err != nil {
				r.logger.Info("Processing stream closed by client", "error", err)
				if ev.Terminal() {
					<-done
					workFinished = true
					return OutcomeComplete
				}
				stop()
				return r.interrupt(ctx, emitter)
			}
			if ev.Terminal() {
				// complete is the last thing work sends
				<-done
				workFinished = true
				r.logger.Info("Processing complete")
				return OutcomeComplete
			}

		case err := <-done:
			workFinished = true
			if err == nil {
				r.logger.Info("Processing complete")
				return OutcomeComplete
			}
			if ctx.Err() != nil {
				r.logger.Info("Processing canceled", "error", err)
				return r.interrupt(ctx, emitter)
			}
			r.fail(ctx, emitter, err)
			return OutcomeFailed

		case <-heartbeat.C:
			if err := emitter.Emit(ctx, pingEvent(r.now().UnixMilli())); err != nil {
				r.logger.Info("Processing stream closed by client", "error", err)
				stop()
				return r.interrupt(ctx, emitter)
			}

		case <-deadline.C:
			stop()
			if r.finalSaved.Load() {
				// The project already moved on; report what the database says.
				r.logger.Info("Processing complete at deadline")
				_ = emitter.Emit(ctx, completeEvent())
				return OutcomeComplete
			}
			r.logger.Info("Processing timed out", "timeout", r.cfg.Timeout.String())
			_ = emitter.Emit(ctx, timeoutEvent())
			return OutcomeTimeout

		case <-ctx.Done():
			stop()
			r.logger.Info("Processing stream canceled", "error", ctx.Err())
			return r.interrupt(ctx, emitter)
		}
	}
}

// interrupt closes a run that stopped before its terminal event was sent. The
// primary stream is usually gone by now, but mirrors behind a Tee still get a
// terminal event so replaying clients know the run is over.
func (r *Run) interrupt(ctx context.Context, emitter Emitter) Outcome {
	if r.finalSaved.Load() {
		_ = emitter.Emit(ctx, completeEvent())
		return OutcomeComplete
	}
	_ = emitter.Emit(ctx, interruptedEvent())
	return OutcomeCanceled
}

// Abort releases the run lock for a run that will never execute.
func (r *Run) Abort(ctx context.Context) {
	r.mu.Lock()
	r.executed = true
	r.mu.Unlock()
	r.release(ctx)
}

func (r *Run) fail(ctx context.Context, emitter Emitter, err error) {
	step := "unknown"
	var se *stepError
	if errors.As(err, &se) {
		step = se.step
	}
	r.logger.Error("Processing failed", "step", step, "error", err)

	_ = emitter.Emit(ctx, errorEvent())

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	errStep := models.StepError
	update := models.ProjectUpdate{ProcessingStep: &errStep}
	if perr := r.store.Update(persistCtx, r.project.ID, r.project.OwnerID, update); perr != nil {
		r.logger.Warn("Failed to persist error checkpoint", "error", perr)
	}
}

func (r *Run) release(ctx context.Context) {
	r.releaseOnce.Do(func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := r.store.ReleaseRun(releaseCtx, r.project.ID, r.id); err != nil {
			r.logger.Warn("Failed to release run lock", "error", err)
		}
	})
}

// work performs the steps in order. It runs on its own goroutine and hands every
// event to Execute through events.
func (r *Run) work(ctx context.Context, events chan<- Event) error {
	p := r.project

	send := func(ev Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	persist := func(step string, update models.ProjectUpdate) error {
		if err := r.store.Update(ctx, p.ID, p.OwnerID, update); err != nil {
			return &stepError{step: step, err: err}
		}
		update.Apply(p)
		return nil
	}

	if err := send(startedEvent()); err != nil {
		return err
	}
	if err := persist(models.StepStarted, models.Checkpoint(models.StepStarted, progressStarted)); err != nil {
		return err
	}
	if err := r.pause(ctx); err != nil {
		return err
	}

	// Normalize. A transcript cleaned by an earlier run is reused as is.
	checkpoint := models.Checkpoint(models.StepNormalizeTranscript, progressNormalize)
	if !p.HasCleanTranscript() {
		cleaned, err := r.collab.Normalizer.NormalizeTranscript(ctx, p.TranscriptOriginal)
		if err != nil {
			return &stepError{step: models.StepNormalizeTranscript, err: err}
		}
		if strings.TrimSpace(cleaned) == "" {
			return &stepError{
				step: models.StepNormalizeTranscript,
				err:  apperr.Wrap(apperr.ErrCollaborator, "pipeline", "normalize", "normalizer returned an empty transcript", nil),
			}
		}
		checkpoint.TranscriptCleaned = &cleaned
	} else {
		r.logger.Debug("Reusing cleaned transcript")
	}
	if err := persist(models.StepNormalizeTranscript, checkpoint); err != nil {
		return err
	}
	if err := send(progressEvent(models.StepNormalizeTranscript, progressNormalize)); err != nil {
		return err
	}
	transcript := *p.TranscriptCleaned

	if models.IsPlaceholderTitle(p.Title) {
		r.generateTitle(ctx, transcript)
	}
	if err := r.pause(ctx); err != nil {
		return err
	}

	insights, err := r.collab.Insights.GenerateInsights(ctx, p.ID, transcript, r.cfg.InsightTarget)
	if err != nil {
		return &stepError{step: models.StepInsightsReady, err: err}
	}
	if err := persist(models.StepInsightsReady, models.Checkpoint(models.StepInsightsReady, progressInsights)); err != nil {
		return err
	}
	if err := send(countEvent(EventInsightsReady, insights, progressInsights)); err != nil {
		return err
	}
	if err := r.pause(ctx); err != nil {
		return err
	}

	posts, err := r.collab.Posts.GeneratePosts(ctx, p.OwnerID, p.ID, transcript, r.cfg.PostLimit)
	if err != nil {
		return &stepError{step: models.StepPostsReady, err: err}
	}
	if err := persist(models.StepPostsReady, models.Checkpoint(models.StepPostsReady, progressPosts)); err != nil {
		return err
	}
	if err := send(countEvent(EventPostsReady, posts, progressPosts)); err != nil {
		return err
	}
	if err := r.pause(ctx); err != nil {
		return err
	}

	next, ok := stage.Next(stage.Processing)
	if !ok {
		return &stepError{step: models.StepComplete, err: fmt.Errorf("no stage after %s", stage.Processing)}
	}
	if err := stage.Validate(p.CurrentStage, next); err != nil {
		return &stepError{step: models.StepComplete, err: err}
	}
	final := models.Checkpoint(models.StepComplete, progressComplete)
	final.CurrentStage = &next
	if err := persist(models.StepComplete, final); err != nil {
		return err
	}
	r.finalSaved.Store(true)
	return send(completeEvent())
}

// generateTitle replaces the placeholder title when the generator produces
// something usable. Failures only get logged.
func (r *Run) generateTitle(ctx context.Context, transcript string) {
	if r.collab.Titles == nil {
		return
	}
	title, err := r.collab.Titles.GenerateTitle(ctx, transcript)
	if err != nil {
		r.logger.Warn("Title generation failed, keeping placeholder", "error", err)
		return
	}
	title = CapTitle(title)
	if title == "" || models.IsPlaceholderTitle(title) {
		return
	}
	update := models.ProjectUpdate{Title: &title}
	if err := r.store.Update(ctx, r.project.ID, r.project.OwnerID, update); err != nil {
		r.logger.Warn("Failed to save generated title", "error", err)
		return
	}
	update.Apply(r.project)
}

// pause spaces steps out so progress is visible during development.
func (r *Run) pause(ctx context.Context) error {
	if r.cfg.StepDelay <= 0 {
		return nil
	}
	t := time.NewTimer(r.cfg.StepDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CapTitle collapses whitespace, strips surrounding quotes and limits the result
// to MaxTitleLength runes.
func CapTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	title = strings.Trim(title, "\"'`")
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) <= MaxTitleLength {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:MaxTitleLength]))
}
