// Package api is the gin HTTP surface: project CRUD, stage changes, the
// processing stream and draft review.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jimdaga/postflow/internal/auth"
	"github.com/jimdaga/postflow/internal/config"
	"github.com/jimdaga/postflow/internal/content"
	"github.com/jimdaga/postflow/internal/pipeline"
	"github.com/jimdaga/postflow/internal/projects"
	"github.com/jimdaga/postflow/internal/streams"
)

// SessionName is the cookie holding the signed-in user.
const SessionName = "postflow_session"

// Enqueuer schedules background processing runs.
type Enqueuer interface {
	EnqueueProcessProject(ctx context.Context, projectID, ownerID uuid.UUID) (string, error)
}

// Mirror copies processing events somewhere other clients can read them.
type Mirror interface {
	Emitter(projectID uuid.UUID) pipeline.Emitter
}

// EventSource replays mirrored processing events. Follow waits for new
// entries and delivers ID-less ping messages while idle; Replay only reads
// what is stored.
type EventSource interface {
	Follow(ctx context.Context, projectID uuid.UUID, lastID string, handler func(streams.Message) error) error
	Replay(ctx context.Context, projectID uuid.UUID, lastID string, handler func(streams.Message) error) error
	Latest(ctx context.Context, projectID uuid.UUID) (*streams.Message, error)
}

// Deps are the collaborators behind the HTTP handlers. Enqueuer, Mirror and
// Events are optional; the endpoints that need them answer 503 without them.
type Deps struct {
	DB              *gorm.DB
	Projects        *projects.Store
	Content         *content.Store
	Orchestrator    *pipeline.Orchestrator
	Enqueuer        Enqueuer
	Mirror          Mirror
	Events          EventSource
	AuthRedirectURL string
	Logger          *slog.Logger
}

// API holds the handler dependencies.
type API struct {
	db           *gorm.DB
	projects     *projects.Store
	content      *content.Store
	orchestrator *pipeline.Orchestrator
	enqueuer     Enqueuer
	mirror       Mirror
	events       EventSource
	authRedirect string
	logger       *slog.Logger

	// live is canceled by CloseStreams to end every open event stream.
	live      context.Context
	closeLive context.CancelFunc
}

// NewAPI builds an API from deps.
func NewAPI(deps Deps) *API {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	redirect := deps.AuthRedirectURL
	if redirect == "" {
		redirect = "/"
	}
	live, closeLive := context.WithCancel(context.Background())
	return &API{
		live:         live,
		closeLive:    closeLive,
		db:           deps.DB,
		projects:     deps.Projects,
		content:      deps.Content,
		orchestrator: deps.Orchestrator,
		enqueuer:     deps.Enqueuer,
		mirror:       deps.Mirror,
		events:       deps.Events,
		authRedirect: redirect,
		logger:       logger,
	}
}

// CloseStreams ends all open processing and replay streams. Runs stop on their
// canceled path and release their locks. http.Server.Shutdown waits for
// handlers without canceling them, so call this when shutdown begins.
func (a *API) CloseStreams() {
	a.closeLive()
}

// streamContext derives a context that ends with the request or with
// CloseStreams, whichever comes first.
func (a *API) streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(a.live, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// NewRouter assembles the gin engine with recovery, request logging, CORS,
// cookie sessions and the authenticated routes.
func NewRouter(cfg *config.Config, api *API) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(api.logger))
	engine.Use(CORS(cfg.AllowedOrigins))
	engine.Use(sessions.Sessions(SessionName, store))

	registerRoutes(engine, api, auth.RequireAuth())
	return engine
}
