package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jimdaga/postflow/internal/ai"
	"github.com/jimdaga/postflow/internal/apperr"
	"github.com/jimdaga/postflow/internal/auth"
	"github.com/jimdaga/postflow/internal/config"
	"github.com/jimdaga/postflow/internal/content"
	"github.com/jimdaga/postflow/internal/logging"
	"github.com/jimdaga/postflow/internal/models"
	"github.com/jimdaga/postflow/internal/pipeline"
	"github.com/jimdaga/postflow/internal/projects"
	"github.com/jimdaga/postflow/internal/prompts"
	"github.com/jimdaga/postflow/internal/stage"
	"github.com/jimdaga/postflow/internal/streams"
	"github.com/jimdaga/postflow/internal/testsupport"
)

const testUserHeader = "X-Test-User"

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (f *fakeEnqueuer) EnqueueProcessProject(ctx context.Context, projectID, ownerID uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, projectID)
	return "task-1", nil
}

type recordingMirror struct {
	mu     sync.Mutex
	events []string
}

func (m *recordingMirror) Emitter(projectID uuid.UUID) pipeline.Emitter {
	return pipeline.EmitterFunc(func(ctx context.Context, ev pipeline.Event) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.events = append(m.events, ev.Name)
		return nil
	})
}

type fakeEvents struct {
	messages    []streams.Message
	beforeIdle  func()
	followCalls int
	replayCalls int
	idleSent    int
}

func (f *fakeEvents) deliver(lastID string, handler func(streams.Message) error) (bool, error) {
	for _, msg := range f.messages {
		if lastID != "" && msg.ID <= lastID {
			continue
		}
		if err := handler(msg); err != nil {
			return true, err
		}
		if msg.Event.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// Follow delivers the stored messages, then idle heartbeats until the handler
// gives up. Ten unanswered heartbeats count as a stuck stream.
func (f *fakeEvents) Follow(ctx context.Context, projectID uuid.UUID, lastID string, handler func(streams.Message) error) error {
	f.followCalls++
	if done, err := f.deliver(lastID, handler); done {
		return err
	}
	for i := 0; i < 10; i++ {
		if f.beforeIdle != nil {
			f.beforeIdle()
		}
		f.idleSent++
		idle := streams.Message{Event: pipeline.Event{Name: pipeline.EventPing, Data: map[string]any{"t": i}}}
		if err := handler(idle); err != nil {
			return err
		}
	}
	return errors.New("follow never stopped")
}

func (f *fakeEvents) Replay(ctx context.Context, projectID uuid.UUID, lastID string, handler func(streams.Message) error) error {
	f.replayCalls++
	_, err := f.deliver(lastID, handler)
	return err
}

func (f *fakeEvents) Latest(ctx context.Context, projectID uuid.UUID) (*streams.Message, error) {
	if len(f.messages) == 0 {
		return nil, nil
	}
	last := f.messages[len(f.messages)-1]
	return &last, nil
}

type testServer struct {
	engine   *gin.Engine
	db       *gorm.DB
	owner    models.User
	enqueuer *fakeEnqueuer
	mirror   *recordingMirror
	events   *fakeEvents
	api      *API
}

// testAuth trusts the user ID in a request header.
func testAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.GetHeader(testUserHeader))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(auth.ContextUserID, id)
		c.Next()
	}
}

func newDeps(t *testing.T, db *gorm.DB) Deps {
	t.Helper()
	return newDepsWithConfig(t, db, pipeline.Config{HeartbeatInterval: time.Hour, Timeout: time.Minute})
}

func newDepsWithConfig(t *testing.T, db *gorm.DB, cfg pipeline.Config) Deps {
	t.Helper()
	registry, err := prompts.Defaults()
	if err != nil {
		t.Fatal(err)
	}
	client := ai.NewClient(ai.Config{StubMode: true}, registry)
	gen := content.NewGenerator(db, client)
	store := projects.NewStore(db)
	orch := pipeline.New(store, pipeline.Collaborators{
		Normalizer: client,
		Titles:     client,
		Insights:   gen,
		Posts:      gen,
	}, cfg, logging.Discard())

	return Deps{
		DB:           db,
		Projects:     store,
		Content:      content.NewStore(db),
		Orchestrator: orch,
		Logger:       logging.Discard(),
	}
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testsupport.NewDB(t)
	ts := &testServer{
		db:       db,
		owner:    testsupport.CreateUser(t, db),
		enqueuer: &fakeEnqueuer{},
		mirror:   &recordingMirror{},
		events:   &fakeEvents{},
	}

	deps := newDeps(t, db)
	deps.Enqueuer = ts.enqueuer
	deps.Mirror = ts.mirror
	deps.Events = ts.events
	ts.api = NewAPI(deps)

	ts.engine = gin.New()
	ts.engine.Use(gin.Recovery())
	registerRoutes(ts.engine, ts.api, testAuth())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, userID uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		req.Header.Set(testUserHeader, userID.String())
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

type sseFrame struct {
	id    string
	event string
	data  map[string]any
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id:"):
				f.id = strings.TrimPrefix(line, "id:")
			case strings.HasPrefix(line, "event:"):
				f.event = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &f.data); err != nil {
					t.Fatalf("frame data %q: %v", line, err)
				}
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func (ts *testServer) project(t *testing.T, id uuid.UUID) models.Project {
	t.Helper()
	var p models.Project
	if err := ts.db.First(&p, "id = ?", id).Error; err != nil {
		t.Fatal(err)
	}
	return p
}

func TestHealthHandler(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", uuid.Nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestListStages(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/stages", uuid.Nil, nil)
	var body struct {
		Stages []string `json:"stages"`
	}
	decode(t, rec, &body)
	if strings.Join(body.Stages, ",") != "processing,posts,ready" {
		t.Errorf("stages = %v", body.Stages)
	}
}

func TestRouterRequiresSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := testsupport.NewDB(t)
	cfg := &config.Config{SessionSecret: "test-secret", AllowedOrigins: []string{"http://localhost:3000"}}
	engine := NewRouter(cfg, NewAPI(newDeps(t, db)))

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health should be public, got %d", rec.Code)
	}
}

func TestProjectCRUD(t *testing.T) {
	ts := setupTestServer(t)
	other := testsupport.CreateUser(t, ts.db)

	rec := ts.do(t, http.MethodPost, "/api/projects", ts.owner.ID, gin.H{"transcript": "Host: hello there."})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var created models.Project
	decode(t, rec, &created)
	if created.Title != models.PlaceholderTitle || created.CurrentStage != stage.Processing {
		t.Errorf("created = %+v", created)
	}
	path := "/api/projects/" + created.ID.String()

	if rec := ts.do(t, http.MethodGet, path, ts.owner.ID, nil); rec.Code != http.StatusOK {
		t.Errorf("get: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, path, other.ID, nil); rec.Code != http.StatusForbidden {
		t.Errorf("get as other user: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/projects/"+uuid.NewString(), ts.owner.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get unknown: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/projects/not-a-uuid", ts.owner.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get malformed: %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPatch, path, ts.owner.ID, gin.H{"title": "Renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename: %d %s", rec.Code, rec.Body.String())
	}
	if ts.project(t, created.ID).Title != "Renamed" {
		t.Error("title not saved")
	}

	rec = ts.do(t, http.MethodGet, "/api/projects?limit=10", ts.owner.ID, nil)
	var list struct {
		Projects []models.Project `json:"projects"`
	}
	decode(t, rec, &list)
	if len(list.Projects) != 1 {
		t.Errorf("list returned %d projects", len(list.Projects))
	}
	if rec := ts.do(t, http.MethodGet, "/api/projects?limit=ten", ts.owner.ID, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: %d", rec.Code)
	}

	if rec := ts.do(t, http.MethodDelete, path, other.ID, nil); rec.Code != http.StatusForbidden {
		t.Errorf("delete as other user: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, path, ts.owner.ID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, path, ts.owner.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: %d", rec.Code)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	ts := setupTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/api/projects", ts.owner.ID, gin.H{"title": "x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing transcript: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/projects", ts.owner.ID, gin.H{"transcript": "   "}); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("blank transcript: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/projects", uuid.Nil, gin.H{"transcript": "x"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: %d", rec.Code)
	}
}

func TestUpdateStageAdvancesToNext(t *testing.T) {
	ts := setupTestServer(t)
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)

	rec := ts.do(t, http.MethodPut, "/api/projects/"+p.ID.String()+"/stage", ts.owner.ID, gin.H{"nextStage": "posts"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Project models.Project `json:"project"`
	}
	decode(t, rec, &body)
	if body.Project.CurrentStage != stage.Posts {
		t.Errorf("currentStage = %s", body.Project.CurrentStage)
	}
}

func TestUpdateStageRejectsSkipAhead(t *testing.T) {
	ts := setupTestServer(t)
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)

	rec := ts.do(t, http.MethodPut, "/api/projects/"+p.ID.String()+"/stage", ts.owner.ID, gin.H{"nextStage": "ready"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["from"] != "processing" || body["to"] != "ready" || body["allowedNext"] != "posts" {
		t.Errorf("body = %v", body)
	}
	if ts.project(t, p.ID).CurrentStage != stage.Processing {
		t.Error("stage changed on rejection")
	}
}

func TestUpdateStageErrors(t *testing.T) {
	ts := setupTestServer(t)
	other := testsupport.CreateUser(t, ts.db)
	ready := testsupport.CreateProject(t, ts.db, ts.owner.ID, testsupport.WithStage(stage.Ready))
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)

	rec := ts.do(t, http.MethodPut, "/api/projects/"+ready.ID.String()+"/stage", ts.owner.ID, gin.H{"nextStage": "processing"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("backward: %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if v, present := body["allowedNext"]; !present || v != nil {
		t.Errorf("terminal allowedNext = %v", v)
	}

	if rec := ts.do(t, http.MethodPut, "/api/projects/"+p.ID.String()+"/stage", other.ID, gin.H{"nextStage": "posts"}); rec.Code != http.StatusForbidden {
		t.Errorf("other user: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPut, "/api/projects/"+uuid.NewString()+"/stage", ts.owner.ID, gin.H{"nextStage": "posts"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown project: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPut, "/api/projects/"+p.ID.String()+"/stage", ts.owner.ID, gin.H{"nextStage": "review"}); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown stage: %d", rec.Code)
	}

	store := projects.NewStore(ts.db)
	if err := store.AcquireRun(context.Background(), p.ID, ts.owner.ID, "run-1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if rec := ts.do(t, http.MethodPut, "/api/projects/"+p.ID.String()+"/stage", ts.owner.ID, gin.H{"nextStage": "posts"}); rec.Code != http.StatusConflict {
		t.Errorf("while processing: %d", rec.Code)
	}
}

func TestUpdateStageMatchesNamesExactly(t *testing.T) {
	ts := setupTestServer(t)
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)

	for _, raw := range []string{" POSTS ", "Posts", "review"} {
		rec := ts.do(t, http.MethodPut, "/api/projects/"+p.ID.String()+"/stage", ts.owner.ID, gin.H{"nextStage": raw})
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("%q: status = %d", raw, rec.Code)
			continue
		}
		var body map[string]any
		decode(t, rec, &body)
		if body["to"] != raw || body["from"] != "processing" {
			t.Errorf("%q: body = %v", raw, body)
		}
	}
	if got := ts.project(t, p.ID).CurrentStage; got != stage.Processing {
		t.Errorf("stage = %q", got)
	}
}

func TestProcessStreamsEventsInOrder(t *testing.T) {
	ts := setupTestServer(t)
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)

	rec := ts.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/process", ts.owner.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}

	frames := parseSSE(t, rec.Body.String())
	var names []string
	for _, f := range frames {
		names = append(names, f.event)
	}
	want := []string{"started", "progress", "insights_ready", "posts_ready", "complete"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v", names)
	}
	if frames[1].data["step"] != models.StepNormalizeTranscript {
		t.Errorf("progress step = %v", frames[1].data["step"])
	}
	if frames[2].data["count"] != float64(7) || frames[3].data["count"] != float64(7) {
		t.Errorf("counts = %v / %v", frames[2].data["count"], frames[3].data["count"])
	}

	got := ts.project(t, p.ID)
	if got.CurrentStage != stage.Posts {
		t.Errorf("currentStage = %s", got.CurrentStage)
	}
	if got.ProcessingProgress == nil || *got.ProcessingProgress != 100 {
		t.Errorf("processingProgress = %v", got.ProcessingProgress)
	}
	if got.Running() {
		t.Error("run lock not released")
	}

	ts.mirror.mu.Lock()
	mirrored := strings.Join(ts.mirror.events, ",")
	ts.mirror.mu.Unlock()
	if mirrored != strings.Join(want, ",") {
		t.Errorf("mirrored = %s", mirrored)
	}
}

func TestProcessRejectedBeforeStreamOpens(t *testing.T) {
	ts := setupTestServer(t)
	other := testsupport.CreateUser(t, ts.db)
	past := testsupport.CreateProject(t, ts.db, ts.owner.ID, testsupport.WithStage(stage.Posts))
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)

	cases := []struct {
		name   string
		path   string
		user   uuid.UUID
		status int
	}{
		{"past processing", "/api/projects/" + past.ID.String() + "/process", ts.owner.ID, http.StatusUnprocessableEntity},
		{"not owner", "/api/projects/" + p.ID.String() + "/process", other.ID, http.StatusForbidden},
		{"unknown", "/api/projects/" + uuid.NewString() + "/process", ts.owner.ID, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tc.path, tc.user, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				t.Errorf("Content-Type = %q", ct)
			}
			if strings.Contains(rec.Body.String(), "event:") {
				t.Errorf("stream opened: %s", rec.Body.String())
			}
		})
	}

	if got := ts.project(t, past.ID); got.ProcessingStep != nil {
		t.Errorf("rejected run persisted step %q", *got.ProcessingStep)
	}
}

func TestProcessConflictWhileRunning(t *testing.T) {
	ts := setupTestServer(t)
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)
	store := projects.NewStore(ts.db)
	if err := store.AcquireRun(context.Background(), p.ID, ts.owner.ID, "run-1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	path := "/api/projects/" + p.ID.String() + "/process"
	if rec := ts.do(t, http.MethodPost, path, ts.owner.ID, nil); rec.Code != http.StatusConflict {
		t.Errorf("stream: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, path+"?mode=background", ts.owner.ID, nil); rec.Code != http.StatusConflict {
		t.Errorf("background: %d", rec.Code)
	}
	if len(ts.enqueuer.calls) != 0 {
		t.Error("conflicting run was enqueued")
	}
}

func TestProcessBackground(t *testing.T) {
	ts := setupTestServer(t)
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)
	past := testsupport.CreateProject(t, ts.db, ts.owner.ID, testsupport.WithStage(stage.Ready))

	rec := ts.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/process?mode=background", ts.owner.ID, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["taskId"] != "task-1" {
		t.Errorf("body = %v", body)
	}
	if len(ts.enqueuer.calls) != 1 || ts.enqueuer.calls[0] != p.ID {
		t.Errorf("enqueued = %v", ts.enqueuer.calls)
	}

	rec = ts.do(t, http.MethodPost, "/api/projects/"+past.ID.String()+"/process?mode=background", ts.owner.ID, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("past processing: %d", rec.Code)
	}

	ts.enqueuer.err = apperr.Wrap(apperr.ErrConflict, "worker", "enqueue", "processing already queued", nil)
	rec = ts.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/process?mode=background", ts.owner.ID, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate task: %d", rec.Code)
	}

	ts.api.enqueuer = nil
	rec = ts.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/process?mode=background", ts.owner.ID, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without worker: %d", rec.Code)
	}
}

func TestProjectEvents(t *testing.T) {
	ts := setupTestServer(t)
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)
	path := "/api/projects/" + p.ID.String() + "/events"

	if rec := ts.do(t, http.MethodGet, path, ts.owner.ID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("no events yet: %d", rec.Code)
	}

	ts.events.messages = []streams.Message{
		{ID: "1-0", Event: pipeline.Event{Name: pipeline.EventStarted, Data: map[string]any{"progress": 0}}},
		{ID: "2-0", Event: pipeline.Event{Name: pipeline.EventError, Data: map[string]any{"message": pipeline.MessageFailed}}},
	}
	rec := ts.do(t, http.MethodGet, path, ts.owner.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: %d", rec.Code)
	}
	frames := parseSSE(t, rec.Body.String())
	if len(frames) != 2 || frames[0].id != "1-0" || frames[1].event != pipeline.EventError {
		t.Errorf("frames = %+v", frames)
	}

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(testUserHeader, ts.owner.ID.String())
	req.Header.Set("Last-Event-ID", "1-0")
	rec = httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	frames = parseSSE(t, rec.Body.String())
	if len(frames) != 1 || frames[0].id != "2-0" {
		t.Errorf("resumed frames = %+v", frames)
	}

	ts.api.events = nil
	if rec := ts.do(t, http.MethodGet, path, ts.owner.ID, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without redis: %d", rec.Code)
	}
}

func TestReviewDrafts(t *testing.T) {
	ts := setupTestServer(t)
	other := testsupport.CreateUser(t, ts.db)
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)
	if rec := ts.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/process", ts.owner.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("process: %d", rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/projects/"+p.ID.String()+"/insights", ts.owner.ID, nil)
	var insights struct {
		Insights []models.Insight `json:"insights"`
	}
	decode(t, rec, &insights)
	if len(insights.Insights) != 7 {
		t.Errorf("insights = %d", len(insights.Insights))
	}

	rec = ts.do(t, http.MethodGet, "/api/projects/"+p.ID.String()+"/posts?status=draft", ts.owner.ID, nil)
	var posts struct {
		Posts []models.Post `json:"posts"`
	}
	decode(t, rec, &posts)
	if len(posts.Posts) != 7 {
		t.Fatalf("posts = %d", len(posts.Posts))
	}
	if rec := ts.do(t, http.MethodGet, "/api/projects/"+p.ID.String()+"/posts", other.ID, nil); rec.Code != http.StatusForbidden {
		t.Errorf("posts as other user: %d", rec.Code)
	}

	postPath := "/api/posts/" + posts.Posts[0].ID.String()
	rec = ts.do(t, http.MethodPatch, postPath, ts.owner.ID, gin.H{"status": "published"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("draft to published: %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPatch, postPath, ts.owner.ID, gin.H{"status": "approved", "content": "Edited"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}
	var post models.Post
	decode(t, rec, &post)
	if post.Status != models.PostStatusApproved || post.Content != "Edited" {
		t.Errorf("post = %+v", post)
	}

	when := time.Now().Add(time.Hour).UTC()
	rec = ts.do(t, http.MethodPatch, postPath, ts.owner.ID, gin.H{"status": "scheduled", "scheduledFor": when})
	if rec.Code != http.StatusOK {
		t.Errorf("schedule: %d %s", rec.Code, rec.Body.String())
	}

	if rec := ts.do(t, http.MethodPatch, postPath, other.ID, gin.H{"content": "x"}); rec.Code != http.StatusForbidden {
		t.Errorf("edit as other user: %d", rec.Code)
	}
}

func TestRespondErrorHidesServerFailures(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := NewAPI(Deps{Logger: logging.Discard()})
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	a.respondError(c, errors.New("dial tcp 10.0.0.5:5432: connection refused"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") {
		t.Errorf("internal detail leaked: %s", rec.Body.String())
	}
}

func TestProjectEventsEndForRunWithoutTerminalEvent(t *testing.T) {
	ts := setupTestServer(t)
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)
	ts.events.messages = []streams.Message{
		{ID: "1-0", Event: pipeline.Event{Name: pipeline.EventStarted, Data: map[string]any{"progress": 0}}},
		{ID: "2-0", Event: pipeline.Event{Name: pipeline.EventProgress, Data: map[string]any{"progress": 10}}},
	}

	rec := ts.do(t, http.MethodGet, "/api/projects/"+p.ID.String()+"/events", ts.owner.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if frames := parseSSE(t, rec.Body.String()); len(frames) != 2 {
		t.Errorf("frames = %+v", frames)
	}
	if ts.events.followCalls != 0 || ts.events.replayCalls != 1 {
		t.Errorf("follow=%d replay=%d, want a plain replay for a finished run", ts.events.followCalls, ts.events.replayCalls)
	}
}

func TestProjectEventsStopWhenRunLockIsGone(t *testing.T) {
	ts := setupTestServer(t)
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)
	store := projects.NewStore(ts.db)
	ctx := context.Background()
	if err := store.AcquireRun(ctx, p.ID, ts.owner.ID, "run-1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	ts.events.messages = []streams.Message{
		{ID: "1-0", Event: pipeline.Event{Name: pipeline.EventStarted, Data: map[string]any{"progress": 0}}},
	}
	ts.events.beforeIdle = func() {
		// The run's process died; its lock gets reclaimed.
		if err := store.ReleaseRun(ctx, p.ID, "run-1"); err != nil {
			t.Error(err)
		}
	}

	rec := ts.do(t, http.MethodGet, "/api/projects/"+p.ID.String()+"/events", ts.owner.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ts.events.idleSent != 1 {
		t.Errorf("stream kept waiting through %d heartbeats", ts.events.idleSent)
	}
	frames := parseSSE(t, rec.Body.String())
	if len(frames) != 1 || frames[0].event != pipeline.EventStarted {
		t.Errorf("frames = %+v", frames)
	}
}

func TestProjectEventsSendHeartbeatsWhileRunning(t *testing.T) {
	ts := setupTestServer(t)
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)
	store := projects.NewStore(ts.db)
	ctx := context.Background()
	if err := store.AcquireRun(ctx, p.ID, ts.owner.ID, "run-1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	ts.events.messages = []streams.Message{
		{ID: "1-0", Event: pipeline.Event{Name: pipeline.EventStarted, Data: map[string]any{"progress": 0}}},
	}
	ts.events.beforeIdle = func() {
		if ts.events.idleSent == 2 {
			_ = store.ReleaseRun(ctx, p.ID, "run-1")
		}
	}

	rec := ts.do(t, http.MethodGet, "/api/projects/"+p.ID.String()+"/events", ts.owner.ID, nil)
	frames := parseSSE(t, rec.Body.String())
	var pings int
	for _, f := range frames {
		if f.event == pipeline.EventPing {
			pings++
			if f.id != "" {
				t.Errorf("heartbeat carries id %q", f.id)
			}
		}
	}
	if pings != 2 {
		t.Errorf("pings = %d, frames = %+v", pings, frames)
	}
}

func TestCloseStreamsEndsOpenRuns(t *testing.T) {
	ts := setupTestServer(t)
	p := testsupport.CreateProject(t, ts.db, ts.owner.ID)

	ts.api.CloseStreams()
	rec := ts.do(t, http.MethodPost, "/api/projects/"+p.ID.String()+"/process", ts.owner.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "event:complete") {
		t.Error("run completed after streams were closed")
	}
	if got := ts.project(t, p.ID); got.Running() {
		t.Error("run lock not released")
	}
	ts.mirror.mu.Lock()
	defer ts.mirror.mu.Unlock()
	if n := len(ts.mirror.events); n == 0 || ts.mirror.events[n-1] != pipeline.EventInterrupted {
		t.Errorf("mirrored = %v", ts.mirror.events)
	}
}

func TestShutdownEndsOpenProcessingStreams(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := testsupport.NewDB(t)
	owner := testsupport.CreateUser(t, db)
	p := testsupport.CreateProject(t, db, owner.ID)

	mirror := &recordingMirror{}
	deps := newDepsWithConfig(t, db, pipeline.Config{
		HeartbeatInterval: time.Hour,
		Timeout:           time.Minute,
		StepDelay:         time.Minute,
	})
	deps.Mirror = mirror
	handlers := NewAPI(deps)
	engine := gin.New()
	registerRoutes(engine, handlers, testAuth())

	srv := httptest.NewUnstartedServer(engine)
	srv.Config.RegisterOnShutdown(handlers.CloseStreams)
	srv.Start()
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/projects/"+p.ID.String()+"/process", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(testUserHeader, owner.ID.String())
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// The run is now parked in its first step delay.
	body := bufio.NewReader(resp.Body)
	first, err := body.ReadString('\n')
	if err != nil || strings.TrimSpace(first) != "event:"+pipeline.EventStarted {
		t.Fatalf("first line = %q, err = %v", first, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Config.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	rest, _ := io.ReadAll(body)
	if strings.Contains(string(rest), "event:complete") {
		t.Error("run completed during shutdown")
	}

	var project models.Project
	if err := db.First(&project, "id = ?", p.ID).Error; err != nil {
		t.Fatal(err)
	}
	if project.Running() {
		t.Error("run lock still held after shutdown")
	}
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if n := len(mirror.events); n == 0 || mirror.events[n-1] != pipeline.EventInterrupted {
		t.Errorf("mirrored = %v", mirror.events)
	}
}
