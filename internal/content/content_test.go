package content_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jimdaga/postflow/internal/ai"
	"github.com/jimdaga/postflow/internal/apperr"
	"github.com/jimdaga/postflow/internal/content"
	"github.com/jimdaga/postflow/internal/models"
	"github.com/jimdaga/postflow/internal/testsupport"
)

type fakeDrafter struct {
	insights []ai.InsightDraft
	posts    []ai.PostDraft
	err      error
	gotLimit int
}

func (f *fakeDrafter) ExtractInsights(ctx context.Context, transcript string, n int) ([]ai.InsightDraft, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.insights, nil
}

func (f *fakeDrafter) DraftPosts(ctx context.Context, transcript string, insights []ai.InsightDraft, limit int) ([]ai.PostDraft, error) {
	f.gotLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.posts, nil
}

func sampleDrafter() *fakeDrafter {
	return &fakeDrafter{
		insights: []ai.InsightDraft{
			{Title: "Write it down", Summary: "Docs scale, memory does not.", Tags: []string{"docs", " "}},
			{Title: "Buddy system", Summary: "Pair every new hire."},
			{Title: "  ", Summary: "dropped"},
		},
		posts: []ai.PostDraft{
			{Insight: 1, Platform: "LinkedIn", Content: "If it only lives in your head, it does not scale."},
			{Insight: 2, Platform: "twitter", Content: "Every new hire gets a buddy.", Hashtags: []string{"#onboarding"}},
			{Insight: 9, Platform: "x", Content: "Orphan post"},
			{Insight: 1, Platform: "x", Content: "   "},
		},
	}
}

func TestGenerateInsightsReplacesPrevious(t *testing.T) {
	db := testsupport.NewDB(t)
	owner := testsupport.CreateUser(t, db)
	project := testsupport.CreateProject(t, db, owner.ID)
	gen := content.NewGenerator(db, sampleDrafter())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		n, err := gen.GenerateInsights(ctx, project.ID, "transcript", 7)
		if err != nil {
			t.Fatalf("GenerateInsights #%d: %v", i+1, err)
		}
		if n != 2 {
			t.Errorf("count = %d, want 2", n)
		}
	}

	insights, err := content.NewStore(db).ListInsights(ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(insights) != 2 {
		t.Fatalf("stored %d insights after retry, want 2", len(insights))
	}
	if insights[0].Title != "Write it down" || string(insights[0].Tags) != `["docs"]` {
		t.Errorf("unexpected first insight: %+v", insights[0])
	}
}

func TestGeneratePostsLinksInsights(t *testing.T) {
	db := testsupport.NewDB(t)
	owner := testsupport.CreateUser(t, db)
	project := testsupport.CreateProject(t, db, owner.ID)
	drafter := sampleDrafter()
	gen := content.NewGenerator(db, drafter)
	store := content.NewStore(db)
	ctx := context.Background()

	if _, err := gen.GenerateInsights(ctx, project.ID, "transcript", 7); err != nil {
		t.Fatal(err)
	}
	n, err := gen.GeneratePosts(ctx, owner.ID, project.ID, "transcript", 7)
	if err != nil {
		t.Fatalf("GeneratePosts: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
	if drafter.gotLimit != 7 {
		t.Errorf("limit passed = %d", drafter.gotLimit)
	}

	insights, _ := store.ListInsights(ctx, project.ID)
	posts, _ := store.ListPosts(ctx, project.ID, "")
	byContent := map[string]models.Post{}
	for _, p := range posts {
		byContent[p.Content] = p
		if p.Status != models.PostStatusDraft || p.OwnerID != owner.ID {
			t.Errorf("unexpected post: %+v", p)
		}
	}
	first := byContent["If it only lives in your head, it does not scale."]
	if first.InsightID == nil || *first.InsightID != insights[0].ID || first.Platform != "linkedin" {
		t.Errorf("first post not linked: %+v", first)
	}
	if second := byContent["Every new hire gets a buddy."]; second.Platform != "x" {
		t.Errorf("twitter not normalized: %q", second.Platform)
	}
	if orphan := byContent["Orphan post"]; orphan.InsightID != nil {
		t.Error("out of range insight reference should be dropped")
	}

	// A retry replaces rather than duplicates.
	if _, err := gen.GeneratePosts(ctx, owner.ID, project.ID, "transcript", 7); err != nil {
		t.Fatal(err)
	}
	posts, _ = store.ListPosts(ctx, project.ID, "")
	if len(posts) != 3 {
		t.Errorf("posts after retry = %d", len(posts))
	}
}

func TestGeneratePostsWithoutInsights(t *testing.T) {
	db := testsupport.NewDB(t)
	owner := testsupport.CreateUser(t, db)
	project := testsupport.CreateProject(t, db, owner.ID)
	drafter := sampleDrafter()
	gen := content.NewGenerator(db, drafter)

	n, err := gen.GeneratePosts(context.Background(), owner.ID, project.ID, "transcript", 7)
	if err != nil || n != 0 {
		t.Fatalf("got %d, %v", n, err)
	}
	if drafter.gotLimit != 0 {
		t.Error("drafter called without insights")
	}
}

func TestGeneratorPropagatesDrafterError(t *testing.T) {
	db := testsupport.NewDB(t)
	owner := testsupport.CreateUser(t, db)
	project := testsupport.CreateProject(t, db, owner.ID)
	boom := errors.New("upstream 500")
	gen := content.NewGenerator(db, &fakeDrafter{err: boom})

	if _, err := gen.GenerateInsights(context.Background(), project.ID, "t", 7); !errors.Is(err, boom) {
		t.Fatalf("expected drafter error, got %v", err)
	}
}

func newPost(t *testing.T, status string) (*content.Store, models.Post, models.User) {
	t.Helper()
	db := testsupport.NewDB(t)
	owner := testsupport.CreateUser(t, db)
	project := testsupport.CreateProject(t, db, owner.ID)
	post := models.Post{ProjectID: project.ID, OwnerID: owner.ID, Content: "draft text", Status: status}
	if err := db.Create(&post).Error; err != nil {
		t.Fatal(err)
	}
	return content.NewStore(db), post, owner
}

func ptr[T any](v T) *T { return &v }

func TestUpdatePostReviewFlow(t *testing.T) {
	store, post, owner := newPost(t, models.PostStatusDraft)
	ctx := context.Background()

	updated, err := store.UpdatePost(ctx, post.ID, owner.ID, content.PostUpdate{
		Content: ptr("  edited  "),
		Status:  ptr(models.PostStatusApproved),
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if updated.Content != "edited" || updated.Status != models.PostStatusApproved {
		t.Errorf("unexpected post: %+v", updated)
	}

	when := time.Now().Add(time.Hour)
	updated, err = store.UpdatePost(ctx, post.ID, owner.ID, content.PostUpdate{
		Status:       ptr(models.PostStatusScheduled),
		ScheduledFor: &when,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if updated.ScheduledFor == nil {
		t.Fatal("schedule time not stored")
	}

	updated, err = store.UpdatePost(ctx, post.ID, owner.ID, content.PostUpdate{Status: ptr(models.PostStatusApproved)})
	if err != nil {
		t.Fatalf("unschedule: %v", err)
	}
	if updated.ScheduledFor != nil {
		t.Error("unscheduling should clear the schedule time")
	}
}

func TestUpdatePostRejections(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	cases := []struct {
		name   string
		status string
		update content.PostUpdate
	}{
		{"skip approval", models.PostStatusDraft, content.PostUpdate{Status: ptr(models.PostStatusScheduled), ScheduledFor: &future}},
		{"unknown status", models.PostStatusDraft, content.PostUpdate{Status: ptr("archived")}},
		{"empty content", models.PostStatusDraft, content.PostUpdate{Content: ptr("  ")}},
		{"schedule in past", models.PostStatusApproved, content.PostUpdate{Status: ptr(models.PostStatusScheduled), ScheduledFor: &past}},
		{"schedule without time", models.PostStatusApproved, content.PostUpdate{Status: ptr(models.PostStatusScheduled)}},
		{"time on draft", models.PostStatusDraft, content.PostUpdate{ScheduledFor: &future}},
		{"published is final", models.PostStatusPublished, content.PostUpdate{Content: ptr("new")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, post, owner := newPost(t, tc.status)
			if _, err := store.UpdatePost(ctx, post.ID, owner.ID, tc.update); !errors.Is(err, apperr.ErrUnprocessable) {
				t.Fatalf("expected ErrUnprocessable, got %v", err)
			}
		})
	}
}

func TestUpdatePostOwnership(t *testing.T) {
	store, post, _ := newPost(t, models.PostStatusDraft)
	ctx := context.Background()

	if _, err := store.UpdatePost(ctx, post.ID, uuid.New(), content.PostUpdate{Content: ptr("x")}); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := store.UpdatePost(ctx, uuid.New(), post.OwnerID, content.PostUpdate{Content: ptr("x")}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPublishDue(t *testing.T) {
	db := testsupport.NewDB(t)
	owner := testsupport.CreateUser(t, db)
	project := testsupport.CreateProject(t, db, owner.ID)
	store := content.NewStore(db)
	ctx := context.Background()

	due := time.Now().UTC().Add(-time.Minute)
	later := time.Now().UTC().Add(time.Hour)
	posts := []models.Post{
		{ProjectID: project.ID, OwnerID: owner.ID, Content: "due", Status: models.PostStatusScheduled, ScheduledFor: &due},
		{ProjectID: project.ID, OwnerID: owner.ID, Content: "later", Status: models.PostStatusScheduled, ScheduledFor: &later},
		{ProjectID: project.ID, OwnerID: owner.ID, Content: "draft", Status: models.PostStatusDraft},
	}
	if err := db.Create(&posts).Error; err != nil {
		t.Fatal(err)
	}

	n, err := store.PublishDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("PublishDue: %v", err)
	}
	if n != 1 {
		t.Errorf("published %d, want 1", n)
	}
	published, _ := store.ListPosts(ctx, project.ID, models.PostStatusPublished)
	if len(published) != 1 || published[0].Content != "due" || published[0].PublishedAt == nil {
		t.Errorf("unexpected published posts: %+v", published)
	}

	if _, err := store.ListPosts(ctx, project.ID, "bogus"); !errors.Is(err, apperr.ErrUnprocessable) {
		t.Errorf("expected ErrUnprocessable for unknown filter, got %v", err)
	}
}
