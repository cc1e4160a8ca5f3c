package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/caseflow/caseflow/internal/database"
	"github.com/caseflow/caseflow/internal/extract"
	"github.com/caseflow/caseflow/internal/pipeline"
	"github.com/caseflow/caseflow/internal/scheduler"
	"github.com/caseflow/caseflow/internal/services"
	"github.com/caseflow/caseflow/internal/vectorstore"
	"github.com/caseflow/caseflow/internal/vectorstore/memory"
)

type stubChat struct {
	fn func(prompt string) (string, error)
}

func (s *stubChat) Complete(prompt string) (string, error) { return s.fn(prompt) }

type stubEmbedder struct{}

func (stubEmbedder) Embed(text string) ([]float32, error) { return []float32{1, 0, 0}, nil }
func (stubEmbedder) Dimension() int                       { return 3 }

type apiFixture struct {
	mux     *http.ServeMux
	stories *services.StoryService
	store   *memory.Store
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&database.TestCaseRun{}, &database.TestCaseImpact{}, &database.ImpactHistory{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store := memory.New()
	if err := store.Init(3); err != nil {
		t.Fatal(err)
	}

	chat := &stubChat{fn: func(string) (string, error) {
		return `{"test_cases": [{"title": "t", "steps": ["s"], "expected_result": "r", "priority": "low"}]}`, nil
	}}

	root := t.TempDir()
	summarizer := services.NewSummarizer(chat, 4000, 3)
	ingestor := pipeline.NewIngestor(store, extract.NewFileExtractor(), summarizer, stubEmbedder{},
		filepath.Join(root, "uploaded"), filepath.Join(root, "success"), filepath.Join(root, "failure"), 1)

	stories := services.NewStoryService(db, store)
	generation := services.NewGenerationService(stories, chat, 1)
	impacts := services.NewImpactService(db, store, chat, 3)

	sched, err := scheduler.New(nil, ingestor, generation, impacts,
		5*time.Minute, "", filepath.Join(root, "next_run.txt"))
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	NewHTTPHandler().SetupRoutes(mux)
	NewAPIHandler(stories, impacts, ingestor, sched).SetupRoutes(mux)
	return &apiFixture{mux: mux, stories: stories, store: store}
}

func (f *apiFixture) request(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) postJSON(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) seedRun(t *testing.T, storyID string) *database.TestCaseRun {
	t.Helper()
	err := f.store.Insert(vectorstore.Story{
		ProjectID: "PROJ", StoryID: storyID, Vector: []float32{1, 0, 0}, Description: "desc",
	})
	if err != nil {
		t.Fatal(err)
	}
	payload := database.TestCasePayload{
		SchemaVersion: database.PayloadSchemaVersion,
		TestCases: []database.TestCase{
			{ID: storyID + "-TC-001", Title: "t", Steps: []string{"s"}, ExpectedResult: "r", Priority: "low"},
		},
	}
	run, err := f.stories.UpsertRun("PROJ", storyID, "desc", payload, nil)
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func TestHandleHealth(t *testing.T) {
	f := setupAPI(t)
	rec := f.request(t, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleListStories(t *testing.T) {
	f := setupAPI(t)
	f.seedRun(t, "story1")
	f.seedRun(t, "story2")

	rec := f.request(t, http.MethodGet, "/api/stories")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Errorf("expected 2 stories, got %d", resp.Count)
	}
}

func TestHandleGetStory(t *testing.T) {
	f := setupAPI(t)
	f.seedRun(t, "story1")

	rec := f.request(t, http.MethodGet, "/api/stories/story1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["story_id"] != "story1" {
		t.Errorf("unexpected story_id: %v", resp["story_id"])
	}
	if resp["run"] == nil || resp["document"] == nil {
		t.Errorf("both run and document expected: %v", resp)
	}
}

func TestHandleGetStory_NotFound(t *testing.T) {
	f := setupAPI(t)
	rec := f.request(t, http.MethodGet, "/api/stories/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleDeleteStory(t *testing.T) {
	f := setupAPI(t)
	f.seedRun(t, "story1")

	rec := f.request(t, http.MethodDelete, "/api/stories/story1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	rec = f.request(t, http.MethodDelete, "/api/stories/story1")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestHandleUploadStory(t *testing.T) {
	f := setupAPI(t)

	rec := f.postJSON(t, "/api/stories/upload",
		`{"project_id": "PROJ", "story_id": "story9", "content": "Admins can deactivate accounts."}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		StoryID string `json:"story_id"`
		Origin  string `json:"origin"`
		Pending bool   `json:"pending"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.StoryID != "story9" || resp.Origin != "manual" || !resp.Pending {
		t.Errorf("unexpected response: %+v", resp)
	}

	story, err := f.store.Get("story9")
	if err != nil {
		t.Fatalf("story not indexed: %v", err)
	}
	if story.Origin != "manual" {
		t.Errorf("expected origin manual, got %q", story.Origin)
	}
}

func TestHandleUploadStory_Duplicate(t *testing.T) {
	f := setupAPI(t)
	f.seedRun(t, "story1")

	rec := f.postJSON(t, "/api/stories/upload",
		`{"project_id": "PROJ", "story_id": "story1", "content": "Same story again."}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "duplicate_story" {
		t.Errorf("unexpected error code: %q", resp.Code)
	}
}

func TestHandleUploadStory_MissingFields(t *testing.T) {
	f := setupAPI(t)
	rec := f.postJSON(t, "/api/stories/upload", `{"project_id": "PROJ"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleSearchStories(t *testing.T) {
	f := setupAPI(t)
	f.seedRun(t, "story1")
	err := f.store.Insert(vectorstore.Story{
		ProjectID: "PROJ", StoryID: "story2", Vector: []float32{0.9, 0.1, 0}, Description: "close",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := f.request(t, http.MethodGet, "/api/stories/search?story_id=story1&top_k=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Matches []struct {
			StoryID string  `json:"story_id"`
			Score   float64 `json:"score"`
		} `json:"matches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Matches) != 1 || resp.Matches[0].StoryID != "story2" {
		t.Fatalf("expected story2 as the only match, got %+v", resp.Matches)
	}
	if resp.Matches[0].Score <= 0 {
		t.Errorf("score must be positive for a near-identical vector: %+v", resp.Matches[0])
	}
}

func TestHandleSearchStories_MissingParam(t *testing.T) {
	f := setupAPI(t)
	rec := f.request(t, http.MethodGet, "/api/stories/search")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleSearchStories_UnknownStory(t *testing.T) {
	f := setupAPI(t)
	rec := f.request(t, http.MethodGet, "/api/stories/search?story_id=missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleStoryTestCases(t *testing.T) {
	f := setupAPI(t)
	run := f.seedRun(t, "story1")

	rec := f.request(t, http.MethodGet, "/api/stories/story1/test-cases")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		RunID     string `json:"run_id"`
		TestCases []struct {
			ID string `json:"id"`
		} `json:"test_cases"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID != run.RunID {
		t.Errorf("expected run id %s, got %s", run.RunID, resp.RunID)
	}
	if len(resp.TestCases) != 1 || resp.TestCases[0].ID != "story1-TC-001" {
		t.Errorf("unexpected test cases: %+v", resp.TestCases)
	}
}

func TestHandleStoryTestCases_NotFound(t *testing.T) {
	f := setupAPI(t)
	rec := f.request(t, http.MethodGet, "/api/stories/missing/test-cases")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleStoryImpacts_Empty(t *testing.T) {
	f := setupAPI(t)
	f.seedRun(t, "story1")

	rec := f.request(t, http.MethodGet, "/api/stories/story1/impacts")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		TotalImpacted int           `json:"total_impacted"`
		Impacts       []interface{} `json:"impacts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalImpacted != 0 || len(resp.Impacts) != 0 {
		t.Errorf("expected no impacts: %+v", resp)
	}
}

func TestHandleImpactChain_NotFound(t *testing.T) {
	f := setupAPI(t)
	rec := f.request(t, http.MethodGet, "/api/test-cases/unknown-TC-001/impact-chain")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleTriggerPipeline(t *testing.T) {
	f := setupAPI(t)
	rec := f.request(t, http.MethodPost, "/api/pipeline/trigger")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var report map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report["started_at"] == nil {
		t.Errorf("report must carry timestamps: %v", report)
	}
}

func TestHandleNextRun(t *testing.T) {
	f := setupAPI(t)
	rec := f.request(t, http.MethodGet, "/api/pipeline/next-run")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Running bool      `json:"running"`
		NextRun time.Time `json:"next_run"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Running {
		t.Errorf("no run should be in progress")
	}
	if resp.NextRun.IsZero() {
		t.Errorf("next_run must be set")
	}
}
