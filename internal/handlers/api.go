// Package handlers implements the HTTP API of the server.
package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/caseflow/caseflow/internal/api"
	"github.com/caseflow/caseflow/internal/pipeline"
	"github.com/caseflow/caseflow/internal/scheduler"
	"github.com/caseflow/caseflow/internal/services"
	"github.com/caseflow/caseflow/internal/vectorstore"
)

// APIHandler serves the story, impact and pipeline endpoints
type APIHandler struct {
	stories   *services.StoryService
	impacts   *services.ImpactService
	ingestor  *pipeline.Ingestor
	scheduler *scheduler.Scheduler
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(stories *services.StoryService, impacts *services.ImpactService, ingestor *pipeline.Ingestor, sched *scheduler.Scheduler) *APIHandler {
	return &APIHandler{stories: stories, impacts: impacts, ingestor: ingestor, scheduler: sched}
}

// SetupRoutes registers all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/projects", h.handleListProjects)
	mux.HandleFunc("GET /api/stories", h.handleListStories)
	mux.HandleFunc("POST /api/stories/upload", h.handleUploadStory)
	mux.HandleFunc("GET /api/stories/search", h.handleSearchStories)
	mux.HandleFunc("GET /api/stories/{storyID}", h.handleGetStory)
	mux.HandleFunc("GET /api/stories/{storyID}/test-cases", h.handleStoryTestCases)
	mux.HandleFunc("DELETE /api/stories/{storyID}", h.handleDeleteStory)
	mux.HandleFunc("GET /api/stories/{storyID}/impacts", h.handleStoryImpacts)
	mux.HandleFunc("GET /api/test-cases/{testCaseID}/impact-chain", h.handleImpactChain)
	mux.HandleFunc("GET /api/impacts/{impactID}/history", h.handleImpactHistory)
	mux.HandleFunc("POST /api/pipeline/trigger", h.handleTriggerPipeline)
	mux.HandleFunc("GET /api/pipeline/next-run", h.handleNextRun)
}

// handleListProjects handles GET /api/projects
func (h *APIHandler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.stories.ListProjects()
	if err != nil {
		log.Printf("APIHandler: Failed to list projects: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

// handleListStories handles GET /api/stories?project=KEY
func (h *APIHandler) handleListStories(w http.ResponseWriter, r *http.Request) {
	runs, err := h.stories.ListRuns(r.URL.Query().Get("project"))
	if err != nil {
		log.Printf("APIHandler: Failed to list runs: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to list stories")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"stories": runs,
		"count":   len(runs),
	})
}

// handleGetStory handles GET /api/stories/{storyID}. The response combines
// the authoritative run with the indexed document, when both exist.
func (h *APIHandler) handleGetStory(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("storyID")

	run, err := h.stories.GetRunByStoryID(storyID)
	if err != nil && !errors.Is(err, services.ErrRunNotFound) {
		log.Printf("APIHandler: Failed to load run for %s: %v", storyID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load story")
		return
	}

	story, serr := h.stories.GetStory(storyID)
	if serr != nil && !errors.Is(serr, vectorstore.ErrStoryNotFound) {
		log.Printf("APIHandler: Failed to load story document %s: %v", storyID, serr)
	}

	if run == nil && story == nil {
		api.RespondError(w, http.StatusNotFound, "Story not found")
		return
	}

	resp := map[string]interface{}{"story_id": storyID}
	if run != nil {
		resp["run"] = run
	}
	if story != nil {
		resp["document"] = map[string]interface{}{
			"project_id":  story.ProjectID,
			"description": story.Description,
			"filename":    story.Filename,
			"ingested_at": story.IngestedAt,
			"origin":      story.Origin,
		}
		resp["pending"] = run == nil
	}
	api.RespondJSON(w, http.StatusOK, resp)
}

// handleDeleteStory handles DELETE /api/stories/{storyID}
func (h *APIHandler) handleDeleteStory(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("storyID")

	run, err := h.stories.GetRunByStoryID(storyID)
	if err != nil {
		if errors.Is(err, services.ErrRunNotFound) {
			api.RespondError(w, http.StatusNotFound, "Story not found")
			return
		}
		api.RespondError(w, http.StatusInternalServerError, "Failed to load story")
		return
	}

	if err := h.stories.DeleteRun(run.RunID); err != nil {
		log.Printf("APIHandler: Failed to delete run %s: %v", run.RunID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to delete story")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{"deleted": storyID})
}

// UploadStoryRequest is the body of POST /api/stories/upload
type UploadStoryRequest struct {
	ProjectID string `json:"project_id"`
	StoryID   string `json:"story_id"`
	Content   string `json:"content"`
}

// handleUploadStory handles POST /api/stories/upload. The story is indexed
// immediately with origin "manual"; test cases are generated on the next
// pipeline pass.
func (h *APIHandler) handleUploadStory(w http.ResponseWriter, r *http.Request) {
	var req UploadStoryRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProjectID == "" || req.StoryID == "" || req.Content == "" {
		api.RespondError(w, http.StatusBadRequest, "project_id, story_id and content are required")
		return
	}

	story, err := h.ingestor.IngestManual(req.ProjectID, req.StoryID, req.Content)
	if err != nil {
		if errors.Is(err, vectorstore.ErrDuplicateStory) {
			api.RespondErrorWithCode(w, http.StatusConflict, "duplicate_story",
				"A story with this ID already exists")
			return
		}
		log.Printf("APIHandler: Failed to ingest %s: %v", req.StoryID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to ingest story")
		return
	}
	api.RespondJSON(w, http.StatusCreated, map[string]interface{}{
		"story_id":    story.StoryID,
		"project_id":  story.ProjectID,
		"description": story.Description,
		"origin":      story.Origin,
		"pending":     true,
	})
}

// handleSearchStories handles GET /api/stories/search?story_id=X&top_k=N.
// It returns the stories most similar to the given one, excluding itself.
func (h *APIHandler) handleSearchStories(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	if storyID == "" {
		api.RespondError(w, http.StatusBadRequest, "story_id query parameter is required")
		return
	}
	topK := 3
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			topK = n
		}
	}

	story, err := h.stories.GetStory(storyID)
	if err != nil {
		if errors.Is(err, vectorstore.ErrStoryNotFound) {
			api.RespondError(w, http.StatusNotFound, "Story not found")
			return
		}
		log.Printf("APIHandler: Failed to load story %s: %v", storyID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load story")
		return
	}

	results, err := h.stories.SearchStories(story.Vector, topK+1)
	if err != nil {
		log.Printf("APIHandler: Search failed for %s: %v", storyID, err)
		api.RespondError(w, http.StatusInternalServerError, "Search failed")
		return
	}

	type match struct {
		StoryID     string  `json:"story_id"`
		ProjectID   string  `json:"project_id"`
		Description string  `json:"description"`
		Score       float64 `json:"score"`
	}
	matches := make([]match, 0, topK)
	for _, res := range results {
		if res.Story.StoryID == storyID {
			continue
		}
		matches = append(matches, match{
			StoryID:     res.Story.StoryID,
			ProjectID:   res.Story.ProjectID,
			Description: res.Story.Description,
			Score:       res.Score,
		})
		if len(matches) == topK {
			break
		}
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"story_id": storyID,
		"matches":  matches,
	})
}

// handleStoryTestCases handles GET /api/stories/{storyID}/test-cases
func (h *APIHandler) handleStoryTestCases(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("storyID")

	run, err := h.stories.GetRunByStoryID(storyID)
	if err != nil {
		if errors.Is(err, services.ErrRunNotFound) {
			api.RespondError(w, http.StatusNotFound, "Story not found")
			return
		}
		api.RespondError(w, http.StatusInternalServerError, "Failed to load story")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"story_id":       storyID,
		"run_id":         run.RunID,
		"schema_version": run.Payload.SchemaVersion,
		"test_cases":     run.Payload.TestCases,
	})
}

// handleStoryImpacts handles GET /api/stories/{storyID}/impacts
func (h *APIHandler) handleStoryImpacts(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("storyID")

	run, err := h.stories.GetRunByStoryID(storyID)
	if err != nil {
		if errors.Is(err, services.ErrRunNotFound) {
			api.RespondError(w, http.StatusNotFound, "Story not found")
			return
		}
		api.RespondError(w, http.StatusInternalServerError, "Failed to load story")
		return
	}

	impacts, err := h.impacts.ListImpactsForRun(run.RunID)
	if err != nil {
		log.Printf("APIHandler: Failed to list impacts for %s: %v", run.RunID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to list impacts")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"story_id":       storyID,
		"run_id":         run.RunID,
		"total_impacted": run.TotalImpacted,
		"impacts":        impacts,
	})
}

// handleImpactChain handles GET /api/test-cases/{testCaseID}/impact-chain
func (h *APIHandler) handleImpactChain(w http.ResponseWriter, r *http.Request) {
	testCaseID := r.PathValue("testCaseID")

	chain, err := h.impacts.GetImpactChain(testCaseID)
	if err != nil {
		log.Printf("APIHandler: Failed to load impact chain for %s: %v", testCaseID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load impact chain")
		return
	}
	if len(chain) == 0 {
		api.RespondError(w, http.StatusNotFound, "No impacts recorded for this test case")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"test_case_id": testCaseID,
		"chain":        chain,
	})
}

// handleImpactHistory handles GET /api/impacts/{impactID}/history
func (h *APIHandler) handleImpactHistory(w http.ResponseWriter, r *http.Request) {
	impactID := r.PathValue("impactID")

	history, err := h.impacts.GetImpactHistory(impactID)
	if err != nil {
		log.Printf("APIHandler: Failed to load history for %s: %v", impactID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load impact history")
		return
	}
	if len(history) == 0 {
		api.RespondError(w, http.StatusNotFound, "Impact not found")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"impact_id": impactID,
		"history":   history,
	})
}

// handleTriggerPipeline handles POST /api/pipeline/trigger. The run executes
// synchronously; a second trigger while one is running gets a 409.
func (h *APIHandler) handleTriggerPipeline(w http.ResponseWriter, r *http.Request) {
	report, err := h.scheduler.Run()
	if err != nil {
		if errors.Is(err, scheduler.ErrRunInProgress) {
			api.RespondErrorWithCode(w, http.StatusConflict, "run_in_progress", "A pipeline run is already in progress")
			return
		}
		log.Printf("APIHandler: Pipeline run failed: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Pipeline run failed")
		return
	}
	api.RespondJSON(w, http.StatusOK, report)
}

// handleNextRun handles GET /api/pipeline/next-run
func (h *APIHandler) handleNextRun(w http.ResponseWriter, r *http.Request) {
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"running":  h.scheduler.Running(),
		"next_run": h.scheduler.NextRun(time.Now()),
	})
}
