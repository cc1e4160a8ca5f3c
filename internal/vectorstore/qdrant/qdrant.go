// Package qdrant implements the story vector store over Qdrant's REST API.
// It assumes cosine distance and creates the collection if missing.
package qdrant

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/caseflow/caseflow/internal/vectorstore"
)

// Store is a minimal REST client to Qdrant
type Store struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
}

// Config contains connection details for a Qdrant instance
type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// New creates a Qdrant-backed store
func New(cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Store{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}
}

// Init creates the collection if it does not exist
func (s *Store) Init(dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	s.dimension = dimension
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	// Qdrant returns 200 OK if the collection already exists with the same schema
	return s.putJSON(fmt.Sprintf("%s/collections/%s", s.url, s.collection), body)
}

// Insert adds a new story point. The duplicate check runs first so an
// existing story_id is never overwritten by the upsert below.
func (s *Store) Insert(story vectorstore.Story) error {
	exists, err := s.Exists(story.StoryID)
	if err != nil {
		return err
	}
	if exists {
		return vectorstore.ErrDuplicateStory
	}
	point := map[string]any{
		"id":      pointID(story.StoryID),
		"vector":  story.Vector,
		"payload": payloadFromStory(story),
	}
	body := map[string]any{"points": []map[string]any{point}}
	return s.putJSON(fmt.Sprintf("%s/collections/%s/points?wait=true", s.url, s.collection), body)
}

// Exists reports whether a story_id is already indexed
func (s *Store) Exists(storyID string) (bool, error) {
	stories, _, err := s.scroll(storyFilter(storyID), 1, nil)
	if err != nil {
		return false, err
	}
	return len(stories) > 0, nil
}

// Get returns a story by id
func (s *Store) Get(storyID string) (*vectorstore.Story, error) {
	stories, _, err := s.scroll(storyFilter(storyID), 1, nil)
	if err != nil {
		return nil, err
	}
	if len(stories) == 0 {
		return nil, vectorstore.ErrStoryNotFound
	}
	return &stories[0], nil
}

// SearchSimilar returns the top-K stories ranked by cosine similarity
func (s *Store) SearchSimilar(vector []float32, topK int) ([]vectorstore.SearchResult, error) {
	if topK <= 0 {
		topK = 3
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"with_vector":  true,
	}
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Vector  []float32      `json:"vector"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.postJSON(fmt.Sprintf("%s/collections/%s/points/search", s.url, s.collection), req, &resp); err != nil {
		return nil, err
	}
	results := make([]vectorstore.SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		story := storyFromPayload(r.Payload)
		story.Vector = r.Vector
		results = append(results, vectorstore.SearchResult{Story: story, Score: r.Score})
	}
	return results, nil
}

// ListStoryIDs pages through the whole collection and collects story ids
func (s *Store) ListStoryIDs() ([]string, error) {
	var ids []string
	var offset any
	for {
		stories, next, err := s.scroll(nil, 256, offset)
		if err != nil {
			return nil, err
		}
		for _, story := range stories {
			ids = append(ids, story.StoryID)
		}
		if next == nil {
			return ids, nil
		}
		offset = next
	}
}

// ListProjects returns the distinct project ids present in the store
func (s *Store) ListProjects() ([]string, error) {
	seen := make(map[string]struct{})
	var projects []string
	var offset any
	for {
		stories, next, err := s.scroll(nil, 256, offset)
		if err != nil {
			return nil, err
		}
		for _, story := range stories {
			if _, ok := seen[story.ProjectID]; ok {
				continue
			}
			seen[story.ProjectID] = struct{}{}
			projects = append(projects, story.ProjectID)
		}
		if next == nil {
			return projects, nil
		}
		offset = next
	}
}

// pointID derives a deterministic UUID from the story id; Qdrant point ids
// must be UUIDs or unsigned integers.
func pointID(storyID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(storyID)).String()
}

func storyFilter(storyID string) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{"key": "story_id", "match": map[string]any{"value": storyID}},
		},
	}
}

func (s *Store) scroll(filter map[string]any, limit int, offset any) ([]vectorstore.Story, any, error) {
	req := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  true,
	}
	if filter != nil {
		req["filter"] = filter
	}
	if offset != nil {
		req["offset"] = offset
	}
	var resp struct {
		Result struct {
			Points []struct {
				Vector  []float32      `json:"vector"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
			NextPageOffset any `json:"next_page_offset"`
		} `json:"result"`
	}
	if err := s.postJSON(fmt.Sprintf("%s/collections/%s/points/scroll", s.url, s.collection), req, &resp); err != nil {
		return nil, nil, err
	}
	stories := make([]vectorstore.Story, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		story := storyFromPayload(p.Payload)
		story.Vector = p.Vector
		stories = append(stories, story)
	}
	return stories, resp.Result.NextPageOffset, nil
}

func payloadFromStory(story vectorstore.Story) map[string]any {
	return map[string]any{
		"project_id":        story.ProjectID,
		"story_id":          story.StoryID,
		"description":       story.Description,
		"test_case_content": story.TestCaseContent,
		"filename":          story.Filename,
		"source_path":       story.SourcePath,
		"full_text":         story.FullText,
		"ingested_at":       story.IngestedAt.Format(time.RFC3339Nano),
		"origin":            story.Origin,
	}
}

func storyFromPayload(payload map[string]any) vectorstore.Story {
	story := vectorstore.Story{}
	str := func(key string) string {
		if v, ok := payload[key].(string); ok {
			return v
		}
		return ""
	}
	story.ProjectID = str("project_id")
	story.StoryID = str("story_id")
	story.Description = str("description")
	story.TestCaseContent = str("test_case_content")
	story.Filename = str("filename")
	story.SourcePath = str("source_path")
	story.FullText = str("full_text")
	story.Origin = str("origin")
	if ts, err := time.Parse(time.RFC3339Nano, str("ingested_at")); err == nil {
		story.IngestedAt = ts
	}
	return story
}

func (s *Store) putJSON(url string, body any) error {
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant PUT %s failed: %s", url, resp.Status)
	}
	return nil
}

func (s *Store) postJSON(url string, body any, out any) error {
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant POST %s failed: %s", url, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
