// Package memory provides an in-memory vector store using brute-force cosine
// similarity. It backs local runs without a Qdrant instance and all tests.
package memory

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/caseflow/caseflow/internal/vectorstore"
)

// Store is a thread-safe in-memory vectorstore.Store implementation
type Store struct {
	mu        sync.RWMutex
	dimension int
	stories   map[string]vectorstore.Story
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{stories: make(map[string]vectorstore.Story)}
}

// Init sets the expected vector dimension and clears the store
func (s *Store) Init(dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dimension = dimension
	s.stories = make(map[string]vectorstore.Story)
	return nil
}

// Insert adds a story, rejecting duplicate story ids
func (s *Store) Insert(story vectorstore.Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension > 0 && len(story.Vector) != s.dimension {
		return errors.New("vector dimension mismatch")
	}
	if _, ok := s.stories[story.StoryID]; ok {
		return vectorstore.ErrDuplicateStory
	}
	s.stories[story.StoryID] = story
	return nil
}

// Exists reports whether a story_id is indexed
func (s *Store) Exists(storyID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stories[storyID]
	return ok, nil
}

// Get returns a story by id
func (s *Store) Get(storyID string) (*vectorstore.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	story, ok := s.stories[storyID]
	if !ok {
		return nil, vectorstore.ErrStoryNotFound
	}
	return &story, nil
}

// SearchSimilar ranks all stories by cosine similarity to the query vector
func (s *Store) SearchSimilar(vector []float32, topK int) ([]vectorstore.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if topK <= 0 {
		topK = 3
	}
	results := make([]vectorstore.SearchResult, 0, len(s.stories))
	for _, story := range s.stories {
		results = append(results, vectorstore.SearchResult{
			Story: story,
			Score: cosine(story.Vector, vector),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Story.StoryID < results[j].Story.StoryID
	})
	if topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// ListStoryIDs returns every indexed story_id
func (s *Store) ListStoryIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.stories))
	for id := range s.stories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListProjects returns the distinct project ids present in the store
func (s *Store) ListProjects() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var projects []string
	for _, story := range s.stories {
		if _, ok := seen[story.ProjectID]; ok {
			continue
		}
		seen[story.ProjectID] = struct{}{}
		projects = append(projects, story.ProjectID)
	}
	sort.Strings(projects)
	return projects, nil
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
