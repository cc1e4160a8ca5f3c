// Package vectorstore defines the story vector store consumed by the
// ingestion pipeline and the impact analyzer. Stories are keyed by story_id,
// which is globally unique across projects; re-inserting an existing id is
// rejected, never overwritten.
package vectorstore

import "time"

// Story is one embedded requirement document
type Story struct {
	ProjectID       string    `json:"project_id"`
	StoryID         string    `json:"story_id"`
	Vector          []float32 `json:"vector"`
	Description     string    `json:"description"`
	TestCaseContent string    `json:"test_case_content"`
	Filename        string    `json:"filename"`
	SourcePath      string    `json:"source_path"`
	FullText        string    `json:"full_text"`
	IngestedAt      time.Time `json:"ingested_at"`
	Origin          string    `json:"origin"`
}

// SearchResult pairs a story with its cosine similarity to the query vector
type SearchResult struct {
	Story Story   `json:"story"`
	Score float64 `json:"score"`
}

// Store is the vector store contract. Implementations must enforce the
// unique-story_id invariant on Insert.
type Store interface {
	// Init prepares the store for vectors of the given dimension
	Init(dimension int) error

	// Insert adds a new story. Returns ErrDuplicateStory if the story_id
	// already exists.
	Insert(story Story) error

	// Exists reports whether a story_id is already indexed
	Exists(storyID string) (bool, error)

	// Get returns a story by id, or ErrStoryNotFound
	Get(storyID string) (*Story, error)

	// SearchSimilar returns the top-K stories ranked by cosine similarity
	SearchSimilar(vector []float32, topK int) ([]SearchResult, error)

	// ListStoryIDs returns every indexed story_id
	ListStoryIDs() ([]string, error)

	// ListProjects returns the distinct project ids present in the store
	ListProjects() ([]string, error)
}
