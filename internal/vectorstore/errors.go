package vectorstore

import "errors"

var (
	// ErrDuplicateStory is returned when inserting a story_id that is
	// already indexed. Duplicate ids are a hard skip, not an update.
	ErrDuplicateStory = errors.New("story id already exists")

	// ErrStoryNotFound is returned by Get for unknown story ids
	ErrStoryNotFound = errors.New("story not found")
)
