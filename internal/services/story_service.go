package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/caseflow/caseflow/internal/database"
	"github.com/caseflow/caseflow/internal/vectorstore"
)

// ErrRunNotFound is returned when no run exists for the requested key
var ErrRunNotFound = errors.New("test case run not found")

// StoryService owns the authoritative test-case runs and their relation to
// the vector store. The vector store is written first during ingestion, so a
// story may exist there before its run row does; those stories are "pending".
type StoryService struct {
	db    *gorm.DB
	store vectorstore.Store
}

// NewStoryService creates a new story service
func NewStoryService(db *gorm.DB, store vectorstore.Store) *StoryService {
	return &StoryService{db: db, store: store}
}

// PendingStoryIDs returns story ids that are indexed in the vector store but
// have no generated run yet. This is the work list of the generation pass;
// stories whose generation failed earlier reappear here and get retried.
func (s *StoryService) PendingStoryIDs() ([]string, error) {
	ids, err := s.store.ListStoryIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to list indexed stories: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var generated []string
	if err := s.db.Model(&database.TestCaseRun{}).
		Where("generated = ?", true).
		Pluck("story_id", &generated).Error; err != nil {
		return nil, fmt.Errorf("failed to list generated runs: %w", err)
	}

	done := make(map[string]bool, len(generated))
	for _, id := range generated {
		done[id] = true
	}

	var pending []string
	for _, id := range ids {
		if !done[id] {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

// UpsertRun writes the generation result for a story. The row is keyed by
// story_id: re-generation overwrites the payload and description but keeps
// the original run_id, and resets the impact aggregates since they refer to
// the replaced test cases.
func (s *StoryService) UpsertRun(projectID, storyID, description string, payload database.TestCasePayload, inputs database.JSONB) (*database.TestCaseRun, error) {
	var run database.TestCaseRun
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing database.TestCaseRun
		err := tx.Where("story_id = ?", storyID).First(&existing).Error
		switch {
		case err == nil:
			run = existing
		case errors.Is(err, gorm.ErrRecordNotFound):
			run = database.TestCaseRun{
				RunID:     uuid.NewString(),
				StoryID:   storyID,
				CreatedAt: time.Now(),
			}
		default:
			return err
		}

		run.ProjectID = projectID
		run.Description = description
		run.Payload = payload
		run.TotalTestCases = len(payload.TestCases)
		run.TotalImpacted = 0
		run.ImpactedCount = 0
		run.HasImpacts = false
		run.LatestImpactID = nil
		run.LastImpactUpdate = nil
		run.Generated = true
		run.Inputs = inputs
		run.UpdatedAt = time.Now()

		return tx.Save(&run).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert run for story %s: %w", storyID, err)
	}
	return &run, nil
}

// GetRun returns a run by run_id
func (s *StoryService) GetRun(runID string) (*database.TestCaseRun, error) {
	var run database.TestCaseRun
	if err := s.db.Where("run_id = ?", runID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

// GetRunByStoryID returns the run for a story
func (s *StoryService) GetRunByStoryID(storyID string) (*database.TestCaseRun, error) {
	var run database.TestCaseRun
	if err := s.db.Where("story_id = ?", storyID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs, optionally filtered by project, newest first
func (s *StoryService) ListRuns(projectID string) ([]database.TestCaseRun, error) {
	var runs []database.TestCaseRun
	query := s.db.Order("created_at DESC")
	if projectID != "" {
		query = query.Where("project_id = ?", projectID)
	}
	if err := query.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// DeleteRun removes a run together with every impact that references it and
// the history of those impacts. The delete is transactional so a failure
// leaves everything in place.
func (s *StoryService) DeleteRun(runID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var run database.TestCaseRun
		if err := tx.Where("run_id = ?", runID).First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRunNotFound
			}
			return err
		}

		var impactIDs []string
		if err := tx.Model(&database.TestCaseImpact{}).
			Where("original_run_id = ?", runID).
			Pluck("impact_id", &impactIDs).Error; err != nil {
			return err
		}
		if len(impactIDs) > 0 {
			if err := tx.Where("impact_id IN ?", impactIDs).
				Delete(&database.ImpactHistory{}).Error; err != nil {
				return err
			}
			if err := tx.Where("original_run_id = ?", runID).
				Delete(&database.TestCaseImpact{}).Error; err != nil {
				return err
			}
		}

		if err := tx.Delete(&run).Error; err != nil {
			return err
		}
		log.Printf("Deleted run %s (story %s) with %d impacts", runID, run.StoryID, len(impactIDs))
		return nil
	})
}

// ListProjects returns the distinct project ids known to the vector store
func (s *StoryService) ListProjects() ([]string, error) {
	return s.store.ListProjects()
}

// GetStory returns the indexed story document for an id
func (s *StoryService) GetStory(storyID string) (*vectorstore.Story, error) {
	return s.store.Get(storyID)
}

// SearchStories embeds nothing; it searches with a caller-provided vector
func (s *StoryService) SearchStories(vector []float32, topK int) ([]vectorstore.SearchResult, error) {
	return s.store.SearchSimilar(vector, topK)
}
