package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/caseflow/caseflow/internal/database"
	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/vectorstore"
)

// ErrChainViolation is returned when more than one active impact exists for
// the same original test case. The chain invariant allows at most one.
var ErrChainViolation = errors.New("impact chain violation: multiple active impacts for one test case")

const historyActor = "impact-analyzer"

// ImpactReport summarizes one impact-analysis pass
type ImpactReport struct {
	StoriesAnalyzed int      `json:"stories_analyzed"`
	ImpactsCreated  int      `json:"impacts_created"`
	PairsFailed     int      `json:"pairs_failed"`
	Errors          []string `json:"errors,omitempty"`
}

// ImpactService detects how a newly ingested story affects test cases that
// were generated for earlier, semantically similar stories. Each detected
// effect becomes a TestCaseImpact row; repeated effects on the same test case
// form a version chain with exactly one active head.
type ImpactService struct {
	db    *gorm.DB
	store vectorstore.Store
	chat  llm.ChatModel
	topK  int
}

// NewImpactService creates a new impact service
func NewImpactService(db *gorm.DB, store vectorstore.Store, chat llm.ChatModel, topK int) *ImpactService {
	if topK <= 0 {
		topK = 3
	}
	return &ImpactService{db: db, store: store, chat: chat, topK: topK}
}

// AnalyzeStories runs impact analysis for the given newly generated stories.
// A failure on one story/test-case pair is logged and skipped; the rest of
// the pass continues.
func (s *ImpactService) AnalyzeStories(storyIDs []string) (*ImpactReport, error) {
	report := &ImpactReport{}
	for _, id := range storyIDs {
		created, failed, err := s.analyzeStory(id)
		if err != nil {
			log.Printf("Impact analysis failed for story %s: %v", id, err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		report.StoriesAnalyzed++
		report.ImpactsCreated += created
		report.PairsFailed += failed
	}
	if report.StoriesAnalyzed > 0 || len(report.Errors) > 0 {
		log.Printf("Impact pass done: %d stories analyzed, %d impacts created, %d pairs failed",
			report.StoriesAnalyzed, report.ImpactsCreated, report.PairsFailed)
	}
	return report, nil
}

func (s *ImpactService) analyzeStory(newStoryID string) (created, failed int, err error) {
	newStory, err := s.store.Get(newStoryID)
	if err != nil {
		return 0, 0, fmt.Errorf("story lookup failed: %w", err)
	}

	// One extra result because the story matches itself with score 1.0
	results, err := s.store.SearchSimilar(newStory.Vector, s.topK+1)
	if err != nil {
		return 0, 0, fmt.Errorf("similarity search failed: %w", err)
	}

	neighbors := make([]vectorstore.SearchResult, 0, s.topK)
	for _, r := range results {
		if r.Story.StoryID == newStoryID {
			continue
		}
		neighbors = append(neighbors, r)
		if len(neighbors) == s.topK {
			break
		}
	}

	for _, neighbor := range neighbors {
		var run database.TestCaseRun
		lookupErr := s.db.Where("story_id = ? AND generated = ?", neighbor.Story.StoryID, true).
			First(&run).Error
		if lookupErr != nil {
			if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				log.Printf("Run lookup for story %s failed: %v", neighbor.Story.StoryID, lookupErr)
				failed++
			}
			continue
		}

		for _, tc := range run.Payload.TestCases {
			assessment, aerr := s.classify(newStory, &run, tc)
			if aerr != nil {
				log.Printf("Impact classification failed for %s vs %s: %v", newStoryID, tc.ID, aerr)
				failed++
				continue
			}
			if !assessment.Impacted {
				continue
			}
			if _, rerr := s.RecordImpact(newStory, &run, tc, neighbor.Score, assessment); rerr != nil {
				log.Printf("Failed to record impact for %s vs %s: %v", newStoryID, tc.ID, rerr)
				failed++
				continue
			}
			created++
		}
	}
	return created, failed, nil
}

// impactAssessment is the classification the model returns for one pair
type impactAssessment struct {
	Impacted  bool   `json:"impacted"`
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Priority  int    `json:"priority"`
	Reasoning string `json:"reasoning"`
	Suggested string `json:"suggested_change"`
}

func (s *ImpactService) classify(newStory *vectorstore.Story, run *database.TestCaseRun, tc database.TestCase) (*impactAssessment, error) {
	prompt := fmt.Sprintf(`A new requirement arrived. Decide whether it affects the existing test case.

New requirement (story %s):
%s

Existing test case %s (from story %s):
Title: %s
Steps: %s
Expected result: %s

Respond with ONLY JSON:
{"impacted": true|false, "type": "addition|modification|deletion", "severity": "high|medium|low", "priority": 1-5, "reasoning": "...", "suggested_change": "..."}
Set "impacted" to false if the requirement does not change this test case.`,
		newStory.StoryID, newStory.Description,
		tc.ID, run.StoryID, tc.Title, stepsJSON(tc.Steps), tc.ExpectedResult)

	raw, err := s.chat.Complete(prompt)
	if err != nil {
		return nil, err
	}
	var out impactAssessment
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &out); err != nil {
		return nil, fmt.Errorf("unparseable assessment: %w", err)
	}
	if !out.Impacted {
		return &out, nil
	}
	if err := validateAssessment(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func validateAssessment(a *impactAssessment) error {
	switch database.ImpactType(a.Type) {
	case database.ImpactTypeAddition, database.ImpactTypeModification, database.ImpactTypeDeletion:
	default:
		return fmt.Errorf("invalid impact type %q", a.Type)
	}
	switch database.ImpactSeverity(a.Severity) {
	case database.ImpactSeverityHigh, database.ImpactSeverityMedium, database.ImpactSeverityLow:
	default:
		return fmt.Errorf("invalid severity %q", a.Severity)
	}
	if a.Priority < 1 || a.Priority > 5 {
		return fmt.Errorf("priority %d out of range", a.Priority)
	}
	return nil
}

// RecordImpact writes one impact atomically: the previous chain head (if any)
// is deactivated, the new impact becomes the head, both transitions land in
// the history table and the run aggregates are recomputed. Everything happens
// in a single transaction.
func (s *ImpactService) RecordImpact(newStory *vectorstore.Story, run *database.TestCaseRun, tc database.TestCase, score float64, assessment *impactAssessment) (*database.TestCaseImpact, error) {
	var impact database.TestCaseImpact
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var heads []database.TestCaseImpact
		if err := tx.Where("original_test_case_id = ? AND status = ?", tc.ID, database.ImpactStatusActive).
			Find(&heads).Error; err != nil {
			return err
		}
		if len(heads) > 1 {
			return ErrChainViolation
		}

		now := time.Now()
		impact = database.TestCaseImpact{
			ImpactID:           uuid.NewString(),
			ProjectID:          run.ProjectID,
			NewStoryID:         newStory.StoryID,
			OriginalStoryID:    run.StoryID,
			OriginalTestCaseID: tc.ID,
			OriginalRunID:      run.RunID,
			CreatedAt:          now,
			SimilarityScore:    score,
			Status:             database.ImpactStatusActive,
			Type:               database.ImpactType(assessment.Type),
			Severity:           database.ImpactSeverity(assessment.Severity),
			Priority:           assessment.Priority,
			Version:            1,
			Analysis: database.JSONB{
				"reasoning":        assessment.Reasoning,
				"suggested_change": assessment.Suggested,
			},
			Details: database.JSONB{
				"new_story_description": newStory.Description,
			},
		}

		if len(heads) == 1 {
			prev := heads[0]
			if err := tx.Model(&database.TestCaseImpact{}).
				Where("impact_id = ?", prev.ImpactID).
				Update("status", database.ImpactStatusInactive).Error; err != nil {
				return err
			}
			if err := tx.Create(&database.ImpactHistory{
				HistoryID:      uuid.NewString(),
				ImpactID:       prev.ImpactID,
				ChangedAt:      now,
				ChangedBy:      historyActor,
				PreviousStatus: database.ImpactStatusActive,
				NewStatus:      database.ImpactStatusInactive,
				Reason:         fmt.Sprintf("superseded by story %s", newStory.StoryID),
			}).Error; err != nil {
				return err
			}
			impact.PreviousImpactID = &prev.ImpactID
			impact.Version = prev.Version + 1
		}

		impact.ModifiedTestCaseID = fmt.Sprintf("%s-v%d", tc.ID, impact.Version)

		if err := tx.Create(&impact).Error; err != nil {
			return err
		}
		if err := tx.Create(&database.ImpactHistory{
			HistoryID: uuid.NewString(),
			ImpactID:  impact.ImpactID,
			ChangedAt: now,
			ChangedBy: historyActor,
			NewStatus: database.ImpactStatusActive,
			Reason:    fmt.Sprintf("impact detected from story %s", newStory.StoryID),
		}).Error; err != nil {
			return err
		}

		return s.recomputeAggregates(tx, run.RunID, impact.ImpactID, now)
	})
	if err != nil {
		return nil, err
	}
	return &impact, nil
}

// recomputeAggregates refreshes the impact counters on a run. Counts are
// derived from the impact table, never incremented in place.
func (s *ImpactService) recomputeAggregates(tx *gorm.DB, runID, latestImpactID string, now time.Time) error {
	var distinctCases int64
	if err := tx.Model(&database.TestCaseImpact{}).
		Where("original_run_id = ? AND status = ?", runID, database.ImpactStatusActive).
		Distinct("original_test_case_id").
		Count(&distinctCases).Error; err != nil {
		return err
	}
	var activeRows int64
	if err := tx.Model(&database.TestCaseImpact{}).
		Where("original_run_id = ? AND status = ?", runID, database.ImpactStatusActive).
		Count(&activeRows).Error; err != nil {
		return err
	}

	return tx.Model(&database.TestCaseRun{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{
			"total_impacted":     distinctCases,
			"impacted_count":     activeRows,
			"has_impacts":        distinctCases > 0,
			"latest_impact_id":   latestImpactID,
			"last_impact_update": now,
		}).Error
}

// ListImpactsForRun returns all impacts recorded against a run, newest first
func (s *ImpactService) ListImpactsForRun(runID string) ([]database.TestCaseImpact, error) {
	var impacts []database.TestCaseImpact
	err := s.db.Where("original_run_id = ?", runID).
		Order("created_at DESC").Find(&impacts).Error
	return impacts, err
}

// GetImpactChain returns the full version chain for one test case, oldest
// first. Only the last link may be active.
func (s *ImpactService) GetImpactChain(originalTestCaseID string) ([]database.TestCaseImpact, error) {
	var chain []database.TestCaseImpact
	err := s.db.Where("original_test_case_id = ?", originalTestCaseID).
		Order("version ASC").Find(&chain).Error
	return chain, err
}

// GetImpactHistory returns the audit rows for one impact, oldest first
func (s *ImpactService) GetImpactHistory(impactID string) ([]database.ImpactHistory, error) {
	var rows []database.ImpactHistory
	err := s.db.Where("impact_id = ?", impactID).
		Order("changed_at ASC").Find(&rows).Error
	return rows, err
}

func stepsJSON(steps []string) string {
	data, _ := json.Marshal(steps)
	return string(data)
}
