package services

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/caseflow/caseflow/internal/database"
)

func TestPendingStoryIDs(t *testing.T) {
	db := setupTestDB(t)
	store := setupTestStore(t)
	svc := NewStoryService(db, store)

	seedStory(t, store, "PROJ", "story1", []float32{1, 0, 0}, "one")
	seedStory(t, store, "PROJ", "story2", []float32{0, 1, 0}, "two")
	seedStory(t, store, "PROJ", "story3", []float32{0, 0, 1}, "three")

	// story2 is already generated
	if _, err := svc.UpsertRun("PROJ", "story2", "two", singleCasePayload("story2-TC-001"), nil); err != nil {
		t.Fatal(err)
	}

	pending, err := svc.PendingStoryIDs()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sort.Strings(pending)
	if diff := cmp.Diff([]string{"story1", "story3"}, pending); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
}

func TestPendingStoryIDs_EmptyStore(t *testing.T) {
	db := setupTestDB(t)
	store := setupTestStore(t)
	svc := NewStoryService(db, store)

	pending, err := svc.PendingStoryIDs()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending stories, got %v", pending)
	}
}

func TestUpsertRun_PreservesRunIDAndResetsAggregates(t *testing.T) {
	db := setupTestDB(t)
	store := setupTestStore(t)
	svc := NewStoryService(db, store)

	first, err := svc.UpsertRun("PROJ", "story1", "v1", singleCasePayload("story1-TC-001"), nil)
	if err != nil {
		t.Fatalf("initial upsert failed: %v", err)
	}

	// Simulate recorded impacts on the run
	now := time.Now()
	impactID := uuid.NewString()
	err = db.Model(&database.TestCaseRun{}).
		Where("run_id = ?", first.RunID).
		Updates(map[string]interface{}{
			"total_impacted":     2,
			"impacted_count":     2,
			"has_impacts":        true,
			"latest_impact_id":   impactID,
			"last_impact_update": now,
		}).Error
	if err != nil {
		t.Fatal(err)
	}

	payload := database.TestCasePayload{
		SchemaVersion: database.PayloadSchemaVersion,
		TestCases: []database.TestCase{
			{ID: "story1-TC-001", Title: "a", Steps: []string{"x"}, ExpectedResult: "r", Priority: "low"},
			{ID: "story1-TC-002", Title: "b", Steps: []string{"y"}, ExpectedResult: "r", Priority: "low"},
		},
	}
	second, err := svc.UpsertRun("PROJ", "story1", "v2", payload, nil)
	if err != nil {
		t.Fatalf("re-upsert failed: %v", err)
	}

	if second.RunID != first.RunID {
		t.Errorf("run_id must survive re-generation: %s != %s", second.RunID, first.RunID)
	}
	if second.Description != "v2" {
		t.Errorf("description not updated: %s", second.Description)
	}
	if second.TotalTestCases != 2 {
		t.Errorf("expected 2 test cases, got %d", second.TotalTestCases)
	}
	if second.TotalImpacted != 0 || second.ImpactedCount != 0 || second.HasImpacts {
		t.Errorf("impact aggregates must reset on re-generation")
	}
	if second.LatestImpactID != nil || second.LastImpactUpdate != nil {
		t.Errorf("impact pointers must reset on re-generation")
	}

	var count int64
	if err := db.Model(&database.TestCaseRun{}).Where("story_id = ?", "story1").Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected one row per story_id, got %d", count)
	}
}

func TestDeleteRun_CascadesImpactsAndHistory(t *testing.T) {
	db := setupTestDB(t)
	store := setupTestStore(t)
	svc := NewStoryService(db, store)

	run, err := svc.UpsertRun("PROJ", "story1", "one", singleCasePayload("story1-TC-001"), nil)
	if err != nil {
		t.Fatal(err)
	}

	impact := database.TestCaseImpact{
		ImpactID:           uuid.NewString(),
		ProjectID:          "PROJ",
		NewStoryID:         "story2",
		OriginalStoryID:    "story1",
		OriginalTestCaseID: "story1-TC-001",
		ModifiedTestCaseID: "story1-TC-001-v1",
		OriginalRunID:      run.RunID,
		Status:             database.ImpactStatusActive,
		Type:               database.ImpactTypeModification,
		Severity:           database.ImpactSeverityMedium,
		Priority:           2,
	}
	if err := db.Create(&impact).Error; err != nil {
		t.Fatal(err)
	}
	history := database.ImpactHistory{
		HistoryID: uuid.NewString(),
		ImpactID:  impact.ImpactID,
		ChangedAt: time.Now(),
		NewStatus: database.ImpactStatusActive,
	}
	if err := db.Create(&history).Error; err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteRun(run.RunID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	var runs, impacts, histories int64
	db.Model(&database.TestCaseRun{}).Count(&runs)
	db.Model(&database.TestCaseImpact{}).Count(&impacts)
	db.Model(&database.ImpactHistory{}).Count(&histories)
	if runs != 0 || impacts != 0 || histories != 0 {
		t.Errorf("expected full cascade, got runs=%d impacts=%d history=%d", runs, impacts, histories)
	}
}

func TestDeleteRun_NotFound(t *testing.T) {
	db := setupTestDB(t)
	svc := NewStoryService(db, setupTestStore(t))

	err := svc.DeleteRun(uuid.NewString())
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestGetRunByStoryID_NotFound(t *testing.T) {
	db := setupTestDB(t)
	svc := NewStoryService(db, setupTestStore(t))

	_, err := svc.GetRunByStoryID("missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}
