package services

import (
	"errors"
	"strings"
	"testing"
)

const validGenerationOutput = `{"test_cases": [
	{"title": "Login works", "steps": ["open page", "log in"], "expected_result": "logged in", "priority": "high"},
	{"title": "Login fails with bad password", "steps": ["open page", "use wrong password"], "expected_result": "error shown", "priority": "medium"}
]}`

func TestGeneratePending_CreatesRuns(t *testing.T) {
	db := setupTestDB(t)
	store := setupTestStore(t)
	stories := NewStoryService(db, store)

	chat := &stubChat{fn: func(prompt string) (string, error) {
		return validGenerationOutput, nil
	}}
	svc := NewGenerationService(stories, chat, 2)

	seedStory(t, store, "PROJ", "story1", []float32{1, 0, 0}, "Users can log in")

	report, err := svc.GeneratePending()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Attempted != 1 || report.Generated != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	run, err := stories.GetRunByStoryID("story1")
	if err != nil {
		t.Fatalf("run not created: %v", err)
	}
	if !run.Generated {
		t.Errorf("run must be marked generated")
	}
	if run.TotalTestCases != 2 {
		t.Errorf("expected 2 test cases, got %d", run.TotalTestCases)
	}
	if run.Payload.SchemaVersion == 0 {
		t.Errorf("payload must carry a schema version")
	}
	if got := run.Payload.TestCases[0].ID; got != "story1-TC-001" {
		t.Errorf("unexpected test case id: %s", got)
	}

	// The story is no longer pending
	pending, err := stories.PendingStoryIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending stories, got %v", pending)
	}
}

func TestGeneratePending_FailedStoryStaysPending(t *testing.T) {
	db := setupTestDB(t)
	store := setupTestStore(t)
	stories := NewStoryService(db, store)

	chat := &stubChat{fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "story1") {
			return "", errors.New("model unavailable")
		}
		return validGenerationOutput, nil
	}}
	svc := NewGenerationService(stories, chat, 2)

	seedStory(t, store, "PROJ", "story1", []float32{1, 0, 0}, "one")
	seedStory(t, store, "PROJ", "story2", []float32{0, 1, 0}, "two")

	report, err := svc.GeneratePending()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Generated != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	pending, err := stories.PendingStoryIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != "story1" {
		t.Errorf("failed story must stay pending, got %v", pending)
	}
}

func TestGeneratePending_RejectsInvalidTestCases(t *testing.T) {
	db := setupTestDB(t)
	store := setupTestStore(t)
	stories := NewStoryService(db, store)

	// Missing steps and an out-of-range priority
	chat := &stubChat{fn: func(prompt string) (string, error) {
		return `{"test_cases": [{"title": "bad", "steps": [], "expected_result": "", "priority": "urgent"}]}`, nil
	}}
	svc := NewGenerationService(stories, chat, 1)

	seedStory(t, store, "PROJ", "story1", []float32{1, 0, 0}, "one")

	report, err := svc.GeneratePending()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("invalid payload must fail the story: %+v", report)
	}
	if _, err := stories.GetRunByStoryID("story1"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("no run must be written for invalid output")
	}
}

func TestParseTestCases_CodeFence(t *testing.T) {
	raw := "```json\n" + validGenerationOutput + "\n```"
	cases, err := parseTestCases(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cases) != 2 {
		t.Errorf("expected 2 cases, got %d", len(cases))
	}
}

func TestParseTestCases_BareArray(t *testing.T) {
	raw := `[{"title": "t", "steps": ["s"], "expected_result": "r", "priority": "low"}]`
	cases, err := parseTestCases(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cases) != 1 {
		t.Errorf("expected 1 case, got %d", len(cases))
	}
}

func TestParseTestCases_Garbage(t *testing.T) {
	if _, err := parseTestCases("I could not generate test cases, sorry"); err == nil {
		t.Fatal("expected an error for non-JSON output")
	}
}
