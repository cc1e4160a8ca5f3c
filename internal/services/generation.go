package services

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/caseflow/caseflow/internal/database"
	"github.com/caseflow/caseflow/internal/llm"
)

// GenerationReport summarizes one generation pass
type GenerationReport struct {
	Attempted    int      `json:"attempted"`
	Generated    int      `json:"generated"`
	Failed       int      `json:"failed"`
	GeneratedIDs []string `json:"generated_ids,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// GenerationService turns pending stories into test-case runs. A failure for
// one story never aborts the pass; the story simply stays pending and is
// picked up again on the next run.
type GenerationService struct {
	stories     *StoryService
	chat        llm.ChatModel
	validate    *validator.Validate
	maxParallel int
}

// NewGenerationService creates a new generation service
func NewGenerationService(stories *StoryService, chat llm.ChatModel, maxParallel int) *GenerationService {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &GenerationService{
		stories:     stories,
		chat:        chat,
		validate:    validator.New(),
		maxParallel: maxParallel,
	}
}

// GeneratePending generates test cases for every pending story
func (g *GenerationService) GeneratePending() (*GenerationReport, error) {
	pending, err := g.stories.PendingStoryIDs()
	if err != nil {
		return nil, err
	}

	report := &GenerationReport{Attempted: len(pending)}
	if len(pending) == 0 {
		return report, nil
	}
	log.Printf("Generating test cases for %d pending stories", len(pending))

	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(g.maxParallel)

	for _, storyID := range pending {
		storyID := storyID
		group.Go(func() error {
			if err := g.generateOne(storyID); err != nil {
				log.Printf("Generation failed for story %s: %v", storyID, err)
				mu.Lock()
				report.Failed++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", storyID, err))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			report.Generated++
			report.GeneratedIDs = append(report.GeneratedIDs, storyID)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	log.Printf("Generation pass done: %d generated, %d failed", report.Generated, report.Failed)
	return report, nil
}

func (g *GenerationService) generateOne(storyID string) error {
	story, err := g.stories.GetStory(storyID)
	if err != nil {
		return fmt.Errorf("story lookup failed: %w", err)
	}

	text := story.FullText
	if text == "" {
		text = story.Description
	}

	raw, err := g.chat.Complete(generationPrompt(story.StoryID, text))
	if err != nil {
		return fmt.Errorf("completion failed: %w", err)
	}

	cases, err := parseTestCases(raw)
	if err != nil {
		return fmt.Errorf("unparseable model output: %w", err)
	}
	if len(cases) == 0 {
		return fmt.Errorf("model produced no test cases")
	}

	payload := database.TestCasePayload{SchemaVersion: database.PayloadSchemaVersion}
	for i, tc := range cases {
		if err := g.validate.Struct(tc); err != nil {
			return fmt.Errorf("test case %d invalid: %w", i+1, err)
		}
		payload.TestCases = append(payload.TestCases, database.TestCase{
			ID:             fmt.Sprintf("%s-TC-%03d", storyID, i+1),
			Title:          tc.Title,
			Steps:          tc.Steps,
			ExpectedResult: tc.ExpectedResult,
			Priority:       strings.ToLower(tc.Priority),
		})
	}

	inputs := database.JSONB{
		"filename": story.Filename,
		"origin":   story.Origin,
	}
	if _, err := g.stories.UpsertRun(story.ProjectID, storyID, story.Description, payload, inputs); err != nil {
		return err
	}
	return nil
}

// generatedCase is the shape expected from the model, validated before use
type generatedCase struct {
	Title          string   `json:"title" validate:"required"`
	Steps          []string `json:"steps" validate:"required,min=1,dive,required"`
	ExpectedResult string   `json:"expected_result" validate:"required"`
	Priority       string   `json:"priority" validate:"required,oneof=high medium low High Medium Low"`
}

func generationPrompt(storyID, text string) string {
	return fmt.Sprintf(`You are a QA engineer. Generate test cases for the user story below.

Respond with ONLY a JSON object of this exact shape, no prose:
{"test_cases": [{"title": "...", "steps": ["..."], "expected_result": "...", "priority": "high|medium|low"}]}

Story ID: %s
Story:
%s`, storyID, text)
}

// parseTestCases extracts the test-case list from raw model output, tolerating
// markdown code fences and a bare top-level array
func parseTestCases(raw string) ([]generatedCase, error) {
	cleaned := stripCodeFence(raw)

	var wrapped struct {
		TestCases []generatedCase `json:"test_cases"`
	}
	if err := json.Unmarshal([]byte(cleaned), &wrapped); err == nil && len(wrapped.TestCases) > 0 {
		return wrapped.TestCases, nil
	}

	var bare []generatedCase
	if err := json.Unmarshal([]byte(cleaned), &bare); err == nil {
		return bare, nil
	}
	return nil, fmt.Errorf("output is neither a test_cases object nor an array")
}

// stripCodeFence removes a surrounding markdown code fence if present
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
