package services

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/caseflow/caseflow/internal/database"
	"github.com/caseflow/caseflow/internal/vectorstore"
	"github.com/caseflow/caseflow/internal/vectorstore/memory"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	err = db.AutoMigrate(
		&database.TestCaseRun{},
		&database.TestCaseImpact{},
		&database.ImpactHistory{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

func setupTestStore(t *testing.T) *memory.Store {
	store := memory.New()
	if err := store.Init(3); err != nil {
		t.Fatalf("failed to init vector store: %v", err)
	}
	return store
}

// stubChat is a scripted ChatModel for tests
type stubChat struct {
	fn func(prompt string) (string, error)
}

func (s *stubChat) Complete(prompt string) (string, error) {
	return s.fn(prompt)
}

func seedStory(t *testing.T, store *memory.Store, projectID, storyID string, vector []float32, text string) {
	t.Helper()
	err := store.Insert(vectorstore.Story{
		ProjectID:   projectID,
		StoryID:     storyID,
		Vector:      vector,
		Description: text,
		FullText:    text,
		Origin:      "folder",
	})
	if err != nil {
		t.Fatalf("failed to seed story %s: %v", storyID, err)
	}
}

func singleCasePayload(id string) database.TestCasePayload {
	return database.TestCasePayload{
		SchemaVersion: database.PayloadSchemaVersion,
		TestCases: []database.TestCase{
			{
				ID:             id,
				Title:          "Login with valid credentials",
				Steps:          []string{"Open login page", "Enter credentials", "Submit"},
				ExpectedResult: "User is logged in",
				Priority:       "high",
			},
		},
	}
}
