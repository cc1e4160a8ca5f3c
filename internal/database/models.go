package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// JSONB is a custom type for JSON columns (jsonb on PostgreSQL, text on SQLite)
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return errors.New("unsupported type for JSONB scan")
	}
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// PayloadSchemaVersion is the current schema version written into new
// test-case payloads. Bump when the TestCase field set changes.
const PayloadSchemaVersion = 1

// TestCase is a single generated test case. The ID is assigned by the
// generator and stays stable across re-generations of the same story.
type TestCase struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Steps          []string `json:"steps"`
	ExpectedResult string   `json:"expected_result"`
	Priority       string   `json:"priority"`
}

// TestCasePayload is the typed test-case collection stored on a run.
// It replaces the schema-less JSON blob the backend used to carry.
type TestCasePayload struct {
	SchemaVersion int        `json:"schema_version"`
	TestCases     []TestCase `json:"test_cases"`
}

// Scan implements the sql.Scanner interface
func (p *TestCasePayload) Scan(value interface{}) error {
	if value == nil {
		*p = TestCasePayload{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return errors.New("unsupported type for TestCasePayload scan")
	}
}

// Value implements the driver.Valuer interface
func (p TestCasePayload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// TestCaseRun is the authoritative record of one generation run for a story.
// There is exactly one row per story_id; re-generation overwrites the payload
// while keeping the run_id.
type TestCaseRun struct {
	RunID            string          `gorm:"primaryKey;size:36" json:"run_id"`
	ProjectID        string          `gorm:"index;size:128" json:"project_id"`
	StoryID          string          `gorm:"uniqueIndex;not null;size:128" json:"story_id"`
	Description      string          `gorm:"type:text" json:"description"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Payload          TestCasePayload `gorm:"type:jsonb" json:"payload"`
	TotalTestCases   int             `json:"total_test_cases"`
	TotalImpacted    int             `gorm:"default:0" json:"total_impacted"`
	ImpactedCount    int             `gorm:"default:0" json:"impacted_count"`
	LastImpactUpdate *time.Time      `json:"last_impact_update,omitempty"`
	Generated        bool            `gorm:"default:false;index" json:"generated"`
	Origin           string          `gorm:"size:32;default:'backend'" json:"origin"`
	Inputs           JSONB           `gorm:"type:jsonb" json:"inputs,omitempty"`
	HasImpacts       bool            `gorm:"default:false" json:"has_impacts"`
	LatestImpactID   *string         `gorm:"size:36" json:"latest_impact_id,omitempty"`
}

// ImpactStatus is the chain status of an impact record
type ImpactStatus string

const (
	ImpactStatusActive   ImpactStatus = "active"
	ImpactStatusInactive ImpactStatus = "inactive"
)

// ImpactType classifies the effect of a new story on a test case
type ImpactType string

const (
	ImpactTypeAddition     ImpactType = "addition"
	ImpactTypeModification ImpactType = "modification"
	ImpactTypeDeletion     ImpactType = "deletion"
)

// ImpactSeverity grades how strongly a test case is affected
type ImpactSeverity string

const (
	ImpactSeverityHigh   ImpactSeverity = "high"
	ImpactSeverityMedium ImpactSeverity = "medium"
	ImpactSeverityLow    ImpactSeverity = "low"
)

// TestCaseImpact records one effect of a new story on one pre-existing test
// case. Impacts for the same test case form an append-only chain linked via
// PreviousImpactID; exactly one link per chain is active at any time, enforced
// by a partial unique index on the active rows.
type TestCaseImpact struct {
	ImpactID           string         `gorm:"primaryKey;size:36" json:"impact_id"`
	ProjectID          string         `gorm:"index;not null;size:128" json:"project_id"`
	NewStoryID         string         `gorm:"index;not null;size:128" json:"new_story_id"`
	OriginalStoryID    string         `gorm:"index;not null;size:128" json:"original_story_id"`
	OriginalTestCaseID string         `gorm:"index;not null;size:128;index:idx_one_active_head,unique,where:status = 'active'" json:"original_test_case_id"`
	ModifiedTestCaseID string         `gorm:"not null;size:128" json:"modified_test_case_id"`
	OriginalRunID      string         `gorm:"index;not null;size:36" json:"original_run_id"`
	CreatedAt          time.Time      `json:"created_at"`
	SimilarityScore    float64        `json:"similarity_score"`
	Analysis           JSONB          `gorm:"type:jsonb" json:"analysis"`
	PreviousImpactID   *string        `gorm:"index;size:36" json:"previous_impact_id,omitempty"`
	Version            int            `gorm:"default:1" json:"version"`
	Status             ImpactStatus   `gorm:"type:varchar(16);default:'active';index" json:"status"`
	Type               ImpactType     `gorm:"type:varchar(16);not null" json:"type"`
	Severity           ImpactSeverity `gorm:"type:varchar(16);not null" json:"severity"`
	Priority           int            `gorm:"not null" json:"priority"`
	Details            JSONB          `gorm:"type:jsonb" json:"details,omitempty"`

	// Relationships: impacts cannot outlive the run they reference
	OriginalRun *TestCaseRun `gorm:"foreignKey:OriginalRunID;references:RunID;constraint:OnDelete:CASCADE" json:"-"`
}

// ImpactHistory is an immutable audit row recording one status transition of
// an impact. Rows are only ever appended, never updated.
type ImpactHistory struct {
	HistoryID      string       `gorm:"primaryKey;size:36" json:"history_id"`
	ImpactID       string       `gorm:"index;not null;size:36" json:"impact_id"`
	ChangedAt      time.Time    `json:"changed_at"`
	ChangedBy      string       `gorm:"size:64" json:"changed_by"`
	PreviousStatus ImpactStatus `gorm:"type:varchar(16)" json:"previous_status"`
	NewStatus      ImpactStatus `gorm:"type:varchar(16)" json:"new_status"`
	Reason         string       `gorm:"type:text" json:"reason"`
}

// APIKeySettings stores the admin credentials hash used by the HTTP API
type APIKeySettings struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	PasswordHash string    `gorm:"type:text" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BeforeCreate hook to stamp CreatedAt on impacts created inside transactions
func (i *TestCaseImpact) BeforeCreate(tx *gorm.DB) error {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	return nil
}

// TableName overrides for explicit table naming
func (TestCaseRun) TableName() string {
	return "test_cases"
}

func (TestCaseImpact) TableName() string {
	return "test_case_impacts"
}

func (ImpactHistory) TableName() string {
	return "impact_history"
}

func (APIKeySettings) TableName() string {
	return "api_key_settings"
}
