package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an immutable record already exists under the
// same key with different content.
var ErrConflict = errors.New("conflicting immutable record")

// ContentUnit is one analyzable transcript. The pipeline only reads units.
type ContentUnit struct {
	ID              string
	PersonID        string
	Title           string
	Text            string
	AnalysisConsent bool
	ModifiedAt      time.Time
}

// Quote is an extracted quote with an impact score normalized into [0,1].
type Quote struct {
	Text     string  `json:"text"`
	Category string  `json:"category"`
	Theme    string  `json:"theme,omitempty"`
	Impact   float64 `json:"impact"`
	UnitID   string  `json:"unit_id,omitempty"`
}

// UnitAnalysis is the immutable analyzer output for one unit at one fingerprint.
type UnitAnalysis struct {
	UnitID          string             `json:"unit_id"`
	PersonID        string             `json:"person_id"`
	Fingerprint     string             `json:"fingerprint"`
	Model           string             `json:"model"`
	AnalyzerVersion string             `json:"analyzer_version"`
	Revision        int                `json:"revision"`
	Themes          []string           `json:"themes"`
	Quotes          []Quote            `json:"quotes"`
	Quality         map[string]float64 `json:"quality"`
	Summary         string             `json:"summary,omitempty"`
	RequiresReview  bool               `json:"requires_review"`
	DurationMs      int64              `json:"duration_ms"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Level is a rollup hierarchy level.
type Level int

const (
	LevelPerson Level = iota + 1
	LevelGroup
	LevelOrganization
	LevelPlatform
)

// PlatformScopeID is the single scope at LevelPlatform.
const PlatformScopeID = "platform"

// Levels lists the rollup levels bottom-up.
var Levels = []Level{LevelPerson, LevelGroup, LevelOrganization, LevelPlatform}

func (l Level) String() string {
	switch l {
	case LevelPerson:
		return "person"
	case LevelGroup:
		return "group"
	case LevelOrganization:
		return "organization"
	case LevelPlatform:
		return "platform"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps a level name back to a Level.
func ParseLevel(s string) (Level, error) {
	for _, l := range Levels {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// ThemeCount is one row of an aggregated theme frequency table.
type ThemeCount struct {
	Theme string `json:"theme"`
	Count int    `json:"count"`
}

// ScopeAggregate is the rollup output for one (level, scope).
type ScopeAggregate struct {
	Level       Level              `json:"-"`
	ScopeID     string             `json:"scope_id"`
	Themes      []ThemeCount       `json:"themes"`
	Quotes      []Quote            `json:"quotes"`
	Scores      map[string]float64 `json:"scores"`
	ChildCount  int                `json:"child_count"`
	ItemCount   int                `json:"item_count"`
	Version     int                `json:"version"`
	GeneratedAt time.Time          `json:"generated_at"`
	RunID       string             `json:"run_id"`
	Digest      string             `json:"digest"`
}

// Run statuses, in state machine order.
const (
	RunStarted                = "started"
	RunAnalyzingUnits         = "analyzing_units"
	RunRollingUpPersons       = "rolling_up_persons"
	RunRollingUpGroups        = "rolling_up_groups"
	RunRollingUpOrganizations = "rolling_up_organizations"
	RunRollingUpPlatform      = "rolling_up_platform"
	RunCompleted              = "completed"
	RunFailed                 = "failed"
	RunCancelled              = "cancelled"
)

// Stage statuses.
const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageReused    = "reused"
	// StageSkipped marks a platform stage an organization-filtered run
	// could not complete because other organizations have no aggregate yet.
	StageSkipped = "skipped"
)

// PipelineRun is the metadata record of one orchestrator invocation.
type PipelineRun struct {
	ID             string        `json:"id"`
	Status         string        `json:"status"`
	FailedStage    string        `json:"failed_stage,omitempty"`
	Error          string        `json:"error,omitempty"`
	DryRun         bool          `json:"dry_run"`
	OrganizationID string        `json:"organization_id,omitempty"`
	ResumedFrom    string        `json:"resumed_from,omitempty"`
	TriggeredBy    string        `json:"triggered_by"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at,omitzero"`
	UnitsEligible  int           `json:"units_eligible"`
	UnitsAnalyzed  int           `json:"units_analyzed"`
	UnitsCached    int           `json:"units_cached"`
	UnitsSkipped   int           `json:"units_skipped"`
	UnitsFailed    int           `json:"units_failed"`
	Stages         []StageRecord `json:"stages"`
	Failures       []UnitFailure `json:"failures,omitempty"`
}

// StageRecord tracks one stage of a run.
type StageRecord struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Scopes     int       `json:"scopes"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Error      string    `json:"error,omitempty"`
}

// UnitFailure records a unit that failed analysis in a run.
type UnitFailure struct {
	UnitID string `json:"unit_id"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
