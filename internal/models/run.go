package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the outcome of a pipeline run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// Stage names a pipeline stage.
type Stage string

const (
	StageResolve   Stage = "resolve"
	StageBuild     Stage = "build"
	StageCohorts   Stage = "cohorts"
	StageEstimate  Stage = "estimate"
	StageValuate   Stage = "valuate"
	StageHierarchy Stage = "hierarchy"
	StageExport    Stage = "export"
)

// Summary counts processed rows per stage and row errors by kind.
type Summary struct {
	Processed map[Stage]int  `json:"processed"`
	Errors    map[string]int `json:"errors"`
	Batches   int            `json:"batches"`
	Message   string         `json:"message,omitempty"`
}

// NewSummary returns an empty summary.
func NewSummary() Summary {
	return Summary{
		Processed: make(map[Stage]int),
		Errors:    make(map[string]int),
	}
}

// Run is the job-status record of one pipeline execution.
type Run struct {
	ID         uuid.UUID  `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	AsOf       time.Time  `json:"as_of"`
	Status     RunStatus  `json:"status"`
	Summary    Summary    `json:"summary"`
}

// Checkpoint records how far a stage has consumed its input.
type Checkpoint struct {
	Stage     Stage     `json:"stage"`
	Cursor    int64     `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}
