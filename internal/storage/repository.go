package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/vector-roas/internal/cohort"
	"github.com/radiusdt/vector-roas/internal/identity"
	"github.com/radiusdt/vector-roas/internal/models"
)

// =============================================
// UPSTREAM SOURCES
// =============================================

// SourceRepo reads the rows written by the ingestion jobs and the ad platform sync.
type SourceRepo interface {
	// RawEventsAfter returns up to limit events with Seq > afterSeq in Seq order.
	RawEventsAfter(ctx context.Context, afterSeq int64, limit int) ([]models.RawEvent, error)
	ProfilesFor(ctx context.Context, identifiers []string) (map[string]models.RawUserProfile, error)
	AdPerformanceSince(ctx context.Context, since time.Time) ([]models.AdPerformanceRecord, error)
}

// =============================================
// IDENTITY AND CANONICAL EVENTS
// =============================================

// IdentityRepo is the alias index.
type IdentityRepo interface {
	identity.Store
	// AliasesOf returns every alias of each distinct id.
	AliasesOf(ctx context.Context, distinctIDs []string) (map[string][]string, error)
}

// EventRepo reads canonical events.
type EventRepo interface {
	// EventsFor returns each user's events ordered by event time then ingest sequence.
	EventsFor(ctx context.Context, distinctIDs []string) (map[string][]models.RawEvent, error)
}

// =============================================
// LIFECYCLES
// =============================================

// LifecycleFilter selects lifecycles for queries.
type LifecycleFilter struct {
	DistinctID string
	ProductID  string
	AdIDs      []string
	From       time.Time // credited on or after, inclusive day
	To         time.Time // credited on or before, inclusive day
	ValidOnly  bool
	Limit      int
}

// LifecycleRepo stores lifecycles. Rows are never deleted.
type LifecycleRepo interface {
	LifecyclesFor(ctx context.Context, distinctIDs []string) (map[string][]models.Lifecycle, error)
	// SaveLifecycles upserts lifecycles in one transaction.
	SaveLifecycles(ctx context.Context, lifecycles []models.Lifecycle) error
	// LifecyclePage returns up to limit lifecycles with id greater than after, ordered by id.
	LifecyclePage(ctx context.Context, after uuid.UUID, limit int) ([]models.Lifecycle, error)
	ListLifecycles(ctx context.Context, filter LifecycleFilter) ([]models.Lifecycle, error)
}

// =============================================
// COHORT RATES AND HIERARCHY
// =============================================

// CohortRepo stores the cohort rate table.
type CohortRepo interface {
	CohortEntries(ctx context.Context) ([]cohort.Entry, error)
	// ReplaceCohortEntries swaps the whole table atomically.
	ReplaceCohortEntries(ctx context.Context, entries []cohort.Entry) error
}

// HierarchyRepo stores resolved ad hierarchy edges.
type HierarchyRepo interface {
	HierarchyEdges(ctx context.Context) ([]models.HierarchyEdge, error)
	// UpsertHierarchy merges edges; an edge replaces the stored parents only
	// when it was seen at least as recently.
	UpsertHierarchy(ctx context.Context, edges []models.HierarchyEdge) error
}

// =============================================
// RUNS
// =============================================

// RunRepo stores job-status records and stage checkpoints.
type RunRepo interface {
	CreateRun(ctx context.Context, run models.Run) error
	FinishRun(ctx context.Context, run models.Run) error
	LatestRun(ctx context.Context) (*models.Run, error)
	Checkpoint(ctx context.Context, stage models.Stage) (int64, error)
	SaveCheckpoint(ctx context.Context, stage models.Stage, cursor int64) error
}

// Store is the engine's complete persistence surface.
type Store interface {
	SourceRepo
	IdentityRepo
	EventRepo
	LifecycleRepo
	CohortRepo
	HierarchyRepo
	RunRepo
	Health(ctx context.Context) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
