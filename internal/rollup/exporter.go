package rollup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/vector-roas/internal/models"
)

// Snapshot identifies the run an export belongs to. Version orders
// snapshots so newer rows replace older ones.
type Snapshot struct {
	RunID   uuid.UUID
	AsOf    time.Time
	Version uint64
}

// NewSnapshot derives the version from the run start time.
func NewSnapshot(run models.Run) Snapshot {
	return Snapshot{
		RunID:   run.ID,
		AsOf:    run.AsOf,
		Version: uint64(run.StartedAt.UnixNano()),
	}
}

// Exporter publishes lifecycle snapshots and rollups to reporting storage.
type Exporter interface {
	ExportLifecycles(ctx context.Context, snap Snapshot, lifecycles []models.Lifecycle) error
	ExportRollups(ctx context.Context, snap Snapshot, rows []Row) error
}

// NoopExporter discards exports. Used when no reporting store is configured.
type NoopExporter struct{}

func (NoopExporter) ExportLifecycles(context.Context, Snapshot, []models.Lifecycle) error {
	return nil
}

func (NoopExporter) ExportRollups(context.Context, Snapshot, []Row) error {
	return nil
}
