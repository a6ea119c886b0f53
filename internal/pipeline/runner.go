// Package pipeline runs the engine stages end to end under a run lock.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/radiusdt/vector-roas/internal/cohort"
	"github.com/radiusdt/vector-roas/internal/config"
	"github.com/radiusdt/vector-roas/internal/database"
	"github.com/radiusdt/vector-roas/internal/hierarchy"
	"github.com/radiusdt/vector-roas/internal/identity"
	"github.com/radiusdt/vector-roas/internal/lifecycle"
	"github.com/radiusdt/vector-roas/internal/metrics"
	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/radiusdt/vector-roas/internal/rollup"
	"github.com/radiusdt/vector-roas/internal/storage"
	"github.com/radiusdt/vector-roas/internal/valuation"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Config tunes a runner.
type Config struct {
	BatchSize        int
	HierarchyWindow  time.Duration
	RefundWindowDays int
	MinSampleSize    int
	Defaults         *config.DefaultRates
	Retry            *database.RetryConfig
}

// Dependencies holds the collaborators of a runner.
type Dependencies struct {
	Store    storage.Store
	Lock     RunLock
	Resolver *identity.Resolver
	Builder  *lifecycle.Builder
	Exporter rollup.Exporter
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Runner executes pipeline runs.
type Runner struct {
	cfg      Config
	store    storage.Store
	lock     RunLock
	resolver *identity.Resolver
	builder  *lifecycle.Builder
	tables   *cohort.TableBuilder
	machine  *valuation.Machine
	exporter rollup.Exporter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewRunner creates a runner.
func NewRunner(cfg Config, deps Dependencies) *Runner {
	if cfg.Retry == nil {
		cfg.Retry = database.DefaultRetryConfig()
	}
	exporter := deps.Exporter
	if exporter == nil {
		exporter = rollup.NoopExporter{}
	}
	return &Runner{
		cfg:      cfg,
		store:    deps.Store,
		lock:     deps.Lock,
		resolver: deps.Resolver,
		builder:  deps.Builder,
		tables:   cohort.NewTableBuilder(cfg.RefundWindowDays),
		machine:  valuation.NewMachine(cfg.RefundWindowDays),
		exporter: exporter,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// runState is the mutable bookkeeping of one run.
type runState struct {
	run   *models.Run
	asOf  time.Time
	built map[string]struct{}
	edges *hierarchy.Resolver
}

func (s *runState) processed(stage models.Stage, n int) {
	s.run.Summary.Processed[stage] += n
}

func (s *runState) count(kind apperrors.Kind, n int) {
	if n > 0 {
		s.run.Summary.Errors[string(kind)] += n
	}
}

func (s *runState) failures() int {
	n := 0
	for kind, c := range s.run.Summary.Errors {
		if apperrors.Kind(kind).IsFailure() {
			n += c
		}
	}
	return n
}

// Run executes every stage for asOf. A zero asOf evaluates as of the run
// start. It returns apperrors.ErrRunInProgress without a run record when
// another run holds the lock. Structural failures return the finished run
// record along with the error.
func (r *Runner) Run(ctx context.Context, asOf time.Time) (*models.Run, error) {
	lease, err := r.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Error("failed to release run lock", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-lease.Lost():
			cancel(apperrors.ErrLockLost)
		case <-ctx.Done():
		}
	}()

	started := r.now().UTC()
	if asOf.IsZero() {
		asOf = started
	}
	run := models.Run{
		ID:        uuid.New(),
		StartedAt: started,
		AsOf:      models.Day(asOf),
		Status:    models.RunRunning,
		Summary:   models.NewSummary(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	logger := r.logger.With(zap.String("run_id", run.ID.String()), zap.Time("as_of", run.AsOf))
	logger.Info("pipeline run started")

	st := &runState{run: &run, asOf: run.AsOf, built: make(map[string]struct{})}
	runErr := r.execute(ctx, st, logger)
	if runErr != nil && errors.Is(context.Cause(ctx), apperrors.ErrLockLost) {
		runErr = fmt.Errorf("%w: %w", apperrors.ErrLockLost, runErr)
	}

	finished := r.now().UTC()
	run.FinishedAt = &finished
	switch {
	case runErr != nil:
		run.Status = models.RunFailed
		run.Summary.Message = runErr.Error()
	case st.failures() > 0:
		run.Status = models.RunPartial
	default:
		run.Status = models.RunSuccess
	}

	if err := r.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Error("failed to record run status", zap.Error(err))
	}

	r.metrics.RecordRun(string(run.Status), finished.Sub(started), finished)
	for kind, n := range run.Summary.Errors {
		r.metrics.RecordRowErrors(kind, n)
	}

	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Duration("duration", finished.Sub(started)),
		zap.Int("batches", run.Summary.Batches),
		zap.Any("processed", run.Summary.Processed),
		zap.Any("errors", run.Summary.Errors),
	}
	if runErr != nil {
		logger.Error("pipeline run failed", append(fields, zap.Error(runErr))...)
		return &run, runErr
	}
	logger.Info("pipeline run finished", fields...)
	return &run, nil
}

func (r *Runner) execute(ctx context.Context, st *runState, logger *zap.Logger) error {
	stages := []struct {
		stage models.Stage
		fn    func(context.Context, *runState) error
	}{
		{models.StageResolve, r.resolve},
		{models.StageBuild, r.build},
		{models.StageCohorts, r.rebuildCohorts},
		{models.StageEstimate, r.estimate},
		{models.StageValuate, r.valuate},
		{models.StageHierarchy, r.refreshHierarchy},
		{models.StageExport, r.export},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled before %s: %w", s.stage, err)
		}
		start := time.Now()
		if err := s.fn(ctx, st); err != nil {
			return fmt.Errorf("%s stage: %w", s.stage, err)
		}
		r.metrics.RecordStage(string(s.stage), st.run.Summary.Processed[s.stage], time.Since(start))
		logger.Debug("stage finished",
			zap.String("stage", string(s.stage)),
			zap.Int("processed", st.run.Summary.Processed[s.stage]),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return nil
}

// retry runs fn with backoff on transient storage errors.
func (r *Runner) retry(ctx context.Context, fn func() error) error {
	return database.Do(ctx, r.cfg.Retry, fn)
}

func (r *Runner) checkpoint(ctx context.Context, stage models.Stage) (int64, error) {
	return database.DoWithResult(ctx, r.cfg.Retry, func() (int64, error) {
		return r.store.Checkpoint(ctx, stage)
	})
}

func (r *Runner) rawEventsAfter(ctx context.Context, cursor int64) ([]models.RawEvent, error) {
	return database.DoWithResult(ctx, r.cfg.Retry, func() ([]models.RawEvent, error) {
		return r.store.RawEventsAfter(ctx, cursor, r.cfg.BatchSize)
	})
}

// =============================================
// RESOLVE
// =============================================

// resolve attaches raw events after the resolve checkpoint to identities,
// committing the checkpoint after each batch.
func (r *Runner) resolve(ctx context.Context, st *runState) error {
	cursor, err := r.checkpoint(ctx, models.StageResolve)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := r.rawEventsAfter(ctx, cursor)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		var result *identity.BatchResult
		err = r.retry(ctx, func() error {
			var err error
			result, err = r.resolver.ResolveBatch(ctx, events)
			return err
		})
		if err != nil {
			return err
		}

		cursor = events[len(events)-1].Seq
		if err := r.retry(ctx, func() error {
			return r.store.SaveCheckpoint(ctx, models.StageResolve, cursor)
		}); err != nil {
			return err
		}

		r.countErrors(st, result.Errors)
		st.count(apperrors.KindIdentityConflict, result.Conflicts)
		r.metrics.RecordIdentityConflicts(result.Conflicts)
		st.processed(models.StageResolve, len(events))
		st.run.Summary.Batches++
	}
}

// =============================================
// BUILD
// =============================================

// build rebuilds the lifecycles of every user whose events were resolved
// since the build checkpoint.
func (r *Runner) build(ctx context.Context, st *runState) error {
	end, err := r.checkpoint(ctx, models.StageResolve)
	if err != nil {
		return err
	}
	cursor, err := r.checkpoint(ctx, models.StageBuild)
	if err != nil {
		return err
	}

	for cursor < end {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := r.rawEventsAfter(ctx, cursor)
		if err != nil {
			return err
		}
		events = lo.Filter(events, func(e models.RawEvent, _ int) bool { return e.Seq <= end })
		if len(events) == 0 {
			return nil
		}

		identifiers := lo.Uniq(lo.FlatMap(events, func(e models.RawEvent, _ int) []string {
			return r.resolver.ValidIdentifiers(e)
		}))
		owners, err := database.DoWithResult(ctx, r.cfg.Retry, func() (map[string]string, error) {
			return r.store.LookupAliases(ctx, identifiers)
		})
		if err != nil {
			return err
		}

		users := lo.Filter(lo.Uniq(lo.Values(owners)), func(id string, _ int) bool {
			_, done := st.built[id]
			return !done
		})
		sort.Strings(users)

		if err := r.buildUsers(ctx, st, users); err != nil {
			return err
		}

		cursor = events[len(events)-1].Seq
		if err := r.retry(ctx, func() error {
			return r.store.SaveCheckpoint(ctx, models.StageBuild, cursor)
		}); err != nil {
			return err
		}
		st.run.Summary.Batches++
	}
	return nil
}

func (r *Runner) buildUsers(ctx context.Context, st *runState, users []string) error {
	for _, chunk := range lo.Chunk(users, r.cfg.BatchSize) {
		if len(chunk) == 0 {
			continue
		}

		var (
			events   map[string][]models.RawEvent
			existing map[string][]models.Lifecycle
			profiles map[string]models.RawUserProfile
		)
		err := r.retry(ctx, func() error {
			var err error
			if events, err = r.store.EventsFor(ctx, chunk); err != nil {
				return err
			}
			if existing, err = r.store.LifecyclesFor(ctx, chunk); err != nil {
				return err
			}
			profiles, err = r.profilesFor(ctx, chunk)
			return err
		})
		if err != nil {
			return err
		}

		var out []models.Lifecycle
		for _, distinctID := range chunk {
			h := lifecycle.UserHistory{
				DistinctID: distinctID,
				Events:     events[distinctID],
				Existing:   existing[distinctID],
			}
			if p, ok := profiles[distinctID]; ok {
				h.Profile = &p
			}
			res := r.builder.Build(h)
			r.countErrors(st, res.Errors)
			st.count(apperrors.KindUnattributed, res.Unattributed)
			out = append(out, res.Lifecycles...)
			st.built[distinctID] = struct{}{}
		}

		if err := r.retry(ctx, func() error {
			return r.store.SaveLifecycles(ctx, out)
		}); err != nil {
			return err
		}
		st.processed(models.StageBuild, len(chunk))
	}
	return nil
}

// profilesFor picks, per user, the most recently updated profile among
// all of the user's aliases.
func (r *Runner) profilesFor(ctx context.Context, users []string) (map[string]models.RawUserProfile, error) {
	aliases, err := r.store.AliasesOf(ctx, users)
	if err != nil {
		return nil, err
	}
	all := lo.Uniq(append(lo.Flatten(lo.Values(aliases)), users...))
	byIdentifier, err := r.store.ProfilesFor(ctx, all)
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.RawUserProfile, len(users))
	for _, user := range users {
		candidates := append([]string{user}, aliases[user]...)
		for _, id := range candidates {
			p, ok := byIdentifier[id]
			if !ok {
				continue
			}
			best, seen := out[user]
			if !seen || p.UpdatedAt.After(best.UpdatedAt) {
				out[user] = p
			}
		}
	}
	return out, nil
}

// =============================================
// COHORTS, ESTIMATE, VALUATE
// =============================================

// eachPage pages through every lifecycle by id.
func (r *Runner) eachPage(ctx context.Context, fn func([]models.Lifecycle) error) error {
	var after uuid.UUID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := database.DoWithResult(ctx, r.cfg.Retry, func() ([]models.Lifecycle, error) {
			return r.store.LifecyclePage(ctx, after, r.cfg.BatchSize)
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		after = page[len(page)-1].ID
	}
}

// rebuildCohorts recomputes the cohort rate table from completed lifecycles.
// The table depends only on builder output, so reruns reproduce it.
func (r *Runner) rebuildCohorts(ctx context.Context, st *runState) error {
	acc := r.tables.Accumulate(st.asOf)
	err := r.eachPage(ctx, func(page []models.Lifecycle) error {
		for i := range page {
			if acc.Add(&page[i]) {
				st.processed(models.StageCohorts, 1)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	entries := acc.Entries()
	return r.retry(ctx, func() error {
		return r.store.ReplaceCohortEntries(ctx, entries)
	})
}

// estimate assigns rates from the persisted table snapshot to valid lifecycles.
func (r *Runner) estimate(ctx context.Context, st *runState) error {
	entries, err := database.DoWithResult(ctx, r.cfg.Retry, func() ([]cohort.Entry, error) {
		return r.store.CohortEntries(ctx)
	})
	if err != nil {
		return err
	}
	estimator := cohort.NewEstimator(cohort.NewTable(entries), r.cfg.MinSampleSize, r.cfg.Defaults)

	return r.eachPage(ctx, func(page []models.Lifecycle) error {
		var changed []models.Lifecycle
		for _, lc := range page {
			if !lc.Valid {
				continue
			}
			assigned, err := estimator.Assign(&lc)
			if err != nil {
				r.countErrors(st, []error{err})
				continue
			}
			if assigned {
				r.metrics.RecordRateAssignment(lc.Rates.Confidence)
				changed = append(changed, lc)
			}
		}
		st.processed(models.StageEstimate, len(changed))
		return r.save(ctx, changed)
	})
}

// valuate moves every valid lifecycle through the state machine as of the run date.
func (r *Runner) valuate(ctx context.Context, st *runState) error {
	// Every status gets a gauge, even when no lifecycle is in it.
	statuses := make(map[string]int, len(models.AllValueStatuses))
	for _, s := range models.AllValueStatuses {
		statuses[string(s)] = 0
	}
	err := r.eachPage(ctx, func(page []models.Lifecycle) error {
		var changed []models.Lifecycle
		for _, lc := range page {
			if !lc.Valid {
				continue
			}
			if err := r.machine.Apply(&lc, st.asOf); err != nil {
				r.countErrors(st, []error{err})
				continue
			}
			statuses[string(lc.ValueStatus)]++
			changed = append(changed, lc)
		}
		st.processed(models.StageValuate, len(changed))
		return r.save(ctx, changed)
	})
	if err != nil {
		return err
	}
	r.metrics.UpdateLifecycleStatus(statuses)
	return nil
}

func (r *Runner) save(ctx context.Context, lifecycles []models.Lifecycle) error {
	if len(lifecycles) == 0 {
		return nil
	}
	return r.retry(ctx, func() error {
		return r.store.SaveLifecycles(ctx, lifecycles)
	})
}

// =============================================
// HIERARCHY AND EXPORT
// =============================================

func (r *Runner) refreshHierarchy(ctx context.Context, st *runState) error {
	since := st.asOf.Add(-r.cfg.HierarchyWindow)
	records, err := database.DoWithResult(ctx, r.cfg.Retry, func() ([]models.AdPerformanceRecord, error) {
		return r.store.AdPerformanceSince(ctx, since)
	})
	if err != nil {
		return err
	}

	edges := hierarchy.Build(records, since)
	if err := r.retry(ctx, func() error {
		return r.store.UpsertHierarchy(ctx, edges)
	}); err != nil {
		return err
	}

	stored, err := database.DoWithResult(ctx, r.cfg.Retry, func() ([]models.HierarchyEdge, error) {
		return r.store.HierarchyEdges(ctx)
	})
	if err != nil {
		return err
	}
	st.edges = hierarchy.NewResolver(stored)
	st.processed(models.StageHierarchy, len(edges))
	return nil
}

// export publishes valid lifecycles and campaign, ad set and ad rollups.
func (r *Runner) export(ctx context.Context, st *runState) error {
	snap := rollup.NewSnapshot(*st.run)
	levels := []rollup.Level{rollup.LevelCampaign, rollup.LevelAdSet, rollup.LevelAd}
	partial := make(map[rollup.Level][][]rollup.Row, len(levels))

	err := r.eachPage(ctx, func(page []models.Lifecycle) error {
		valid := lo.Filter(page, func(lc models.Lifecycle, _ int) bool { return lc.Valid })
		if len(valid) == 0 {
			return nil
		}
		for _, level := range levels {
			partial[level] = append(partial[level], rollup.Aggregate(valid, st.edges, rollup.Query{Level: level}))
		}
		st.processed(models.StageExport, len(valid))
		return r.retry(ctx, func() error {
			return r.exporter.ExportLifecycles(ctx, snap, valid)
		})
	})
	if err != nil {
		return err
	}

	var rows []rollup.Row
	for _, level := range levels {
		rows = append(rows, rollup.Merge(partial[level]...)...)
	}
	return r.retry(ctx, func() error {
		return r.exporter.ExportRollups(ctx, snap, rows)
	})
}

// countErrors adds row errors to the summary by kind.
func (r *Runner) countErrors(st *runState, errs []error) {
	for _, err := range errs {
		kind, ok := apperrors.KindOf(err)
		if !ok {
			kind = apperrors.KindMalformedEvent
		}
		st.count(kind, 1)
		var rowErr *apperrors.RowError
		if errors.As(err, &rowErr) {
			r.logger.Debug("row error",
				zap.String("kind", string(rowErr.Kind)),
				zap.String("ref", rowErr.Ref),
				zap.String("reason", rowErr.Reason),
			)
		}
	}
}
