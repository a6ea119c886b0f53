package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/radiusdt/vector-roas/internal/cohort"
	"github.com/radiusdt/vector-roas/internal/identity"
	"github.com/radiusdt/vector-roas/internal/models"
)

// MemoryStore implements Store in memory. It backs tests and single-process
// runs without PostgreSQL.
type MemoryStore struct {
	mu sync.RWMutex

	rawEvents     []models.RawEvent
	nextSeq       int64
	profiles      map[string]models.RawUserProfile
	adPerformance map[string]models.AdPerformanceRecord

	identities map[string]models.UserIdentity
	aliases    map[string]string
	events     map[string]map[string]models.RawEvent

	lifecycles  map[uuid.UUID]models.Lifecycle
	cohort      []cohort.Entry
	edges       map[string]models.HierarchyEdge
	runs        []models.Run
	checkpoints map[models.Stage]int64

	failures map[string]error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:      make(map[string]models.RawUserProfile),
		adPerformance: make(map[string]models.AdPerformanceRecord),
		identities:    make(map[string]models.UserIdentity),
		aliases:       make(map[string]string),
		events:        make(map[string]map[string]models.RawEvent),
		lifecycles:    make(map[uuid.UUID]models.Lifecycle),
		edges:         make(map[string]models.HierarchyEdge),
		checkpoints:   make(map[models.Stage]int64),
		failures:      make(map[string]error),
	}
}

// FailOn makes the named operation return err until cleared with a nil err.
func (m *MemoryStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MemoryStore) fail(op string) error {
	return m.failures[op]
}

// =============================================
// INGESTION
// =============================================

// AppendRawEvents stores events and assigns their ingest sequence.
func (m *MemoryStore) AppendRawEvents(_ context.Context, events []models.RawEvent) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seqs := make([]int64, 0, len(events))
	for _, e := range events {
		m.nextSeq++
		e.Seq = m.nextSeq
		e.AlternateIdentifiers = append([]string(nil), e.AlternateIdentifiers...)
		m.rawEvents = append(m.rawEvents, e)
		seqs = append(seqs, e.Seq)
	}
	return seqs, nil
}

// UpsertProfiles stores profiles keyed by identifier.
func (m *MemoryStore) UpsertProfiles(_ context.Context, profiles []models.RawUserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range profiles {
		m.profiles[p.Identifier] = p
	}
	return nil
}

// AddAdPerformance stores ad platform records.
func (m *MemoryStore) AddAdPerformance(_ context.Context, records []models.AdPerformanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		r.Date = models.Day(r.Date)
		key := r.AdID + "\x00" + r.AdSetID + "\x00" + r.CampaignID + "\x00" + r.Date.Format(time.DateOnly)
		m.adPerformance[key] = r
	}
	return nil
}

// =============================================
// SourceRepo
// =============================================

func (m *MemoryStore) RawEventsAfter(_ context.Context, afterSeq int64, limit int) ([]models.RawEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("RawEventsAfter"); err != nil {
		return nil, err
	}
	idx := sort.Search(len(m.rawEvents), func(i int) bool { return m.rawEvents[i].Seq > afterSeq })
	end := min(idx+limit, len(m.rawEvents))
	out := make([]models.RawEvent, end-idx)
	copy(out, m.rawEvents[idx:end])
	return out, nil
}

func (m *MemoryStore) ProfilesFor(_ context.Context, identifiers []string) (map[string]models.RawUserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.RawUserProfile)
	for _, id := range identifiers {
		if p, ok := m.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *MemoryStore) AdPerformanceSince(_ context.Context, since time.Time) ([]models.AdPerformanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("AdPerformanceSince"); err != nil {
		return nil, err
	}
	out := make([]models.AdPerformanceRecord, 0, len(m.adPerformance))
	for _, r := range m.adPerformance {
		if since.IsZero() || !r.Date.Before(models.Day(since)) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].AdID < out[j].AdID
	})
	return out, nil
}

// =============================================
// IdentityRepo
// =============================================

func (m *MemoryStore) LookupAliases(_ context.Context, aliases []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("LookupAliases"); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, a := range aliases {
		if d, ok := m.aliases[a]; ok {
			out[a] = d
		}
	}
	return out, nil
}

func (m *MemoryStore) Apply(_ context.Context, c identity.Changes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Apply"); err != nil {
		return err
	}

	for _, id := range c.Identities {
		if _, ok := m.identities[id.DistinctID]; !ok {
			id.Aliases = nil
			m.identities[id.DistinctID] = id
		}
	}
	for _, a := range c.Aliases {
		if _, ok := m.aliases[a.Alias]; ok {
			continue
		}
		m.aliases[a.Alias] = a.DistinctID
		id := m.identities[a.DistinctID]
		id.DistinctID = a.DistinctID
		id.Aliases = append(id.Aliases, a.Alias)
		m.identities[a.DistinctID] = id
	}
	for _, e := range c.Events {
		userEvents, ok := m.events[e.DistinctID]
		if !ok {
			userEvents = make(map[string]models.RawEvent)
			m.events[e.DistinctID] = userEvents
		}
		key := e.LogicalKey()
		if _, dup := userEvents[key]; !dup {
			userEvents[key] = e.Event
		}
	}
	return nil
}

func (m *MemoryStore) AliasesOf(_ context.Context, distinctIDs []string) (map[string][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]string)
	for _, d := range distinctIDs {
		if id, ok := m.identities[d]; ok {
			aliases := append([]string(nil), id.Aliases...)
			sort.Strings(aliases)
			out[d] = aliases
		}
	}
	return out, nil
}

// Identity returns a stored identity.
func (m *MemoryStore) Identity(distinctID string) (models.UserIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[distinctID]
	return id, ok
}

// =============================================
// EventRepo
// =============================================

func (m *MemoryStore) EventsFor(_ context.Context, distinctIDs []string) (map[string][]models.RawEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]models.RawEvent)
	for _, d := range distinctIDs {
		userEvents := m.events[d]
		if len(userEvents) == 0 {
			continue
		}
		list := make([]models.RawEvent, 0, len(userEvents))
		for _, e := range userEvents {
			list = append(list, e)
		}
		sort.Slice(list, func(i, j int) bool {
			if !list[i].EventTime.Equal(list[j].EventTime) {
				return list[i].EventTime.Before(list[j].EventTime)
			}
			return list[i].Seq < list[j].Seq
		})
		out[d] = list
	}
	return out, nil
}

// =============================================
// LifecycleRepo
// =============================================

func (m *MemoryStore) LifecyclesFor(_ context.Context, distinctIDs []string) (map[string][]models.Lifecycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[string]struct{}, len(distinctIDs))
	for _, d := range distinctIDs {
		wanted[d] = struct{}{}
	}
	out := make(map[string][]models.Lifecycle)
	for _, lc := range m.lifecycles {
		if _, ok := wanted[lc.DistinctID]; ok {
			out[lc.DistinctID] = append(out[lc.DistinctID], cloneLifecycle(lc))
		}
	}
	for d := range out {
		sortByProduct(out[d])
	}
	return out, nil
}

func (m *MemoryStore) SaveLifecycles(_ context.Context, lifecycles []models.Lifecycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveLifecycles"); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, lc := range lifecycles {
		lc = cloneLifecycle(lc)
		lc.UpdatedAt = now
		m.lifecycles[lc.ID] = lc
	}
	return nil
}

func (m *MemoryStore) LifecyclePage(_ context.Context, after uuid.UUID, limit int) ([]models.Lifecycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("LifecyclePage"); err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(m.lifecycles))
	for id := range m.lifecycles {
		if bytes.Compare(id[:], after[:]) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]models.Lifecycle, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneLifecycle(m.lifecycles[id]))
	}
	return out, nil
}

func (m *MemoryStore) ListLifecycles(_ context.Context, f LifecycleFilter) ([]models.Lifecycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ads := make(map[string]struct{}, len(f.AdIDs))
	for _, a := range f.AdIDs {
		ads[a] = struct{}{}
	}

	var out []models.Lifecycle
	for _, lc := range m.lifecycles {
		if !matchesFilter(lc, f, ads) {
			continue
		}
		out = append(out, cloneLifecycle(lc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistinctID != out[j].DistinctID {
			return out[i].DistinctID < out[j].DistinctID
		}
		return out[i].ProductID < out[j].ProductID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchesFilter(lc models.Lifecycle, f LifecycleFilter, ads map[string]struct{}) bool {
	if f.DistinctID != "" && lc.DistinctID != f.DistinctID {
		return false
	}
	if f.ProductID != "" && lc.ProductID != f.ProductID {
		return false
	}
	if f.ValidOnly && !lc.Valid {
		return false
	}
	if f.AdIDs != nil {
		if _, ok := ads[lc.AdID]; !ok {
			return false
		}
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		credited, ok := lc.CreditedDate()
		if !ok {
			return false
		}
		if !f.From.IsZero() && credited.Before(models.Day(f.From)) {
			return false
		}
		if !f.To.IsZero() && credited.After(models.Day(f.To)) {
			return false
		}
	}
	return true
}

// =============================================
// CohortRepo
// =============================================

func (m *MemoryStore) CohortEntries(_ context.Context) ([]cohort.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("CohortEntries"); err != nil {
		return nil, err
	}
	return append([]cohort.Entry(nil), m.cohort...), nil
}

func (m *MemoryStore) ReplaceCohortEntries(_ context.Context, entries []cohort.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cohort = append([]cohort.Entry(nil), entries...)
	return nil
}

// =============================================
// HierarchyRepo
// =============================================

func (m *MemoryStore) HierarchyEdges(_ context.Context) ([]models.HierarchyEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.HierarchyEdge, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdID < out[j].AdID })
	return out, nil
}

func (m *MemoryStore) UpsertHierarchy(_ context.Context, edges []models.HierarchyEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range edges {
		m.edges[e.AdID] = mergeEdge(m.edges[e.AdID], e)
	}
	return nil
}

// mergeEdge combines a stored edge with a newly built one.
func mergeEdge(stored, next models.HierarchyEdge) models.HierarchyEdge {
	if stored.AdID == "" {
		return next
	}
	merged := stored
	if next.FirstSeen.Before(merged.FirstSeen) {
		merged.FirstSeen = next.FirstSeen
	}
	if !next.LastSeen.Before(stored.LastSeen) {
		merged.AdSetID = next.AdSetID
		merged.CampaignID = next.CampaignID
		merged.Confidence = next.Confidence
		merged.LastSeen = next.LastSeen
	}
	return merged
}

// =============================================
// RunRepo
// =============================================

func (m *MemoryStore) CreateRun(_ context.Context, run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateRun"); err != nil {
		return err
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *MemoryStore) FinishRun(_ context.Context, run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (m *MemoryStore) LatestRun(_ context.Context) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.runs) == 0 {
		return nil, apperrors.ErrNotFound
	}
	run := m.runs[len(m.runs)-1]
	return &run, nil
}

func (m *MemoryStore) Checkpoint(_ context.Context, stage models.Stage) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoints[stage], nil
}

func (m *MemoryStore) SaveCheckpoint(_ context.Context, stage models.Stage, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveCheckpoint"); err != nil {
		return err
	}
	m.checkpoints[stage] = cursor
	return nil
}

// Health fails only when a failure is injected for it.
func (m *MemoryStore) Health(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fail("Health")
}

func cloneLifecycle(lc models.Lifecycle) models.Lifecycle {
	if lc.CreditedAt != nil {
		t := *lc.CreditedAt
		lc.CreditedAt = &t
	}
	if lc.RejectedStarterAt != nil {
		t := *lc.RejectedStarterAt
		lc.RejectedStarterAt = &t
	}
	lc.RevenueEvents = append([]models.RevenueEntry(nil), lc.RevenueEvents...)
	return lc
}

func sortByProduct(lcs []models.Lifecycle) {
	sort.Slice(lcs, func(i, j int) bool { return lcs[i].ProductID < lcs[j].ProductID })
}
