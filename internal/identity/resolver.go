// Package identity maps raw events to canonical users through an alias index.
package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Store is the alias index and canonical event sink used by the resolver.
type Store interface {
	// LookupAliases returns the distinct id of every known alias among aliases.
	LookupAliases(ctx context.Context, aliases []string) (map[string]string, error)
	// Apply writes new identities, aliases and canonical events in one
	// transaction. Existing aliases and events are left as they are.
	Apply(ctx context.Context, changes Changes) error
}

// Changes is the write set of one resolved batch.
type Changes struct {
	Identities []models.UserIdentity
	Aliases    []models.AliasBinding
	Events     []models.CanonicalEvent
}

// BatchResult is the outcome of resolving one batch.
type BatchResult struct {
	Events    []models.CanonicalEvent
	Changes   Changes
	Errors    []error
	Conflicts int
}

// DistinctIDs returns the users touched by the batch, sorted.
func (r *BatchResult) DistinctIDs() []string {
	ids := lo.Uniq(lo.Map(r.Events, func(e models.CanonicalEvent, _ int) string {
		return e.DistinctID
	}))
	sort.Strings(ids)
	return ids
}

// Resolver attaches raw events to user identities.
type Resolver struct {
	store     Store
	sentinels map[string]struct{}
	logger    *zap.Logger
	now       func() time.Time
}

// NewResolver creates a resolver. Identifiers whose lower-cased, trimmed
// value is in sentinels never identify a user.
func NewResolver(store Store, sentinels map[string]struct{}, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:     store,
		sentinels: sentinels,
		logger:    logger,
		now:       time.Now,
	}
}

// ResolveBatch resolves events with one alias lookup and commits the
// resulting identities, aliases and canonical events in one transaction.
func (r *Resolver) ResolveBatch(ctx context.Context, events []models.RawEvent) (*BatchResult, error) {
	if len(events) == 0 {
		return &BatchResult{}, nil
	}

	candidates := lo.Uniq(lo.FlatMap(events, func(e models.RawEvent, _ int) []string {
		return r.ValidIdentifiers(e)
	}))

	known, err := r.store.LookupAliases(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to look up aliases: %w", err)
	}

	result := r.Resolve(events, known)

	if err := r.store.Apply(ctx, result.Changes); err != nil {
		return nil, fmt.Errorf("failed to apply identity changes: %w", err)
	}

	return result, nil
}

// Resolve plans a batch against a snapshot of the alias index. Events are
// handled in ingest order so later events see aliases registered by earlier
// ones. known is not modified.
func (r *Resolver) Resolve(events []models.RawEvent, known map[string]string) *BatchResult {
	index := make(map[string]string, len(known))
	for alias, id := range known {
		index[alias] = id
	}

	ordered := make([]models.RawEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	result := &BatchResult{}
	created := make(map[string]int)
	seen := make(map[string]struct{})
	now := r.now().UTC()

	for _, event := range ordered {
		ids := r.ValidIdentifiers(event)
		if len(ids) == 0 {
			result.Errors = append(result.Errors, apperrors.IdentityError(event.EventID, "invalid_identifier"))
			r.logger.Debug("skipping event with only sentinel identifiers",
				zap.String("event_id", event.EventID),
				zap.String("primary_identifier", event.PrimaryIdentifier),
			)
			continue
		}

		// ids[0] is the primary when valid, so the first known id decides ownership.
		owner := ""
		for _, id := range ids {
			if d, ok := index[id]; ok {
				owner = d
				break
			}
		}

		if owner == "" {
			owner = ids[0]
			identity := models.UserIdentity{DistinctID: owner, CreatedAt: now}
			created[owner] = len(result.Changes.Identities)
			result.Changes.Identities = append(result.Changes.Identities, identity)
		}

		conflicted := false
		for _, id := range ids {
			d, ok := index[id]
			switch {
			case !ok:
				index[id] = owner
				result.Changes.Aliases = append(result.Changes.Aliases, models.AliasBinding{Alias: id, DistinctID: owner})
				if pos, isNew := created[owner]; isNew {
					result.Changes.Identities[pos].Aliases = append(result.Changes.Identities[pos].Aliases, id)
				}
			case d != owner:
				conflicted = true
				r.logger.Warn("identity conflict, keeping primary identity",
					zap.String("event_id", event.EventID),
					zap.String("identifier", id),
					zap.String("winner", owner),
					zap.String("loser", d),
				)
			}
		}
		if conflicted {
			result.Conflicts++
		}

		canonical := models.CanonicalEvent{DistinctID: owner, Event: event}
		key := canonical.LogicalKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		result.Events = append(result.Events, canonical)
	}

	result.Changes.Events = result.Events
	return result
}

// ValidIdentifiers returns the event's trimmed non-sentinel identifiers, primary first,
// without duplicates. Aliases are stored under these forms.
func (r *Resolver) ValidIdentifiers(e models.RawEvent) []string {
	out := make([]string, 0, 1+len(e.AlternateIdentifiers))
	for _, raw := range e.Identifiers() {
		id := strings.TrimSpace(raw)
		if r.IsSentinel(id) || lo.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// IsSentinel reports whether id is a placeholder value.
func (r *Resolver) IsSentinel(id string) bool {
	_, ok := r.sentinels[strings.ToLower(strings.TrimSpace(id))]
	return ok || strings.TrimSpace(id) == ""
}
