// Package hierarchy maps ads to their ad sets and campaigns using the ad
// platform's own performance records.
package hierarchy

import (
	"sort"
	"time"

	"github.com/radiusdt/vector-roas/internal/models"
)

// Resolver answers parent and descendant queries over resolved edges.
type Resolver struct {
	byAd       map[string]models.HierarchyEdge
	byCampaign map[string][]string
}

// Build groups records per ad id and keeps the parent chain reported on the
// latest date. Records dated before since are ignored; a zero since keeps all.
func Build(records []models.AdPerformanceRecord, since time.Time) []models.HierarchyEdge {
	byAd := make(map[string]*models.HierarchyEdge)

	for _, r := range records {
		if r.AdID == "" || r.AdSetID == "" || r.CampaignID == "" {
			continue
		}
		if !since.IsZero() && r.Date.Before(since) {
			continue
		}
		date := models.Day(r.Date)

		edge, ok := byAd[r.AdID]
		if !ok {
			byAd[r.AdID] = &models.HierarchyEdge{
				AdID:       r.AdID,
				AdSetID:    r.AdSetID,
				CampaignID: r.CampaignID,
				Confidence: 1.0,
				FirstSeen:  date,
				LastSeen:   date,
			}
			continue
		}

		if date.Before(edge.FirstSeen) {
			edge.FirstSeen = date
		}
		// Same-day disagreements resolve to the greatest chain so the result is order independent.
		if date.After(edge.LastSeen) || (date.Equal(edge.LastSeen) && chainAfter(r, edge)) {
			edge.AdSetID = r.AdSetID
			edge.CampaignID = r.CampaignID
		}
		if date.After(edge.LastSeen) {
			edge.LastSeen = date
		}
	}

	edges := make([]models.HierarchyEdge, 0, len(byAd))
	for _, e := range byAd {
		edges = append(edges, *e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].AdID < edges[j].AdID })
	return edges
}

func chainAfter(r models.AdPerformanceRecord, e *models.HierarchyEdge) bool {
	if r.CampaignID != e.CampaignID {
		return r.CampaignID > e.CampaignID
	}
	return r.AdSetID > e.AdSetID
}

// NewResolver indexes edges.
func NewResolver(edges []models.HierarchyEdge) *Resolver {
	r := &Resolver{
		byAd:       make(map[string]models.HierarchyEdge, len(edges)),
		byCampaign: make(map[string][]string),
	}
	for _, e := range edges {
		r.byAd[e.AdID] = e
	}
	for _, e := range r.byAd {
		r.byCampaign[e.CampaignID] = append(r.byCampaign[e.CampaignID], e.AdID)
	}
	for _, ads := range r.byCampaign {
		sort.Strings(ads)
	}
	return r
}

// Parents returns the ad set and campaign of adID.
func (r *Resolver) Parents(adID string) (adSetID, campaignID string, ok bool) {
	e, ok := r.byAd[adID]
	if !ok {
		return "", "", false
	}
	return e.AdSetID, e.CampaignID, true
}

// Descendants returns the ad ids under campaignID, sorted.
func (r *Resolver) Descendants(campaignID string) []string {
	ads := r.byCampaign[campaignID]
	out := make([]string, len(ads))
	copy(out, ads)
	return out
}

// Len returns the number of known ads.
func (r *Resolver) Len() int {
	return len(r.byAd)
}
