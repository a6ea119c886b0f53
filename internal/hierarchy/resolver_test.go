package hierarchy

import (
	"testing"
	"time"

	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(day int) time.Time {
	return time.Date(2024, 4, day, 0, 0, 0, 0, time.UTC)
}

func TestBuild(t *testing.T) {
	records := []models.AdPerformanceRecord{
		{AdID: "ad-1", AdSetID: "set-1", CampaignID: "camp-1", Date: date(3)},
		{AdID: "ad-1", AdSetID: "set-1", CampaignID: "camp-1", Date: date(1)},
		{AdID: "ad-2", AdSetID: "set-1", CampaignID: "camp-1", Date: date(2)},
		// ad-3 moved to another ad set; the latest report wins.
		{AdID: "ad-3", AdSetID: "set-9", CampaignID: "camp-2", Date: date(5)},
		{AdID: "ad-3", AdSetID: "set-2", CampaignID: "camp-1", Date: date(4)},
		{AdID: "", AdSetID: "set-1", CampaignID: "camp-1", Date: date(4)},
	}

	edges := Build(records, time.Time{})
	require.Len(t, edges, 3)

	assert.Equal(t, models.HierarchyEdge{
		AdID: "ad-1", AdSetID: "set-1", CampaignID: "camp-1",
		Confidence: 1.0, FirstSeen: date(1), LastSeen: date(3),
	}, edges[0])
	assert.Equal(t, "set-9", edges[2].AdSetID)
	assert.Equal(t, "camp-2", edges[2].CampaignID)
	assert.Equal(t, date(4), edges[2].FirstSeen)
}

func TestBuild_OrderIndependent(t *testing.T) {
	a := models.AdPerformanceRecord{AdID: "ad-1", AdSetID: "set-1", CampaignID: "camp-1", Date: date(2)}
	b := models.AdPerformanceRecord{AdID: "ad-1", AdSetID: "set-2", CampaignID: "camp-1", Date: date(2)}

	assert.Equal(t, Build([]models.AdPerformanceRecord{a, b}, time.Time{}), Build([]models.AdPerformanceRecord{b, a}, time.Time{}))
}

func TestBuild_Window(t *testing.T) {
	records := []models.AdPerformanceRecord{
		{AdID: "ad-old", AdSetID: "s", CampaignID: "c", Date: date(1)},
		{AdID: "ad-new", AdSetID: "s", CampaignID: "c", Date: date(10)},
	}

	edges := Build(records, date(5))
	require.Len(t, edges, 1)
	assert.Equal(t, "ad-new", edges[0].AdID)
}

func TestResolver(t *testing.T) {
	r := NewResolver(Build([]models.AdPerformanceRecord{
		{AdID: "ad-b", AdSetID: "set-1", CampaignID: "camp-1", Date: date(1)},
		{AdID: "ad-a", AdSetID: "set-2", CampaignID: "camp-1", Date: date(1)},
		{AdID: "ad-c", AdSetID: "set-3", CampaignID: "camp-2", Date: date(1)},
	}, time.Time{}))

	adSet, campaign, ok := r.Parents("ad-a")
	require.True(t, ok)
	assert.Equal(t, "set-2", adSet)
	assert.Equal(t, "camp-1", campaign)

	_, _, ok = r.Parents("never-reported")
	assert.False(t, ok, "no inference for unreported ads")

	assert.Equal(t, []string{"ad-a", "ad-b"}, r.Descendants("camp-1"))
	assert.Empty(t, r.Descendants("camp-unknown"))
	assert.Equal(t, 3, r.Len())
}
