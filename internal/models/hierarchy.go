package models

import "time"

// AdPerformanceRecord is one daily row reported by an ad platform.
type AdPerformanceRecord struct {
	AdID       string    `json:"ad_id"`
	AdSetID    string    `json:"adset_id"`
	CampaignID string    `json:"campaign_id"`
	Date       time.Time `json:"date"`
}

// HierarchyEdge is the resolved parent chain of an ad.
type HierarchyEdge struct {
	AdID       string    `json:"ad_id"`
	AdSetID    string    `json:"adset_id"`
	CampaignID string    `json:"campaign_id"`
	Confidence float64   `json:"confidence"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}
