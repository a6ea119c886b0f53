package models

import "time"

// UserIdentity is the canonical record of one physical user.
type UserIdentity struct {
	DistinctID string    `json:"distinct_id"`
	Aliases    []string  `json:"aliases"`
	CreatedAt  time.Time `json:"created_at"`
}

// AliasBinding maps one identifier to its identity.
type AliasBinding struct {
	Alias      string `json:"alias"`
	DistinctID string `json:"distinct_id"`
}
