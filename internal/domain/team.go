package domain

import "time"

// Team is a persisted team row.
type Team struct {
	ID        int64     `json:"id"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"createdAt"`
}

// TeamSummary is the listing view of a team. MemberIDs is filled in
// snapshots, in insertion order.
type TeamSummary struct {
	ID          int64   `json:"id"`
	Color       string  `json:"color"`
	MemberCount int     `json:"memberCount"`
	MemberIDs   []int64 `json:"memberIds,omitempty"`
}

// TeamMember is a participant as shown inside a team listing.
type TeamMember struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"name"`
}

// TeamRoster couples a team with its members in insertion order.
type TeamRoster struct {
	ID      int64        `json:"id"`
	Color   string       `json:"color"`
	Members []TeamMember `json:"members"`
}

// Snapshot is a consistent read of the state a distribution run starts from.
type Snapshot struct {
	Participants []Participant
	Teams        []TeamSummary
	TagUnions    map[int64]TagSet
}

// ColorEntry is one color with the maximum number of teams it may have.
type ColorEntry struct {
	Color string `json:"color" yaml:"color"`
	Quota int    `json:"quota" yaml:"quota"`
}
